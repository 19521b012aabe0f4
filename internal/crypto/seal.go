package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrOpenFailed is returned when a sealed payload was produced under a
// different key, different associated data, or has been modified.
var ErrOpenFailed = errors.New("sealed payload failed authentication")

// SealPayload encrypts plaintext with XChaCha20-Poly1305 under key, binding
// ad, and returns nonce||ciphertext as unpadded URL-safe base64.
func SealPayload(key [KeyBytes]byte, plaintext, ad []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return B64URL(aead.Seal(nonce, nonce, plaintext, ad)), nil
}

// OpenPayload reverses SealPayload.
func OpenPayload(key [KeyBytes]byte, blob string, ad []byte) ([]byte, error) {
	raw, err := FromB64URL(blob)
	if err != nil {
		return nil, ErrOpenFailed
	}
	if len(raw) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrOpenFailed
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	nonce, ct := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, ct, ad)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return pt, nil
}
