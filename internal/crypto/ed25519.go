package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"syncshell/internal/domain"
)

// GenerateEd25519 returns a new Ed25519 signing key pair.
func GenerateEd25519() (priv domain.Ed25519Private, pub domain.Ed25519Public, err error) {
	pk, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return priv, pub, err
	}
	copy(priv[:], sk)
	copy(pub[:], pk)
	return priv, pub, nil
}

// SignEd25519 signs msg with priv and returns the signature.
func SignEd25519(priv domain.Ed25519Private, msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(priv[:]), msg)
}

// VerifyEd25519 verifies sig over msg with pub.
func VerifyEd25519(pub domain.Ed25519Public, msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig)
}

// PublicKeyHex renders an Ed25519 public key as the lowercase hex form used
// for membership keys.
func PublicKeyHex(pub domain.Ed25519Public) string {
	return hex.EncodeToString(pub[:])
}

// ParsePublicKeyHex is the inverse of PublicKeyHex.
func ParsePublicKeyHex(s string) (domain.Ed25519Public, error) {
	var out domain.Ed25519Public
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != ed25519.PublicKeySize {
		return out, fmt.Errorf("ed25519 public: want %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	copy(out[:], b)
	return out, nil
}
