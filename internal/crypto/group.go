package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"syncshell/internal/domain"
	"syncshell/internal/util/memzero"
)

const (
	KeyBytes    = 32
	SecretBytes = 32

	groupSaltPrefix = "syncshell/group/v1|"

	// Argon2id cost. The shared secret is treated as a password that may be
	// guessed offline from a leaked group hash.
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// GroupKeys is the key material every holder of (name, secret) derives.
type GroupKeys struct {
	Hash         domain.GroupHash
	SymmetricKey [KeyBytes]byte
	PublicKey    domain.Ed25519Public
	PrivateKey   domain.Ed25519Private
}

// Wipe zeroes the secret parts of k.
func (k *GroupKeys) Wipe() {
	memzero.Zero(k.SymmetricKey[:])
	memzero.Zero(k.PrivateKey[:])
}

// DeriveGroup deterministically derives the group hash, the invite
// encryption key and the group signing key pair from name and secret.
//
// The name salts Argon2id so two groups sharing a secret still get distinct
// hashes. The three outputs are independent HKDF expansions of the Argon2id
// master key.
func DeriveGroup(name, secret string) GroupKeys {
	salt := sha256.Sum256([]byte(groupSaltPrefix + name))
	master := argon2.IDKey([]byte(secret), salt[:], argonTime, argonMemory, argonThreads, KeyBytes)
	defer memzero.Zero(master)

	var out GroupKeys

	hashBytes := expand(master, "group-hash", KeyBytes)
	out.Hash = domain.GroupHash(hex.EncodeToString(hashBytes))

	sym := expand(master, "invite-key", KeyBytes)
	copy(out.SymmetricKey[:], sym)
	memzero.Zero(sym)

	seed := expand(master, "group-sign", ed25519.SeedSize)
	sk := ed25519.NewKeyFromSeed(seed)
	memzero.Zero(seed)
	copy(out.PrivateKey[:], sk)
	copy(out.PublicKey[:], sk.Public().(ed25519.PublicKey))
	memzero.Zero(sk)

	return out
}

// GenerateSecret returns a fresh shared secret for a new group: 32 random
// bytes rendered as unpadded URL-safe base64.
func GenerateSecret() (string, error) {
	b := make([]byte, SecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	defer memzero.Zero(b)
	return B64URL(b), nil
}

func expand(master []byte, label string, n int) []byte {
	r := hkdf.Expand(sha256.New, master, []byte("syncshell|"+label))
	out := make([]byte, n)
	_, _ = io.ReadFull(r, out)
	return out
}
