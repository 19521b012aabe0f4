package identity

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"syncshell/internal/crypto"
	"syncshell/internal/domain"
)

const (
	// minPassphraseLength defines the minimum number of characters required for a passphrase.
	minPassphraseLength = 12
	// minSecretLength is the shortest shared secret accepted for joining a group.
	minSecretLength = 12
	// maxGroupNameLength bounds group names in runes.
	maxGroupNameLength = 64
)

var (
	// ErrWeakPassphrase is returned when the passphrase fails the strength policy.
	ErrWeakPassphrase = fmt.Errorf(
		"passphrase is too weak (must be at least %d characters and include upper, lower, "+
			"number, and symbol)",
		minPassphraseLength,
	)
	// ErrInvalidGroupName is returned for empty, overlong or unprintable names,
	// and names that contain the code separator.
	ErrInvalidGroupName = errors.New("invalid group name")
	// ErrWeakSecret is returned for shared secrets too short to resist guessing.
	ErrWeakSecret = fmt.Errorf("shared secret must be at least %d characters and contain no ':'", minSecretLength)
)

// Service manages the local node identity using a backing store.
//
// The identity is a single Ed25519 key pair. Its public key is this node's
// member key in every group directory and signs the tombstones it issues.
type Service struct {
	store domain.IdentityStore
}

// New returns an identity service backed by the given store.
func New(s domain.IdentityStore) *Service { return &Service{store: s} }

// LoadOrCreate decrypts the stored identity, creating and saving a new one on
// first use. A new identity requires a passphrase meeting the policy.
func (s *Service) LoadOrCreate(passphrase string) (domain.NodeIdentity, domain.Fingerprint, error) {
	id, ok, err := s.store.LoadIdentity(passphrase)
	if err != nil {
		return domain.NodeIdentity{}, "", err
	}
	if ok {
		return id, crypto.Fingerprint(id.EdPub.Slice()), nil
	}

	if !isSecurePassphrase(passphrase) {
		return domain.NodeIdentity{}, "", ErrWeakPassphrase
	}
	priv, pub, err := crypto.GenerateEd25519()
	if err != nil {
		return domain.NodeIdentity{}, "", err
	}
	id = domain.NodeIdentity{EdPub: pub, EdPriv: priv}
	if err := s.store.SaveIdentity(passphrase, id); err != nil {
		return domain.NodeIdentity{}, "", err
	}
	return id, crypto.Fingerprint(id.EdPub.Slice()), nil
}

// FingerprintIdentity returns a short fingerprint of the local public key.
func (s *Service) FingerprintIdentity(passphrase string) (domain.Fingerprint, error) {
	id, ok, err := s.store.LoadIdentity(passphrase)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.New("no identity has been created yet")
	}
	return crypto.Fingerprint(id.EdPub.Slice()), nil
}

// NormalizeGroupName trims name and checks it can travel inside an invite.
func NormalizeGroupName(name string) (string, error) {
	name = strings.TrimSpace(name)
	n := utf8.RuneCountInString(name)
	switch {
	case n == 0:
		return "", fmt.Errorf("%w: empty", ErrInvalidGroupName)
	case n > maxGroupNameLength:
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidGroupName, maxGroupNameLength)
	case strings.Contains(name, ":"):
		return "", fmt.Errorf("%w: contains ':'", ErrInvalidGroupName)
	}
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return "", fmt.Errorf("%w: contains unprintable characters", ErrInvalidGroupName)
		}
	}
	return name, nil
}

// ValidateSecret enforces the shared secret policy.
func ValidateSecret(secret string) error {
	if utf8.RuneCountInString(secret) < minSecretLength || strings.Contains(secret, ":") {
		return ErrWeakSecret
	}
	return nil
}

// isSecurePassphrase enforces a basic strength policy.
func isSecurePassphrase(passphrase string) bool {
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	if len(passphrase) < minPassphraseLength {
		return false
	}
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	return hasUpper && hasLower && hasDigit && hasSymbol
}

// Compile-time assertion that Service implements domain.IdentityService.
var _ domain.IdentityService = (*Service)(nil)
