package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"syncshell/internal/crypto"
	"syncshell/internal/domain"
)

const idFilename = "identity.json.enc"

// IdentityFileStore persists the local identity to disk.
type IdentityFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewIdentityFileStore returns an IdentityFileStore rooted at dir.
func NewIdentityFileStore(dir string) *IdentityFileStore {
	return &IdentityFileStore{dir: dir}
}

// SaveIdentity writes the encrypted identity to disk.
func (s *IdentityFileStore) SaveIdentity(passphrase string, id domain.NodeIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	ct, err := crypto.SealWithPassphrase(passphrase, raw)
	if err != nil {
		return err
	}
	return writeFile(filepath.Join(s.dir, idFilename), ct, 0o600)
}

// LoadIdentity reads and decrypts the identity. A missing file reports
// ok=false.
func (s *IdentityFileStore) LoadIdentity(passphrase string) (domain.NodeIdentity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := readFile(filepath.Join(s.dir, idFilename))
	if err != nil {
		return domain.NodeIdentity{}, false, err
	}
	if b == nil {
		return domain.NodeIdentity{}, false, nil
	}
	pt, err := crypto.OpenWithPassphrase(passphrase, b)
	if err != nil {
		return domain.NodeIdentity{}, false, err
	}
	var id domain.NodeIdentity
	if err := json.Unmarshal(pt, &id); err != nil {
		return domain.NodeIdentity{}, false, fmt.Errorf("decode identity: %w", err)
	}
	return id, true, nil
}

// Compile-time assertion that IdentityFileStore implements domain.IdentityStore.
var _ domain.IdentityStore = (*IdentityFileStore)(nil)
