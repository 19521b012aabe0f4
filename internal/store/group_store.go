package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"syncshell/internal/crypto"
	"syncshell/internal/domain"
)

const (
	groupsFilename = "groups.json.enc"
	directoriesDir = "directories"
)

// GroupFileStore persists joined groups under the passphrase envelope and
// one directory snapshot per group.
type GroupFileStore struct {
	dir        string
	passphrase string

	mu     sync.Mutex
	groups map[domain.GroupHash]domain.GroupRecord
	loaded bool
}

// NewGroupFileStore returns a GroupFileStore rooted at dir. The passphrase
// seals the group list, which carries every shared secret.
func NewGroupFileStore(dir, passphrase string) *GroupFileStore {
	return &GroupFileStore{dir: dir, passphrase: passphrase}
}

func (s *GroupFileStore) LoadGroups(ctx context.Context) ([]domain.GroupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	out := make([]domain.GroupRecord, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *GroupFileStore) SaveGroup(ctx context.Context, g domain.GroupRecord) error {
	if err := validHash(g.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	s.groups[g.ID] = g.Clone()
	return s.flushLocked()
}

// DeleteGroup removes the group and its directory snapshot. Deleting an
// unknown group is not an error.
func (s *GroupFileStore) DeleteGroup(ctx context.Context, id domain.GroupHash) error {
	if err := validHash(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	delete(s.groups, id)
	if err := s.flushLocked(); err != nil {
		return err
	}
	if err := os.Remove(s.directoryPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *GroupFileStore) SaveDirectory(ctx context.Context, id domain.GroupHash, data []byte) error {
	if err := validHash(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFile(s.directoryPath(id), data, 0o600)
}

func (s *GroupFileStore) LoadDirectory(ctx context.Context, id domain.GroupHash) ([]byte, bool, error) {
	if err := validHash(id); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := readFile(s.directoryPath(id))
	if err != nil {
		return nil, false, err
	}
	return b, b != nil, nil
}

func (s *GroupFileStore) directoryPath(id domain.GroupHash) string {
	return filepath.Join(s.dir, directoriesDir, string(id)+".json")
}

func (s *GroupFileStore) loadLocked() error {
	if s.loaded {
		return nil
	}
	s.groups = make(map[domain.GroupHash]domain.GroupRecord)
	b, err := readFile(filepath.Join(s.dir, groupsFilename))
	if err != nil {
		return err
	}
	if b != nil {
		raw, err := crypto.OpenWithPassphrase(s.passphrase, b)
		if err != nil {
			return err
		}
		var list []domain.GroupRecord
		if err := json.Unmarshal(raw, &list); err != nil {
			return fmt.Errorf("decode groups: %w", err)
		}
		for _, g := range list {
			s.groups[g.ID] = g
		}
	}
	s.loaded = true
	return nil
}

func (s *GroupFileStore) flushLocked() error {
	list := make([]domain.GroupRecord, 0, len(s.groups))
	for _, g := range s.groups {
		list = append(list, g)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	raw, err := json.Marshal(list)
	if err != nil {
		return err
	}
	ct, err := crypto.SealWithPassphrase(s.passphrase, raw)
	if err != nil {
		return err
	}
	return writeFile(filepath.Join(s.dir, groupsFilename), ct, 0o600)
}

// validHash keeps group ids usable as file names.
func validHash(id domain.GroupHash) error {
	if len(id) != 2*crypto.KeyBytes {
		return fmt.Errorf("store: invalid group id %q", id.Short())
	}
	if _, err := hex.DecodeString(string(id)); err != nil {
		return fmt.Errorf("store: invalid group id %q", id.Short())
	}
	return nil
}

var _ domain.GroupStore = (*GroupFileStore)(nil)
