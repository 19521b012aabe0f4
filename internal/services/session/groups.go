package session

import (
	"context"
	"fmt"

	"syncshell/internal/crypto"
	"syncshell/internal/directory"
	"syncshell/internal/domain"
	"syncshell/internal/peer"
	"syncshell/internal/protocol/control"
	"syncshell/internal/registry"
	"syncshell/internal/services/identity"
)

// Connection is a read-only view of one registered peer connection.
type Connection struct {
	peer.Info
	Key      string
	Registry registry.Kind
}

// CreateGroup creates a new group owned by this node with a freshly
// generated shared secret.
func (m *Manager) CreateGroup(ctx context.Context, name string) (domain.GroupRecord, error) {
	name, err := identity.NormalizeGroupName(name)
	if err != nil {
		return domain.GroupRecord{}, err
	}
	secret, err := crypto.GenerateSecret()
	if err != nil {
		return domain.GroupRecord{}, fmt.Errorf("generate secret: %w", err)
	}
	rec, _, err := m.addGroup(ctx, name, secret, domain.RoleOwner)
	return rec, err
}

// JoinGroup joins (name, secret) locally. Joining a group that is already
// known returns its existing record.
func (m *Manager) JoinGroup(ctx context.Context, name, secret string) (domain.GroupRecord, error) {
	name, err := identity.NormalizeGroupName(name)
	if err != nil {
		return domain.GroupRecord{}, err
	}
	if err := identity.ValidateSecret(secret); err != nil {
		return domain.GroupRecord{}, err
	}
	rec, _, err := m.addGroup(ctx, name, secret, domain.RoleMember)
	return rec, err
}

// addGroup derives the group keys before taking the lock.
func (m *Manager) addGroup(ctx context.Context, name, secret string, role domain.Role) (domain.GroupRecord, *groupState, error) {
	keys := crypto.DeriveGroup(name, secret)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		keys.Wipe()
		return domain.GroupRecord{}, nil, ErrClosed
	}
	if gs, ok := m.groups[keys.Hash]; ok {
		rec := gs.record.Clone()
		m.mu.Unlock()
		keys.Wipe()
		return rec, gs, nil
	}
	now := m.opts.Now()
	dir := directory.New(directory.WithClock(m.opts.Now))
	m.ensureSelf(dir)
	gs := &groupState{
		record: domain.GroupRecord{
			ID:           keys.Hash,
			Name:         name,
			SharedSecret: secret,
			Role:         role,
			Active:       true,
			Roster:       dir.Names(),
			CreatedAt:    now,
			LastActivity: now,
		},
		keys: keys,
		dir:  dir,
	}
	m.groups[keys.Hash] = gs
	rec := gs.record.Clone()
	m.mu.Unlock()

	m.persistGroup(ctx, rec)
	if err := m.saveDirectory(ctx, rec.ID, dir); err != nil {
		m.log.Warn().Err(err).Str("group", rec.ID.Short()).Msg("saving directory")
	}
	m.log.Info().Str("group", rec.ID.Short()).Str("name", name).Str("role", string(role)).Msg("group joined")
	return rec, gs, nil
}

// ensureSelf registers this node in dir unless it is already listed under
// its current display name.
func (m *Manager) ensureSelf(dir *directory.Directory) {
	if rec, ok := dir.Get(m.selfKey); ok && rec.Name == m.opts.DisplayName {
		return
	}
	dir.AddOrReplaceMember(m.selfKey, m.opts.DisplayName, directory.Endpoint{})
}

// RemoveGroup forgets a group, closes its connections and deletes it from
// the store.
func (m *Manager) RemoveGroup(ctx context.Context, id domain.GroupHash) error {
	m.mu.Lock()
	gs, ok := m.groups[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownGroup, id.Short())
	}
	delete(m.groups, id)
	m.mu.Unlock()

	m.closeGroupConns(id)
	gs.keys.Wipe()
	if m.opts.Store != nil {
		if err := m.opts.Store.DeleteGroup(ctx, id); err != nil {
			return fmt.Errorf("delete group: %w", err)
		}
	}
	m.log.Info().Str("group", id.Short()).Msg("group removed")
	return nil
}

// SetActive suspends or resumes a group. Suspending closes its connections;
// neither direction forgets the group.
func (m *Manager) SetActive(ctx context.Context, id domain.GroupHash, active bool) error {
	m.mu.Lock()
	gs, ok := m.groups[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownGroup, id.Short())
	}
	gs.record.Active = active
	rec := gs.record.Clone()
	m.mu.Unlock()

	if !active {
		m.closeGroupConns(id)
	}
	m.persistGroup(ctx, rec)
	return nil
}

func (m *Manager) closeGroupConns(id domain.GroupHash) {
	for _, e := range m.reg.Entries(id) {
		m.reg.Remove(e.Conn.ID())
		_ = e.Conn.Close()
	}
}

// RemoveMember tombstones key in the group's directory, signed by this
// node, pushes the updated directory to connected peers and drops any link
// to the removed member.
func (m *Manager) RemoveMember(ctx context.Context, id domain.GroupHash, key directory.MemberKey) (directory.Tombstone, error) {
	gs, err := m.state(id)
	if err != nil {
		return directory.Tombstone{}, err
	}
	if key == m.selfKey {
		return directory.Tombstone{}, fmt.Errorf("session: cannot remove self; use RemoveGroup")
	}
	ts, err := gs.dir.RemoveMember(key, [][]byte{m.SignRemoval(id, key)})
	if err != nil {
		return directory.Tombstone{}, err
	}
	m.DirectoryChanged(id)

	snap, err := gs.dir.Marshal()
	if err != nil {
		return ts, err
	}
	for _, c := range m.reg.Active(id) {
		if c.RemoteKey() == string(key) {
			m.reg.Remove(c.ID())
			_ = c.Close()
			continue
		}
		m.sendOn(c, control.DirectorySyncResponse(snap))
	}
	return ts, nil
}

// Groups returns every joined group sorted by name.
func (m *Manager) Groups() []domain.GroupRecord {
	m.mu.Lock()
	out := make([]domain.GroupRecord, 0, len(m.groups))
	for _, gs := range m.groups {
		out = append(out, gs.record.Clone())
	}
	m.mu.Unlock()
	sortRecords(out)
	return out
}

func (m *Manager) Group(id domain.GroupHash) (domain.GroupRecord, bool) {
	gs, err := m.state(id)
	if err != nil {
		return domain.GroupRecord{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return gs.record.Clone(), true
}

// Roster is the display projection of the group's directory.
func (m *Manager) Roster(id domain.GroupHash) []string {
	gs, err := m.state(id)
	if err != nil {
		return nil
	}
	return gs.dir.Names()
}

// Payload returns the cached payload for a subject.
func (m *Manager) Payload(subject domain.SubjectID) (domain.PayloadEntry, bool) {
	return m.cache.Get(subject)
}

// Connections lists the group's registered connections, oldest first.
func (m *Manager) Connections(id domain.GroupHash) []Connection {
	entries := m.reg.Entries(id)
	out := make([]Connection, 0, len(entries))
	for _, e := range entries {
		out = append(out, Connection{Info: e.Conn.Info(), Key: e.Key, Registry: e.State.Kind})
	}
	return out
}
