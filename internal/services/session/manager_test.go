package session_test

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncshell/internal/crypto"
	"syncshell/internal/directory"
	"syncshell/internal/domain"
	"syncshell/internal/peer"
	"syncshell/internal/protocol/invite"
	"syncshell/internal/services/session"
	"syncshell/internal/testutil/memtransport"
	"syncshell/internal/testutil/testlog"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeProvider struct {
	mu       sync.Mutex
	current  map[domain.SubjectID][]byte
	received []domain.PayloadEntry
}

func newProvider() *fakeProvider {
	return &fakeProvider{current: make(map[domain.SubjectID][]byte)}
}

func (p *fakeProvider) CurrentPayload(_ context.Context, s domain.SubjectID) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current[s], nil
}

func (p *fakeProvider) PayloadReceived(e domain.PayloadEntry) {
	p.mu.Lock()
	p.received = append(p.received, e)
	p.mu.Unlock()
}

func (p *fakeProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.received)
}

type memGroupStore struct {
	mu     sync.Mutex
	groups map[domain.GroupHash]domain.GroupRecord
	dirs   map[domain.GroupHash][]byte
}

func newGroupStore() *memGroupStore {
	return &memGroupStore{
		groups: make(map[domain.GroupHash]domain.GroupRecord),
		dirs:   make(map[domain.GroupHash][]byte),
	}
}

func (s *memGroupStore) LoadGroups(context.Context) ([]domain.GroupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.GroupRecord, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g.Clone())
	}
	return out, nil
}

func (s *memGroupStore) SaveGroup(_ context.Context, g domain.GroupRecord) error {
	s.mu.Lock()
	s.groups[g.ID] = g.Clone()
	s.mu.Unlock()
	return nil
}

func (s *memGroupStore) DeleteGroup(_ context.Context, id domain.GroupHash) error {
	s.mu.Lock()
	delete(s.groups, id)
	delete(s.dirs, id)
	s.mu.Unlock()
	return nil
}

func (s *memGroupStore) SaveDirectory(_ context.Context, id domain.GroupHash, b []byte) error {
	s.mu.Lock()
	s.dirs[id] = append([]byte(nil), b...)
	s.mu.Unlock()
	return nil
}

func (s *memGroupStore) group(id domain.GroupHash) (domain.GroupRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	return g, ok
}

func (s *memGroupStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.groups)
}

func (s *memGroupStore) LoadDirectory(_ context.Context, id domain.GroupHash) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.dirs[id]
	return b, ok, nil
}

type node struct {
	*session.Manager
	key      directory.MemberKey
	provider *fakeProvider
}

func newNode(t *testing.T, hub *memtransport.Hub, name string, mut ...func(*session.Options)) node {
	t.Helper()
	priv, pub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	p := newProvider()
	opts := session.Options{
		Identity:    domain.NodeIdentity{EdPub: pub, EdPriv: priv},
		DisplayName: name,
		Transports:  hub,
		Provider:    p,
		Logger:      testlog.New(t).With().Str("node", name).Logger(),
	}
	for _, f := range mut {
		f(&opts)
	}
	m, err := session.New(opts)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return node{Manager: m, key: directory.MemberKey(crypto.PublicKeyHex(pub)), provider: p}
}

func connectedCount(n node, id domain.GroupHash) int {
	c := 0
	for _, conn := range n.Connections(id) {
		if conn.State == peer.Connected {
			c++
		}
	}
	return c
}

// pair runs a full manual invite between host and guest and returns the
// group hash.
func pair(t *testing.T, host, guest node) domain.GroupHash {
	t.Helper()
	ctx := context.Background()
	rec, err := host.CreateGroup(ctx, "Friends")
	require.NoError(t, err)

	inv, err := host.GenerateInvite(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, invite.Manual, inv.Strategy)

	res, err := guest.AcceptInvite(ctx, inv.Code)
	require.NoError(t, err)
	require.Equal(t, invite.KindManual, res.Kind)
	require.Equal(t, rec.ID, res.Group.ID)
	require.NotEmpty(t, res.AnswerCode)

	connID, err := host.ProcessAnswerCode(ctx, res.AnswerCode)
	require.NoError(t, err)
	require.Equal(t, inv.ConnID, connID)
	return rec.ID
}

// settle waits until host has drained everything guest sent while
// connecting: the host worker handles inbound messages in order, so a
// payload broadcast by guest arrives after the handshake requests.
func settle(t *testing.T, host, guest node, id domain.GroupHash) {
	t.Helper()
	subject := domain.SubjectID("settle-" + string(guest.key))
	guest.provider.mu.Lock()
	guest.provider.current[subject] = []byte("1")
	guest.provider.mu.Unlock()
	n, err := guest.BroadcastPayload(context.Background(), id, subject)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Eventually(t, func() bool {
		_, ok := host.Payload(subject)
		return ok
	}, waitFor, tick)
}

func TestSameCredentialsSameGroup(t *testing.T) {
	hub := memtransport.NewHub()
	a := newNode(t, hub, "alice")
	b := newNode(t, hub, "bob")
	ctx := context.Background()

	ga, err := a.JoinGroup(ctx, "Friends", "S1-long-enough-secret")
	require.NoError(t, err)
	gb, err := b.JoinGroup(ctx, "Friends", "S1-long-enough-secret")
	require.NoError(t, err)
	assert.Equal(t, ga.ID, gb.ID)

	again, err := a.JoinGroup(ctx, "  Friends ", "S1-long-enough-secret")
	require.NoError(t, err)
	assert.Equal(t, ga.ID, again.ID)
	assert.Len(t, a.Groups(), 1)
}

func TestJoinGroupValidation(t *testing.T) {
	a := newNode(t, memtransport.NewHub(), "alice")
	ctx := context.Background()

	_, err := a.JoinGroup(ctx, "", "S1-long-enough-secret")
	assert.Error(t, err)
	_, err = a.JoinGroup(ctx, "bad:name", "S1-long-enough-secret")
	assert.Error(t, err)
	_, err = a.JoinGroup(ctx, "Friends", "short")
	assert.Error(t, err)
	assert.Empty(t, a.Groups())
}

func TestManualInviteConnectsBothSides(t *testing.T) {
	hub := memtransport.NewHub()
	host := newNode(t, hub, "alice")
	guest := newNode(t, hub, "bob")
	id := pair(t, host, guest)

	assert.Equal(t, 1, connectedCount(host, id))
	assert.Equal(t, 1, connectedCount(guest, id))

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"alice", "bob"}, sortedRoster(host, id)) &&
			assert.ObjectsAreEqual([]string{"alice", "bob"}, sortedRoster(guest, id))
	}, waitFor, tick)

	g, ok := guest.Group(id)
	require.True(t, ok)
	assert.Equal(t, domain.RoleMember, g.Role)
	h, ok := host.Group(id)
	require.True(t, ok)
	assert.Equal(t, domain.RoleOwner, h.Role)

	dir, ok := host.Directory(id)
	require.True(t, ok)
	rec, ok := dir.Get(guest.key)
	require.True(t, ok)
	assert.Equal(t, "bob", rec.Name)
}

func sortedRoster(n node, id domain.GroupHash) []string {
	out := n.Roster(id)
	sort.Strings(out)
	return out
}

func TestConnectedGroupGetsBootstrapInvite(t *testing.T) {
	hub := memtransport.NewHub()
	host := newNode(t, hub, "alice")
	guest := newNode(t, hub, "bob")
	id := pair(t, host, guest)

	inv, err := host.GenerateInvite(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, invite.MeshBootstrap, inv.Strategy)
	assert.True(t, strings.HasPrefix(inv.Code, invite.BootstrapPrefix))
	assert.Empty(t, inv.ConnID)

	parsed, err := invite.Parse(inv.Code)
	require.NoError(t, err)
	assert.Equal(t, 1, parsed.Bootstrap.ConnectedPeerCount)
	assert.Equal(t, id, parsed.GroupHash)
}

func TestStaleGroupGetsBootstrapInvite(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	a := newNode(t, memtransport.NewHub(), "alice", func(o *session.Options) {
		o.Now = func() time.Time { return clock() }
	})
	ctx := context.Background()
	rec, err := a.CreateGroup(ctx, "Friends")
	require.NoError(t, err)

	later := now.Add(invite.DefaultStaleAfter + time.Hour)
	clock = func() time.Time { return later }

	inv, err := a.GenerateInvite(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, invite.Stale, inv.Strategy)
	parsed, err := invite.Parse(inv.Code)
	require.NoError(t, err)
	assert.True(t, parsed.Bootstrap.Stale)
}

func TestMeshJoinOverExistingConnection(t *testing.T) {
	hub := memtransport.NewHub()
	host := newNode(t, hub, "alice")
	guest := newNode(t, hub, "bob")
	id := pair(t, host, guest)

	inv, err := host.GenerateInvite(context.Background(), id)
	require.NoError(t, err)

	res, err := guest.AcceptInvite(context.Background(), inv.Code)
	require.NoError(t, err)
	assert.Equal(t, invite.KindBootstrap, res.Kind)
	assert.NotEmpty(t, res.ConnID)
	assert.Len(t, guest.Groups(), 1)

	dir, ok := host.Directory(id)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		rec, ok := dir.Get(guest.key)
		return ok && rec.Name == "bob"
	}, waitFor, tick)
}

func TestMeshJoinWithoutRoute(t *testing.T) {
	hub := memtransport.NewHub()
	host := newNode(t, hub, "alice")
	guest := newNode(t, hub, "bob")
	loner := newNode(t, hub, "carol")
	id := pair(t, host, guest)

	inv, err := host.GenerateInvite(context.Background(), id)
	require.NoError(t, err)

	res, err := loner.AcceptInvite(context.Background(), inv.Code)
	require.ErrorIs(t, err, session.ErrNoMeshRoute)
	assert.Equal(t, id, res.Group.ID)
	_, ok := loner.Group(id)
	assert.True(t, ok, "group is joined locally even without a route")
}

func TestProcessAnswerCodeErrors(t *testing.T) {
	hub := memtransport.NewHub()
	host := newNode(t, hub, "alice")
	guest := newNode(t, hub, "bob")
	other := newNode(t, hub, "carol")
	ctx := context.Background()

	_, err := host.ProcessAnswerCode(ctx, "garbage")
	assert.ErrorIs(t, err, invite.ErrMalformedCode)

	rec, err := host.CreateGroup(ctx, "Friends")
	require.NoError(t, err)
	inv, err := host.GenerateInvite(ctx, rec.ID)
	require.NoError(t, err)

	_, err = host.ProcessAnswerCode(ctx, inv.Code)
	assert.ErrorIs(t, err, invite.ErrMalformedCode, "an invite is not an answer")

	res, err := guest.AcceptInvite(ctx, inv.Code)
	require.NoError(t, err)

	_, err = other.ProcessAnswerCode(ctx, res.AnswerCode)
	assert.ErrorIs(t, err, session.ErrUnknownGroup)

	_, err = host.ProcessAnswerCode(ctx, res.AnswerCode)
	require.NoError(t, err)
	_, err = host.ProcessAnswerCode(ctx, res.AnswerCode)
	assert.ErrorIs(t, err, session.ErrNoPendingMatch, "a used answer matches nothing")
}

func TestSeveralPendingInvites(t *testing.T) {
	hub := memtransport.NewHub()
	host := newNode(t, hub, "alice")
	bob := newNode(t, hub, "bob")
	carol := newNode(t, hub, "carol")
	ctx := context.Background()

	rec, err := host.CreateGroup(ctx, "Friends")
	require.NoError(t, err)
	first, err := host.GenerateInvite(ctx, rec.ID)
	require.NoError(t, err)
	second, err := host.GenerateInvite(ctx, rec.ID)
	require.NoError(t, err)
	require.NotEqual(t, first.ConnID, second.ConnID)

	resC, err := carol.AcceptInvite(ctx, second.Code)
	require.NoError(t, err)
	resB, err := bob.AcceptInvite(ctx, first.Code)
	require.NoError(t, err)

	id, err := host.ProcessAnswerCode(ctx, resC.AnswerCode)
	require.NoError(t, err)
	assert.Equal(t, second.ConnID, id)
	id, err = host.ProcessAnswerCode(ctx, resB.AnswerCode)
	require.NoError(t, err)
	assert.Equal(t, first.ConnID, id)

	assert.Equal(t, 2, connectedCount(host, rec.ID))
}

func TestPendingInviteTimesOut(t *testing.T) {
	a := newNode(t, memtransport.NewHub(), "alice", func(o *session.Options) {
		o.SweepInterval = 10 * time.Millisecond
		o.PendingTimeout = 20 * time.Millisecond
	})
	ctx := context.Background()
	rec, err := a.CreateGroup(ctx, "Friends")
	require.NoError(t, err)
	_, err = a.GenerateInvite(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, a.Connections(rec.ID), 1)

	require.Eventually(t, func() bool { return len(a.Connections(rec.ID)) == 0 }, waitFor, tick)

	inv, err := a.GenerateInvite(ctx, rec.ID)
	require.NoError(t, err, "the group stays joinable after a timeout")
	assert.Equal(t, invite.Manual, inv.Strategy)
}

func TestSendAndBroadcast(t *testing.T) {
	hub := memtransport.NewHub()
	host := newNode(t, hub, "alice")
	guest := newNode(t, hub, "bob")
	id := pair(t, host, guest)
	ctx := context.Background()

	settle(t, host, guest, id)
	assert.True(t, guest.Send(id, []byte("not json")))
	assert.True(t, host.Send(id, []byte("not json")))
	assert.False(t, host.Send(domain.GroupHash("unknown"), []byte("x")))

	host.provider.mu.Lock()
	host.provider.current["player-1"] = []byte(`{"mods":["a"]}`)
	host.provider.mu.Unlock()

	n, err := host.BroadcastPayload(ctx, id, "player-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		e, ok := guest.Payload("player-1")
		return ok && string(e.Payload) == `{"mods":["a"]}`
	}, waitFor, tick)
	assert.GreaterOrEqual(t, guest.provider.count(), 1)

	local, ok := host.Payload("player-1")
	require.True(t, ok)
	assert.Equal(t, `{"mods":["a"]}`, string(local.Payload))
}

func TestRemoveMemberDropsLink(t *testing.T) {
	hub := memtransport.NewHub()
	host := newNode(t, hub, "alice")
	guest := newNode(t, hub, "bob")
	id := pair(t, host, guest)
	ctx := context.Background()

	settle(t, host, guest, id)
	dir, ok := host.Directory(id)
	require.True(t, ok)

	ts, err := host.RemoveMember(ctx, id, guest.key)
	require.NoError(t, err)
	assert.Equal(t, guest.key, ts.Key)
	assert.NotEmpty(t, ts.Signatures)
	assert.True(t, dir.IsRemoved(guest.key))
	assert.NotContains(t, host.Roster(id), "bob")

	require.Eventually(t, func() bool { return len(guest.Connections(id)) == 0 }, waitFor, tick)
	assert.Empty(t, host.Connections(id))

	_, err = host.RemoveMember(ctx, id, host.key)
	assert.Error(t, err)
}

func TestRemovalReachesEveryJoiner(t *testing.T) {
	hub := memtransport.NewHub()
	host := newNode(t, hub, "alice")
	bob := newNode(t, hub, "bob")
	carol := newNode(t, hub, "carol")
	ctx := context.Background()

	rec, err := host.CreateGroup(ctx, "Friends")
	require.NoError(t, err)
	first, err := host.GenerateInvite(ctx, rec.ID)
	require.NoError(t, err)
	second, err := host.GenerateInvite(ctx, rec.ID)
	require.NoError(t, err)

	resB, err := bob.AcceptInvite(ctx, first.Code)
	require.NoError(t, err)
	_, err = host.ProcessAnswerCode(ctx, resB.AnswerCode)
	require.NoError(t, err)
	settle(t, host, bob, rec.ID)

	resC, err := carol.AcceptInvite(ctx, second.Code)
	require.NoError(t, err)
	_, err = host.ProcessAnswerCode(ctx, resC.AnswerCode)
	require.NoError(t, err)
	settle(t, host, carol, rec.ID)

	carolDir, ok := carol.Directory(rec.ID)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		_, keyed := carolDir.Get(bob.key)
		_, placeholder := carolDir.Get(directory.NameKey("bob"))
		return keyed && !placeholder
	}, waitFor, tick, "bob is known to carol by key only")
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, carolDir.Names())

	_, err = host.RemoveMember(ctx, rec.ID, bob.key)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return carolDir.IsRemoved(bob.key) }, waitFor, tick)
	assert.Equal(t, []string{"alice", "carol"}, sortedRoster(host, rec.ID))
	assert.Eventually(t, func() bool {
		roster := sortedRoster(carol, rec.ID)
		return len(roster) == 2 && roster[0] == "alice" && roster[1] == "carol"
	}, waitFor, tick)
	assert.ElementsMatch(t, []string{"alice", "carol"}, carolDir.Names())
}

func TestFailedLinksAreReleased(t *testing.T) {
	hub := memtransport.NewHub()
	host := newNode(t, hub, "alice")
	guest := newNode(t, hub, "bob")
	id := pair(t, host, guest)
	ctx := context.Background()

	// A second group holds an offer that never got an answer.
	other, err := host.CreateGroup(ctx, "Other")
	require.NoError(t, err)
	pending, err := host.GenerateInvite(ctx, other.ID)
	require.NoError(t, err)
	require.Equal(t, invite.Manual, pending.Strategy)
	require.Len(t, host.Connections(other.ID), 1)
	require.Equal(t, 1, connectedCount(host, id))

	require.Positive(t, hub.FailAll())
	require.Eventually(t, func() bool {
		return len(host.Connections(id)) == 0 &&
			len(guest.Connections(id)) == 0 &&
			len(host.Connections(other.ID)) == 0
	}, waitFor, tick)

	inv, err := host.GenerateInvite(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, invite.Manual, inv.Strategy, "a group whose links failed issues fresh offers")
}

func TestSuspendedGroupRefusesInvites(t *testing.T) {
	hub := memtransport.NewHub()
	host := newNode(t, hub, "alice")
	guest := newNode(t, hub, "bob")
	ctx := context.Background()

	rec, err := host.CreateGroup(ctx, "Friends")
	require.NoError(t, err)
	inv, err := host.GenerateInvite(ctx, rec.ID)
	require.NoError(t, err)

	joined, err := guest.JoinGroup(ctx, rec.Name, rec.SharedSecret)
	require.NoError(t, err)
	require.NoError(t, guest.SetActive(ctx, joined.ID, false))
	_, err = guest.AcceptInvite(ctx, inv.Code)
	assert.ErrorIs(t, err, session.ErrInactive)
	assert.Empty(t, guest.Connections(joined.ID), "no answer is negotiated for a suspended group")

	require.NoError(t, host.SetActive(ctx, rec.ID, false))
	_, err = host.GenerateInvite(ctx, rec.ID)
	assert.ErrorIs(t, err, session.ErrInactive)
	assert.Empty(t, host.Connections(rec.ID))

	require.NoError(t, host.SetActive(ctx, rec.ID, true))
	require.NoError(t, guest.SetActive(ctx, joined.ID, true))
	inv, err = host.GenerateInvite(ctx, rec.ID)
	require.NoError(t, err)
	res, err := guest.AcceptInvite(ctx, inv.Code)
	require.NoError(t, err)
	_, err = host.ProcessAnswerCode(ctx, res.AnswerCode)
	require.NoError(t, err)
	assert.Equal(t, 1, connectedCount(host, rec.ID))
}

func TestSuspendAndRemoveGroup(t *testing.T) {
	hub := memtransport.NewHub()
	store := newGroupStore()
	host := newNode(t, hub, "alice", func(o *session.Options) { o.Store = store })
	guest := newNode(t, hub, "bob")
	id := pair(t, host, guest)
	ctx := context.Background()

	settle(t, host, guest, id)

	require.NoError(t, host.SetActive(ctx, id, false))
	assert.Empty(t, host.Connections(id))
	g, ok := host.Group(id)
	require.True(t, ok)
	assert.False(t, g.Active)
	stored, ok := store.group(id)
	require.True(t, ok)
	assert.False(t, stored.Active)

	require.NoError(t, host.RemoveGroup(ctx, id))
	_, ok = host.Group(id)
	assert.False(t, ok)
	assert.Zero(t, store.size())
	assert.ErrorIs(t, host.RemoveGroup(ctx, id), session.ErrUnknownGroup)
	assert.ErrorIs(t, host.SetActive(ctx, id, true), session.ErrUnknownGroup)
}

func TestRestartRestoresGroups(t *testing.T) {
	hub := memtransport.NewHub()
	store := newGroupStore()
	priv, pub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	opts := session.Options{
		Identity:    domain.NodeIdentity{EdPub: pub, EdPriv: priv},
		DisplayName: "alice",
		Transports:  hub,
		Store:       store,
		Logger:      testlog.New(t),
	}
	ctx := context.Background()

	first, err := session.New(opts)
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	rec, err := first.CreateGroup(ctx, "Friends")
	require.NoError(t, err)
	require.NoError(t, first.Close())
	require.NoError(t, first.Close(), "close is idempotent")

	_, err = first.CreateGroup(ctx, "Other")
	assert.ErrorIs(t, err, session.ErrClosed)

	second, err := session.New(opts)
	require.NoError(t, err)
	require.NoError(t, second.Start(ctx))
	t.Cleanup(func() { _ = second.Close() })

	got, ok := second.Group(rec.ID)
	require.True(t, ok)
	assert.Equal(t, rec.SharedSecret, got.SharedSecret)
	assert.Equal(t, domain.RoleOwner, got.Role)
	assert.Equal(t, []string{"alice"}, second.Roster(rec.ID))
}

func TestCloseDisconnectsPeers(t *testing.T) {
	hub := memtransport.NewHub()
	host := newNode(t, hub, "alice")
	guest := newNode(t, hub, "bob")
	id := pair(t, host, guest)

	require.NoError(t, host.Close())
	require.NoError(t, host.Close())
	require.Eventually(t, func() bool { return len(guest.Connections(id)) == 0 }, waitFor, tick)
	assert.False(t, guest.Send(id, []byte("x")))
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := session.New(session.Options{})
	assert.Error(t, err)

	_, pub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	_, err = session.New(session.Options{Identity: domain.NodeIdentity{EdPub: pub}})
	assert.Error(t, err, "transport factory is required")
}
