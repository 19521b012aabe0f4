package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncshell/internal/crypto"
	"syncshell/internal/directory"
	"syncshell/internal/domain"
	"syncshell/internal/peer"
	"syncshell/internal/protocol/control"
	"syncshell/internal/testutil/testlog"
)

var groupKeys = sync.OnceValue(func() crypto.GroupKeys {
	return crypto.DeriveGroup("router-test", "correct horse battery")
})

type fakeBackend struct {
	keys    crypto.GroupKeys
	dir     *directory.Directory
	changed int
}

func (b *fakeBackend) LocalMember() (directory.MemberKey, string) {
	return directory.MemberKey(crypto.PublicKeyHex(b.keys.PublicKey)), "self"
}

func (b *fakeBackend) Directory(g domain.GroupHash) (*directory.Directory, bool) {
	return b.dir, g == b.keys.Hash
}

func (b *fakeBackend) GroupKeys(g domain.GroupHash) (*crypto.GroupKeys, bool) {
	return &b.keys, g == b.keys.Hash
}

func (b *fakeBackend) SignRemoval(domain.GroupHash, directory.MemberKey) []byte { return []byte("sig") }

func (b *fakeBackend) DirectoryChanged(domain.GroupHash) { b.changed++ }

type fakeLink struct {
	group      domain.GroupHash
	role       peer.Role
	down       bool
	sent       []control.Message
	remoteKey  string
	remoteName string
}

func (l *fakeLink) ID() string                  { return "link-1" }
func (l *fakeLink) GroupHash() domain.GroupHash { return l.group }
func (l *fakeLink) Role() peer.Role             { return l.role }
func (l *fakeLink) SetRemote(key, name string)  { l.remoteKey, l.remoteName = key, name }

func (l *fakeLink) Send(b []byte) bool {
	if l.down {
		return false
	}
	m, err := control.Decode(b)
	if err != nil {
		panic(err)
	}
	l.sent = append(l.sent, m)
	return true
}

type fixture struct {
	router   *Router
	backend  *fakeBackend
	cache    *PayloadCache
	received []domain.PayloadEntry
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cache, err := NewPayloadCache(8)
	require.NoError(t, err)
	f := &fixture{
		backend: &fakeBackend{keys: groupKeys(), dir: directory.New()},
		cache:   cache,
		now:     time.UnixMilli(1_700_000_000_000),
	}
	f.router = New(Options{
		Backend:  f.backend,
		Cache:    cache,
		Provider: providerFunc(func(e domain.PayloadEntry) { f.received = append(f.received, e) }),
		Logger:   testlog.New(t),
		Now:      func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) link(role peer.Role) *fakeLink {
	return &fakeLink{group: f.backend.keys.Hash, role: role}
}

func handle(t *testing.T, f *fixture, l *fakeLink, m control.Message) {
	t.Helper()
	b, err := control.Encode(m)
	require.NoError(t, err)
	f.router.Handle(l, b)
}

func TestMemberListRequestOnHost(t *testing.T) {
	f := newFixture(t)
	host := f.link(peer.RoleHost)
	_, pub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	pubHex := crypto.PublicKeyHex(pub)

	handle(t, f, host, control.MemberListRequest("alice", pubHex))

	rec, ok := f.backend.dir.Get(directory.MemberKey(pubHex))
	require.True(t, ok)
	assert.Equal(t, "alice", rec.Name)
	assert.Equal(t, pubHex, host.remoteKey)
	require.Len(t, host.sent, 1)
	assert.Equal(t, control.TypeMemberListResponse, host.sent[0].Type)
	assert.Equal(t, []string{"alice"}, host.sent[0].Members)

	handle(t, f, host, control.MemberListRequest("bob", "not-a-key"))
	_, ok = f.backend.dir.Get(directory.NameKey("bob"))
	assert.True(t, ok, "peers without a key get a name key")
}

func TestMemberListMessagesRespectRole(t *testing.T) {
	f := newFixture(t)
	guest := f.link(peer.RoleGuest)
	handle(t, f, guest, control.MemberListRequest("mallory", ""))
	assert.Empty(t, guest.sent)
	assert.Zero(t, f.backend.dir.Len())

	host := f.link(peer.RoleHost)
	handle(t, f, host, control.MemberListResponse([]string{"x"}))
	assert.Zero(t, f.backend.dir.Len())
}

func TestMemberListResponseReplacesNameOnlyMembers(t *testing.T) {
	f := newFixture(t)
	dir := f.backend.dir
	dir.AddOrReplaceMember(directory.NameKey("stale"), "stale", directory.Endpoint{})
	dir.AddOrReplaceMember(directory.MemberKey("ab12"), "keyed", directory.Endpoint{})

	handle(t, f, f.link(peer.RoleGuest), control.MemberListResponse([]string{"host", "keyed", " "}))

	selfKey, _ := f.backend.LocalMember()
	_, ok := dir.Get(directory.NameKey("stale"))
	assert.False(t, ok, "unlisted name-only member dropped")
	assert.True(t, dir.IsRemoved(directory.NameKey("stale")))
	_, ok = dir.Get(directory.NameKey("host"))
	assert.True(t, ok)
	_, ok = dir.Get(directory.MemberKey("ab12"))
	assert.True(t, ok, "keyed members are left to directory sync")
	_, ok = dir.Get(selfKey)
	assert.True(t, ok, "self is always present")
	assert.Equal(t, 1, f.backend.changed)
}

func TestDirectorySync(t *testing.T) {
	f := newFixture(t)
	f.backend.dir.AddOrReplaceMember(directory.NameKey("a"), "a", directory.Endpoint{})
	l := f.link(peer.RoleGuest)

	handle(t, f, l, control.DirectorySyncRequest())
	require.Len(t, l.sent, 1)
	require.Equal(t, control.TypeDirectorySyncResponse, l.sent[0].Type)

	remote := directory.New()
	remote.AddOrReplaceMember(directory.NameKey("b"), "b", directory.Endpoint{})
	snap, err := remote.Marshal()
	require.NoError(t, err)
	handle(t, f, l, control.DirectorySyncResponse(snap))

	assert.ElementsMatch(t, []string{"a", "b"}, f.backend.dir.Names())
	assert.Equal(t, 1, f.backend.changed)

	handle(t, f, l, control.DirectorySyncResponse([]byte(`{"garbage":true}`)))
	assert.Equal(t, 1, f.backend.changed, "corrupt snapshot is not merged")
}

func TestPayloadSync(t *testing.T) {
	f := newFixture(t)
	guest := f.link(peer.RoleGuest)

	handle(t, f, guest, control.ApplicationPayload("cfg", []byte("v1")))
	require.Len(t, f.received, 1)
	assert.Equal(t, f.now, f.received[0].LastUpdated)

	old := domain.PayloadEntry{SubjectID: "cfg", Payload: []byte("v0"), LastUpdated: f.now.Add(-time.Hour)}
	fresh := domain.PayloadEntry{SubjectID: "other", Payload: []byte("x"), LastUpdated: f.now}
	handle(t, f, guest, control.PayloadSyncResponse([]domain.PayloadEntry{old, fresh}))
	e, ok := f.cache.Get("cfg")
	require.True(t, ok)
	assert.Equal(t, "v1", string(e.Payload), "older synced entry does not overwrite")
	assert.Len(t, f.received, 2)

	host := f.link(peer.RoleHost)
	handle(t, f, host, control.PayloadSyncRequest())
	require.Len(t, host.sent, 1)
	assert.Len(t, host.sent[0].Entries, 2)

	handle(t, f, guest, control.PayloadSyncRequest())
	assert.Empty(t, guest.sent, "guests do not serve payload sync")
}

func TestMeshJoinRequest(t *testing.T) {
	f := newFixture(t)
	keys := f.backend.keys
	_, pub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	pubHex := crypto.PublicKeyHex(pub)
	nonce, err := crypto.NewChallengeNonce()
	require.NoError(t, err)

	bad := f.link(peer.RoleGuest)
	handle(t, f, bad, control.MeshJoinRequest(keys.Hash, "carol", pubHex, nonce, []byte("forged")))
	require.Len(t, bad.sent, 1)
	assert.False(t, bad.sent[0].Accepted)
	assert.Equal(t, "bad proof", bad.sent[0].Reason)

	l := f.link(peer.RoleGuest)
	proof := crypto.ChallengeProof(keys.SymmetricKey, nonce, pubHex)
	handle(t, f, l, control.MeshJoinRequest(keys.Hash, "carol", pubHex, nonce, proof))
	require.Len(t, l.sent, 3)
	assert.True(t, l.sent[0].Accepted)
	assert.Equal(t, control.TypeDirectorySyncResponse, l.sent[1].Type)
	assert.Equal(t, []string{"carol"}, l.sent[2].Members)
	assert.Equal(t, pubHex, l.remoteKey)

	_, err = f.backend.dir.RemoveMember(directory.MemberKey(pubHex), [][]byte{[]byte("sig")})
	require.NoError(t, err)
	again := f.link(peer.RoleGuest)
	handle(t, f, again, control.MeshJoinRequest(keys.Hash, "carol", pubHex, nonce, proof))
	require.Len(t, again.sent, 1)
	assert.Equal(t, "member was removed", again.sent[0].Reason)
}

func TestUnknownTypeWithSubjectIsStored(t *testing.T) {
	f := newFixture(t)
	f.router.Handle(f.link(peer.RoleGuest), []byte(`{"type":"mod_update","subject_id":"cfg","payload":"djI="}`))

	e, ok := f.cache.Get("cfg")
	require.True(t, ok)
	assert.Equal(t, "v2", string(e.Payload))
	assert.Len(t, f.received, 1)
}

func TestKeyedMemberReplacesNamePlaceholder(t *testing.T) {
	f := newFixture(t)
	dir := f.backend.dir
	l := f.link(peer.RoleGuest)
	_, pub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	bob := directory.MemberKey(crypto.PublicKeyHex(pub))

	handle(t, f, l, control.MemberListResponse([]string{"host", "bob"}))
	_, ok := dir.Get(directory.NameKey("bob"))
	require.True(t, ok, "unknown names start as placeholders")

	remote := directory.New()
	remote.AddOrReplaceMember(bob, "bob", directory.Endpoint{})
	snap, err := remote.Marshal()
	require.NoError(t, err)
	handle(t, f, l, control.DirectorySyncResponse(snap))

	_, ok = dir.Get(directory.NameKey("bob"))
	assert.False(t, ok, "placeholder dropped once the keyed record arrives")
	_, ok = dir.Get(bob)
	assert.True(t, ok)

	_, err = remote.RemoveMember(bob, [][]byte{[]byte("sig")})
	require.NoError(t, err)
	snap, err = remote.Marshal()
	require.NoError(t, err)
	handle(t, f, l, control.DirectorySyncResponse(snap))
	assert.NotContains(t, dir.Names(), "bob")
}

func TestHandleSurvivesBadInput(t *testing.T) {
	f := newFixture(t)
	l := f.link(peer.RoleHost)
	l.down = true

	assert.NotPanics(t, func() {
		f.router.Handle(l, []byte("not json"))
		f.router.Handle(l, []byte(`{"type":"warp_drive"}`))
		f.router.Handle(l, []byte(`{"type":"member_list_request","requester_name":"x"}`))
	})
}

func TestHandleRecoversFromPanics(t *testing.T) {
	f := newFixture(t)
	f.router.backend = nil
	assert.NotPanics(t, func() {
		handle(t, f, f.link(peer.RoleGuest), control.DirectorySyncRequest())
	})
}

func TestPayloadCacheIsBounded(t *testing.T) {
	c, err := NewPayloadCache(2)
	require.NoError(t, err)
	now := time.Now()
	for _, s := range []domain.SubjectID{"a", "b", "c"} {
		c.Put(domain.PayloadEntry{SubjectID: s, LastUpdated: now})
	}
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.False(t, c.Merge(domain.PayloadEntry{SubjectID: "c", LastUpdated: now.Add(-time.Second)}))
	assert.True(t, c.Merge(domain.PayloadEntry{SubjectID: "c", LastUpdated: now}))
}

type providerFunc func(domain.PayloadEntry)

func (providerFunc) CurrentPayload(_ context.Context, _ domain.SubjectID) ([]byte, error) {
	return nil, nil
}

func (f providerFunc) PayloadReceived(e domain.PayloadEntry) { f(e) }
