package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"syncshell/internal/crypto"
	"syncshell/internal/directory"
	"syncshell/internal/domain"
	"syncshell/internal/peer"
	"syncshell/internal/protocol/control"
	"syncshell/internal/protocol/invite"
	"syncshell/internal/registry"
	"syncshell/internal/services/router"
	"syncshell/internal/telemetry"
)

var (
	ErrUnknownGroup   = errors.New("session: unknown group")
	ErrNoMeshRoute    = errors.New("session: no established connection to reach the mesh")
	ErrNoPendingMatch = errors.New("session: no pending invite accepted the answer")
	ErrClosed         = errors.New("session: manager closed")
	ErrNoRelay        = errors.New("session: no relay configured")
	ErrInactive       = errors.New("session: group is suspended")
)

const DefaultUptimeInterval = time.Minute

// Options configures a Manager. Identity and Transports are required.
type Options struct {
	Identity    domain.NodeIdentity
	DisplayName string
	Transports  domain.TransportFactory
	Store       domain.GroupStore
	Relay       domain.AnswerRelay
	Provider    domain.PayloadProvider
	Logger      zerolog.Logger

	SweepInterval    time.Duration
	PendingTimeout   time.Duration
	UptimeInterval   time.Duration
	StaleAfter       time.Duration
	InboxSize        int
	PayloadCacheSize int
	Now              func() time.Time
}

// groupState is everything the manager holds for one joined group.
type groupState struct {
	record domain.GroupRecord
	keys   crypto.GroupKeys
	dir    *directory.Directory
}

// Manager is the syncshell session manager: the only entry point for
// creating, joining, inviting to and leaving groups, and for sending data
// to them.
//
// One mutex guards the group table. The registry, each directory and the
// payload cache carry their own locks. No transport or store call is made
// while the manager lock is held.
type Manager struct {
	opts    Options
	log     zerolog.Logger
	selfKey directory.MemberKey

	reg    *registry.Registry
	router *router.Router
	cache  *router.PayloadCache

	mu      sync.Mutex
	groups  map[domain.GroupHash]*groupState
	started bool
	closed  bool

	bg        context.Context
	stopBG    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a manager. Call Start to load persisted groups and start the
// background timers.
func New(opts Options) (*Manager, error) {
	if opts.Transports == nil {
		return nil, errors.New("session: transport factory is required")
	}
	if opts.Identity.EdPub == (domain.Ed25519Public{}) {
		return nil, errors.New("session: node identity is required")
	}
	if opts.DisplayName == "" {
		opts.DisplayName = string(crypto.Fingerprint(opts.Identity.EdPub.Slice()))
	}
	if opts.UptimeInterval <= 0 {
		opts.UptimeInterval = DefaultUptimeInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = invite.DefaultStaleAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	cache, err := router.NewPayloadCache(opts.PayloadCacheSize)
	if err != nil {
		return nil, err
	}
	bg, stop := context.WithCancel(context.Background())
	m := &Manager{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "session").Logger(),
		selfKey: directory.MemberKey(crypto.PublicKeyHex(opts.Identity.EdPub)),
		cache:   cache,
		groups:  make(map[domain.GroupHash]*groupState),
		bg:      bg,
		stopBG:  stop,
	}
	m.reg = registry.New(registry.Options{
		SweepInterval:  opts.SweepInterval,
		PendingTimeout: opts.PendingTimeout,
		Logger:         opts.Logger,
		Now:            opts.Now,
	})
	m.router = router.New(router.Options{
		Backend:  m,
		Cache:    cache,
		Provider: opts.Provider,
		Logger:   opts.Logger,
		Now:      opts.Now,
	})
	return m, nil
}

// Start restores persisted groups and their directories, starts the uptime
// tick and the timeout sweep, and reattempts connections for active groups.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return errors.New("session: already started")
	}
	m.started = true
	m.mu.Unlock()

	if err := m.load(ctx); err != nil {
		return err
	}

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.reg.Run(m.bg)
	}()
	go func() {
		defer m.wg.Done()
		m.uptimeLoop()
	}()

	if _, err := m.ReconnectActive(ctx); err != nil && !errors.Is(err, ErrNoRelay) {
		m.log.Warn().Err(err).Msg("reconnect on start")
	}
	return nil
}

func (m *Manager) load(ctx context.Context) error {
	if m.opts.Store == nil {
		return nil
	}
	records, err := m.opts.Store.LoadGroups(ctx)
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	for _, rec := range records {
		keys := crypto.DeriveGroup(rec.Name, rec.SharedSecret)
		if keys.Hash != rec.ID {
			m.log.Warn().Str("group", rec.ID.Short()).Msg("stored group hash does not match its credentials, skipping")
			keys.Wipe()
			continue
		}
		dir := m.restoreDirectory(ctx, rec.ID)
		m.ensureSelf(dir)

		m.mu.Lock()
		m.groups[rec.ID] = &groupState{record: rec.Clone(), keys: keys, dir: dir}
		m.mu.Unlock()
	}
	m.log.Info().Int("groups", len(records)).Msg("groups loaded")
	return nil
}

func (m *Manager) restoreDirectory(ctx context.Context, id domain.GroupHash) *directory.Directory {
	raw, ok, err := m.opts.Store.LoadDirectory(ctx, id)
	if err != nil || !ok {
		if err != nil {
			m.log.Warn().Err(err).Str("group", id.Short()).Msg("loading directory")
		}
		return directory.New(directory.WithClock(m.opts.Now))
	}
	dir, err := directory.Unmarshal(raw, directory.WithClock(m.opts.Now))
	if err != nil {
		m.log.Warn().Err(err).Str("group", id.Short()).Msg("discarding corrupt directory")
		return directory.New(directory.WithClock(m.opts.Now))
	}
	return dir
}

// Close stops both timers, closes every connection and flushes directories.
// It is idempotent.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		m.stopBG()
		m.reg.Close()
		m.wg.Wait()

		m.mu.Lock()
		states := make([]*groupState, 0, len(m.groups))
		for _, gs := range m.groups {
			states = append(states, gs)
		}
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, gs := range states {
			err = errors.Join(err, m.saveDirectory(ctx, gs.record.ID, gs.dir))
		}
		m.log.Info().Msg("session manager closed")
	})
	return err
}

func (m *Manager) uptimeLoop() {
	t := time.NewTicker(m.opts.UptimeInterval)
	defer t.Stop()
	for {
		select {
		case <-m.bg.Done():
			return
		case <-t.C:
			m.tickUptime()
		}
	}
}

// tickUptime credits this node and every peer it currently reaches.
func (m *Manager) tickUptime() {
	m.mu.Lock()
	dirs := make(map[domain.GroupHash]*directory.Directory, len(m.groups))
	for id, gs := range m.groups {
		if gs.record.Active {
			dirs[id] = gs.dir
		}
	}
	m.mu.Unlock()

	for id, dir := range dirs {
		dir.IncrementUptime(m.selfKey)
		for _, c := range m.reg.Active(id) {
			if k := c.RemoteKey(); k != "" && c.State() == peer.Connected {
				dir.IncrementUptime(directory.MemberKey(k))
			}
		}
	}
}

func (m *Manager) newConn(group domain.GroupHash, role peer.Role, label string) (*peer.Conn, error) {
	tr, err := m.opts.Transports.NewTransport()
	if err != nil {
		return nil, fmt.Errorf("new transport: %w", err)
	}
	return peer.New(tr, peer.Options{
		GroupHash:      group,
		Role:           role,
		Label:          label,
		InboxSize:      m.opts.InboxSize,
		Logger:         m.opts.Logger,
		Now:            m.opts.Now,
		OnMessage:      func(c *peer.Conn, data []byte) { m.router.Handle(c, data) },
		OnConnected:    m.connUp,
		OnDisconnected: m.connDown,
		OnDrop:         func(*peer.Conn) { telemetry.InboxDropped.Inc() },
	}), nil
}

// connUp promotes the connection and, on the joining side, opens the
// control-plane conversation.
func (m *Manager) connUp(c *peer.Conn) {
	m.reg.Promote(c.ID())
	rec, ok := m.touch(c.GroupHash())
	if !ok {
		_ = c.Close()
		return
	}
	m.persistGroup(m.bg, rec)
	m.log.Info().Str("group", c.GroupHash().Short()).Str("conn", c.ID()).Str("role", string(c.Role())).Msg("peer connected")

	if c.Role() != peer.RoleGuest {
		return
	}
	// The host's key came with the offer; record it so the member list
	// reply does not introduce the host as a name-only member.
	if dir, ok := m.Directory(c.GroupHash()); ok {
		if k := directory.MemberKey(c.RemoteKey()); k != "" && c.RemoteName() != "" {
			if _, known := dir.Get(k); !known {
				dir.AddOrReplaceMember(k, c.RemoteName(), directory.Endpoint{})
				m.DirectoryChanged(c.GroupHash())
			}
		}
	}
	for _, msg := range []control.Message{
		control.MemberListRequest(m.opts.DisplayName, string(m.selfKey)),
		control.DirectorySyncRequest(),
		control.PayloadSyncRequest(),
		control.ClientReady(),
	} {
		m.sendOn(c, msg)
	}
}

func (m *Manager) connDown(c *peer.Conn) {
	if _, ok := m.reg.Remove(c.ID()); ok {
		m.log.Info().Str("group", c.GroupHash().Short()).Str("conn", c.ID()).Str("state", c.State().String()).Msg("peer connection ended")
	}
}

func (m *Manager) sendOn(c *peer.Conn, msg control.Message) bool {
	b, err := control.Encode(msg)
	if err != nil {
		m.log.Error().Err(err).Msg("encoding control message")
		return false
	}
	return c.Send(b)
}

// touch bumps LastActivity and returns a copy of the updated record.
func (m *Manager) touch(id domain.GroupHash) (domain.GroupRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gs, ok := m.groups[id]
	if !ok {
		return domain.GroupRecord{}, false
	}
	gs.record.LastActivity = m.opts.Now()
	return gs.record.Clone(), true
}

func (m *Manager) state(id domain.GroupHash) (*groupState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	gs, ok := m.groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, id.Short())
	}
	return gs, nil
}

func (m *Manager) persistGroup(ctx context.Context, rec domain.GroupRecord) {
	if m.opts.Store == nil {
		return
	}
	if err := m.opts.Store.SaveGroup(ctx, rec); err != nil {
		m.log.Warn().Err(err).Str("group", rec.ID.Short()).Msg("saving group")
	}
}

func (m *Manager) saveDirectory(ctx context.Context, id domain.GroupHash, dir *directory.Directory) error {
	if m.opts.Store == nil {
		return nil
	}
	raw, err := dir.Marshal()
	if err != nil {
		return err
	}
	return m.opts.Store.SaveDirectory(ctx, id, raw)
}

// LocalMember implements router.Backend.
func (m *Manager) LocalMember() (directory.MemberKey, string) {
	return m.selfKey, m.opts.DisplayName
}

// GroupKeys implements router.Backend.
func (m *Manager) GroupKeys(id domain.GroupHash) (*crypto.GroupKeys, bool) {
	gs, err := m.state(id)
	if err != nil {
		return nil, false
	}
	return &gs.keys, true
}

// SignRemoval implements router.Backend. Tombstones this node issues are
// signed with its identity over the group and removed key.
func (m *Manager) SignRemoval(id domain.GroupHash, key directory.MemberKey) []byte {
	return crypto.SignEd25519(m.opts.Identity.EdPriv, removalMessage(id, key))
}

func removalMessage(id domain.GroupHash, key directory.MemberKey) []byte {
	return []byte("syncshell|remove|" + string(id) + "|" + string(key))
}

// DirectoryChanged implements router.Backend: it refreshes the roster
// projection and persists group and directory.
func (m *Manager) DirectoryChanged(id domain.GroupHash) {
	m.mu.Lock()
	gs, ok := m.groups[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	gs.record.Roster = gs.dir.Names()
	gs.record.LastActivity = m.opts.Now()
	rec := gs.record.Clone()
	dir := gs.dir
	m.mu.Unlock()

	m.persistGroup(m.bg, rec)
	if err := m.saveDirectory(m.bg, id, dir); err != nil {
		m.log.Warn().Err(err).Str("group", id.Short()).Msg("saving directory")
	}
}

// Directory returns the group's live membership directory. It also
// implements router.Backend.
func (m *Manager) Directory(id domain.GroupHash) (*directory.Directory, bool) {
	gs, err := m.state(id)
	if err != nil {
		return nil, false
	}
	return gs.dir, true
}

func sortRecords(recs []domain.GroupRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Name != recs[j].Name {
			return recs[i].Name < recs[j].Name
		}
		return recs[i].ID < recs[j].ID
	})
}

var _ router.Backend = (*Manager)(nil)
