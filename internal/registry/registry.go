// Package registry owns the live and pending peer connections of a process
// and the periodic sweep that disposes abandoned handshakes.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"syncshell/internal/domain"
	"syncshell/internal/peer"
	"syncshell/internal/telemetry"
)

const (
	DefaultSweepInterval  = 10 * time.Second
	DefaultPendingTimeout = 60 * time.Second
)

// Kind is the lifecycle stage of a registry entry.
type Kind int

const (
	Pending Kind = iota
	Active
	Closed
)

func (k Kind) String() string {
	switch k {
	case Pending:
		return "pending"
	case Active:
		return "active"
	default:
		return "closed"
	}
}

// State is the tagged registry state of a connection. Since is when the
// entry entered the state.
type State struct {
	Kind  Kind
	Since time.Time
}

// Entry is a registry view of one connection.
type Entry struct {
	Conn  *peer.Conn
	Key   string
	State State
}

type Options struct {
	SweepInterval  time.Duration
	PendingTimeout time.Duration
	Logger         zerolog.Logger
	Now            func() time.Time
}

type Registry struct {
	opts Options
	log  zerolog.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	closed  bool

	stop     chan struct{}
	stopOnce sync.Once
}

func New(opts Options) *Registry {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = DefaultPendingTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "registry").Logger(),
		entries: make(map[string]*Entry),
		stop:    make(chan struct{}),
	}
}

// CompositeKey names a connection the way send paths address it:
// "<hash>" for a guest's link to its host, "<hash>_<label>" for a host's
// link to a known peer and "<hash>_host" for a host link without a label.
func CompositeKey(group domain.GroupHash, role peer.Role, label string) string {
	if role == peer.RoleGuest {
		return string(group)
	}
	if label == "" {
		return string(group) + "_host"
	}
	return string(group) + "_" + label
}

// AddPending registers a connection whose handshake is unresolved.
func (r *Registry) AddPending(c *peer.Conn) bool {
	return r.add(c, Pending)
}

// AddActive registers an already established connection.
func (r *Registry) AddActive(c *peer.Conn) bool {
	return r.add(c, Active)
}

func (r *Registry) add(c *peer.Conn, k Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.entries[c.ID()] = &Entry{
		Conn:  c,
		Key:   CompositeKey(c.GroupHash(), c.Role(), c.Label()),
		State: State{Kind: k, Since: r.opts.Now()},
	}
	r.gaugesLocked()
	return true
}

// Promote moves a pending entry to active. It reports false if the entry is
// unknown or not pending.
func (r *Registry) Promote(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.State.Kind != Pending {
		return false
	}
	e.State = State{Kind: Active, Since: r.opts.Now()}
	r.gaugesLocked()
	return true
}

// Remove forgets a connection without closing it. The returned entry is in
// the Closed state.
func (r *Registry) Remove(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	delete(r.entries, id)
	r.gaugesLocked()
	out := *e
	out.State = State{Kind: Closed, Since: r.opts.Now()}
	return out, true
}

func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Pending returns the group's pending connections, oldest first.
func (r *Registry) Pending(group domain.GroupHash) []*peer.Conn {
	return r.list(group, Pending)
}

// Active returns the group's active connections, oldest first.
func (r *Registry) Active(group domain.GroupHash) []*peer.Conn {
	return r.list(group, Active)
}

// Connected counts the group's active connections whose link is up.
func (r *Registry) Connected(group domain.GroupHash) int {
	n := 0
	for _, c := range r.Active(group) {
		if c.State() == peer.Connected {
			n++
		}
	}
	return n
}

func (r *Registry) list(group domain.GroupHash, k Kind) []*peer.Conn {
	r.mu.Lock()
	matches := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.State.Kind == k && (group == "" || e.Conn.GroupHash() == group) {
			matches = append(matches, e)
		}
	}
	r.mu.Unlock()

	sortEntries(matches)
	out := make([]*peer.Conn, len(matches))
	for i, e := range matches {
		out[i] = e.Conn
	}
	return out
}

// Entries returns every registered entry, oldest first.
func (r *Registry) Entries(group domain.GroupHash) []Entry {
	r.mu.Lock()
	matches := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if group == "" || e.Conn.GroupHash() == group {
			matches = append(matches, e)
		}
	}
	out := make([]Entry, 0, len(matches))
	sortEntries(matches)
	for _, e := range matches {
		out = append(out, *e)
	}
	r.mu.Unlock()
	return out
}

// Resolve finds an active connection by composite key: exact match first,
// then any active key with key as prefix, then any containing it. Oldest
// wins within each pass.
func (r *Registry) Resolve(key string) (*peer.Conn, bool) {
	if key == "" {
		return nil, false
	}
	r.mu.Lock()
	active := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.State.Kind == Active {
			active = append(active, e)
		}
	}
	r.mu.Unlock()
	sortEntries(active)

	for _, match := range []func(string) bool{
		func(k string) bool { return k == key },
		func(k string) bool { return strings.HasPrefix(k, key) },
		func(k string) bool { return strings.Contains(k, key) },
	} {
		for _, e := range active {
			if match(e.Key) {
				return e.Conn, true
			}
		}
	}
	return nil, false
}

// Sweep times out and removes pending entries older than the pending
// timeout. Younger entries are untouched. It returns the removed ids.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	var expired []*Entry
	for id, e := range r.entries {
		if e.State.Kind == Pending && now.Sub(e.State.Since) > r.opts.PendingTimeout {
			expired = append(expired, e)
			delete(r.entries, id)
		}
	}
	if len(expired) > 0 {
		r.gaugesLocked()
	}
	r.mu.Unlock()

	telemetry.Sweeps.Inc()
	ids := make([]string, 0, len(expired))
	for _, e := range expired {
		ids = append(ids, e.Conn.ID())
		if err := e.Conn.Timeout(); err != nil {
			r.log.Debug().Err(err).Str("conn", e.Conn.ID()).Msg("closing timed out transport")
		}
		telemetry.PendingTimeouts.Inc()
		r.log.Info().
			Str("conn", e.Conn.ID()).
			Str("group", e.Conn.GroupHash().Short()).
			Dur("age", now.Sub(e.State.Since)).
			Msg("pending handshake timed out")
	}
	sort.Strings(ids)
	return ids
}

// Run sweeps every SweepInterval until ctx ends or Close is called.
func (r *Registry) Run(ctx context.Context) {
	t := time.NewTicker(r.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-t.C:
			r.Sweep(r.opts.Now())
		}
	}
}

// Close stops Run and closes every connection. It is idempotent.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	all := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	r.entries = make(map[string]*Entry)
	r.gaugesLocked()
	r.mu.Unlock()

	for _, e := range all {
		_ = e.Conn.Close()
	}
}

func (r *Registry) gaugesLocked() {
	var pending, active int
	for _, e := range r.entries {
		switch e.State.Kind {
		case Pending:
			pending++
		case Active:
			active++
		}
	}
	telemetry.Connections.WithLabelValues(Pending.String()).Set(float64(pending))
	telemetry.Connections.WithLabelValues(Active.String()).Set(float64(active))
}

func sortEntries(es []*Entry) {
	sort.Slice(es, func(i, j int) bool {
		a, b := es[i].Conn.CreatedAt(), es[j].Conn.CreatedAt()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return es[i].Conn.ID() < es[j].Conn.ID()
	})
}
