package peer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"syncshell/internal/domain"
)

const DefaultInboxSize = 64

// Options configures a Conn. Callbacks run on transport or worker goroutines
// and must not call back into the Conn while holding locks the Conn's own
// callers hold.
type Options struct {
	ID        string
	GroupHash domain.GroupHash
	Role      Role
	Label     string
	InboxSize int
	Logger    zerolog.Logger
	Now       func() time.Time

	OnMessage      func(c *Conn, data []byte)
	OnConnected    func(c *Conn)
	OnDisconnected func(c *Conn)
	OnDrop         func(c *Conn)
}

// Info is a point-in-time view of a Conn.
type Info struct {
	ID         string
	GroupHash  domain.GroupHash
	Role       Role
	Label      string
	State      State
	RemoteKey  string
	RemoteName string
	CreatedAt  time.Time
	Dropped    uint64
}

// Conn is one negotiated link to a remote peer. It owns the transport and a
// single worker that drains inbound data through OnMessage in arrival order.
type Conn struct {
	id        string
	group     domain.GroupHash
	role      Role
	label     string
	createdAt time.Time
	tr        domain.Transport
	log       zerolog.Logger

	onMessage      func(*Conn, []byte)
	onConnected    func(*Conn)
	onDisconnected func(*Conn)
	onDrop         func(*Conn)

	mu         sync.Mutex
	state      State
	busy       bool
	remoteKey  string
	remoteName string

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan []byte
	ready  chan struct{}

	dropped atomic.Uint64
	upOnce  sync.Once
	endOnce sync.Once
}

// New wraps tr and starts the inbox worker. The worker exits on Close,
// Timeout or disconnect.
func New(tr domain.Transport, opts Options) *Conn {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultInboxSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:             opts.ID,
		group:          opts.GroupHash,
		role:           opts.Role,
		label:          opts.Label,
		createdAt:      opts.Now(),
		tr:             tr,
		onMessage:      opts.OnMessage,
		onConnected:    opts.OnConnected,
		onDisconnected: opts.OnDisconnected,
		onDrop:         opts.OnDrop,
		state:          Created,
		ctx:            ctx,
		cancel:         cancel,
		inbox:          make(chan []byte, opts.InboxSize),
		ready:          make(chan struct{}),
	}
	c.log = opts.Logger.With().
		Str("conn", c.id).
		Str("group", opts.GroupHash.Short()).
		Str("role", string(opts.Role)).
		Logger()

	tr.OnConnected(c.transportUp)
	tr.OnDisconnected(c.transportDown)
	tr.OnData(c.enqueue)

	go c.run()
	return c
}

func (c *Conn) ID() string                  { return c.id }
func (c *Conn) GroupHash() domain.GroupHash { return c.group }
func (c *Conn) Role() Role                  { return c.role }
func (c *Conn) Label() string               { return c.label }
func (c *Conn) CreatedAt() time.Time        { return c.createdAt }
func (c *Conn) Dropped() uint64             { return c.dropped.Load() }

// Done is closed once the connection reaches a terminal state.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetRemote records the identity a control message revealed for the peer.
func (c *Conn) SetRemote(key, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key != "" {
		c.remoteKey = key
	}
	if name != "" {
		c.remoteName = name
	}
}

func (c *Conn) RemoteKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteKey
}

func (c *Conn) RemoteName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteName
}

func (c *Conn) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:         c.id,
		GroupHash:  c.group,
		Role:       c.role,
		Label:      c.label,
		State:      c.state,
		RemoteKey:  c.remoteKey,
		RemoteName: c.remoteName,
		CreatedAt:  c.createdAt,
		Dropped:    c.dropped.Load(),
	}
}

// CreateOffer produces the local negotiation blob. Valid only from Created.
func (c *Conn) CreateOffer(ctx context.Context) ([]byte, error) {
	if err := c.begin(Created); err != nil {
		return nil, err
	}
	ctx, done := c.bind(ctx)
	defer done()

	offer, err := c.tr.CreateOffer(ctx)
	return offer, c.finish(err, OfferGenerated)
}

// AwaitAnswer marks the offer as handed out. Valid only from OfferGenerated.
func (c *Conn) AwaitAnswer() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy || c.state != OfferGenerated {
		return fmt.Errorf("%w: await answer in %s", ErrInvalidState, c.state)
	}
	c.state = AwaitingRemoteAnswer
	return nil
}

// CreateAnswer consumes a remote offer and produces the local answer blob.
// Valid only from Created.
func (c *Conn) CreateAnswer(ctx context.Context, offer []byte) ([]byte, error) {
	if err := c.begin(Created); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.state = OfferReceived
	c.mu.Unlock()

	ctx, done := c.bind(ctx)
	defer done()

	answer, err := c.tr.CreateAnswer(ctx, offer)
	if err != nil {
		c.mu.Lock()
		if c.state == OfferReceived {
			c.state = Created
		}
		c.mu.Unlock()
	}
	return answer, c.finish(err, AnswerGenerated)
}

// SetRemoteAnswer applies the peer's answer. On success the connection is
// Connected and OnConnected fires. A rejected answer leaves the state as it
// was so a corrected answer can be retried.
func (c *Conn) SetRemoteAnswer(ctx context.Context, answer []byte) error {
	if err := c.begin(OfferGenerated, AwaitingRemoteAnswer); err != nil {
		return err
	}
	ctx, done := c.bind(ctx)
	defer done()

	if err := c.finish(c.tr.SetRemoteAnswer(ctx, answer), Connected); err != nil {
		return err
	}
	c.log.Debug().Msg("remote answer accepted")
	c.fireUp()
	return nil
}

// Send writes data if the connection is up. It returns false instead of an
// error when not connected because payloads are never queued for later.
func (c *Conn) Send(data []byte) bool {
	if c.State() != Connected || !c.tr.IsConnected() {
		return false
	}
	if err := c.tr.Send(data); err != nil {
		c.log.Debug().Err(err).Msg("send failed")
		return false
	}
	return true
}

// Close disposes the transport. It is idempotent; in-flight negotiation
// calls fail with ErrClosed.
func (c *Conn) Close() error { return c.terminate(Closed) }

// Timeout is Close with the TimedOut terminal state.
func (c *Conn) Timeout() error { return c.terminate(TimedOut) }

func (c *Conn) terminate(to State) error {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return nil
	}
	from := c.state
	c.state = to
	c.mu.Unlock()

	c.cancel()
	err := c.tr.Close()
	c.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("connection terminated")
	c.fireDown()
	return err
}

// begin reserves the connection for one negotiation step.
func (c *Conn) begin(valid ...State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return ErrClosed
	}
	if c.busy {
		return fmt.Errorf("%w: negotiation in progress", ErrInvalidState)
	}
	for _, s := range valid {
		if c.state == s {
			c.busy = true
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidState, c.state)
}

// finish releases the reservation and applies the transition on success.
func (c *Conn) finish(err error, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
	if c.state.Terminal() {
		return ErrClosed
	}
	if err != nil {
		return err
	}
	c.state = to
	return nil
}

// bind derives a context that is also cancelled when the connection ends.
func (c *Conn) bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (c *Conn) transportUp() {
	c.mu.Lock()
	promote := c.state == AnswerGenerated
	if promote {
		c.state = Connected
	}
	c.mu.Unlock()
	if promote {
		c.log.Debug().Msg("transport connected")
		c.fireUp()
	}
}

func (c *Conn) transportDown() {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = Disconnected
	c.mu.Unlock()

	c.cancel()
	_ = c.tr.Close()
	c.log.Debug().Msg("transport disconnected")
	c.fireDown()
}

func (c *Conn) fireUp() {
	c.upOnce.Do(func() {
		close(c.ready)
		if c.onConnected != nil {
			c.onConnected(c)
		}
	})
}

func (c *Conn) fireDown() {
	c.endOnce.Do(func() {
		if c.onDisconnected != nil {
			c.onDisconnected(c)
		}
	})
}

// enqueue never blocks the transport goroutine: a full inbox drops.
func (c *Conn) enqueue(data []byte) {
	if c.ctx.Err() != nil {
		return
	}
	buf := append([]byte(nil), data...)
	select {
	case c.inbox <- buf:
	default:
		c.dropped.Add(1)
		c.log.Warn().Int("size", len(data)).Msg("inbox full, dropping message")
		if c.onDrop != nil {
			c.onDrop(c)
		}
	}
}

// run holds inbound data until the connection is up, then drains it in
// arrival order. Replies sent by the handler need a Connected link.
func (c *Conn) run() {
	select {
	case <-c.ctx.Done():
		return
	case <-c.ready:
	}
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.inbox:
			c.dispatch(data)
		}
	}
}

func (c *Conn) dispatch(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("message handler panicked")
		}
	}()
	if c.onMessage != nil {
		c.onMessage(c, data)
	}
}
