package peer_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncshell/internal/domain"
	"syncshell/internal/peer"
	"syncshell/internal/testutil/memtransport"
	"syncshell/internal/testutil/testlog"
)

type events struct {
	up, down atomic.Int32
	mu       sync.Mutex
	msgs     [][]byte
}

func newConn(t *testing.T, hub *memtransport.Hub, role peer.Role, ev *events) *peer.Conn {
	t.Helper()
	tr, err := hub.NewTransport()
	require.NoError(t, err)
	c := peer.New(tr, peer.Options{
		GroupHash: domain.GroupHash("abcdef0123456789"),
		Role:      role,
		Logger:    testlog.New(t),
		OnConnected: func(*peer.Conn) {
			ev.up.Add(1)
		},
		OnDisconnected: func(*peer.Conn) {
			ev.down.Add(1)
		},
		OnMessage: func(_ *peer.Conn, data []byte) {
			ev.mu.Lock()
			ev.msgs = append(ev.msgs, data)
			ev.mu.Unlock()
		},
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func handshake(t *testing.T) (host, guest *peer.Conn, hev, gev *events) {
	t.Helper()
	ctx := context.Background()
	hub := memtransport.NewHub()
	hev, gev = &events{}, &events{}
	host = newConn(t, hub, peer.RoleHost, hev)
	guest = newConn(t, hub, peer.RoleGuest, gev)

	offer, err := host.CreateOffer(ctx)
	require.NoError(t, err)
	require.Equal(t, peer.OfferGenerated, host.State())
	require.NoError(t, host.AwaitAnswer())

	answer, err := guest.CreateAnswer(ctx, offer)
	require.NoError(t, err)
	require.Equal(t, peer.AnswerGenerated, guest.State())

	require.NoError(t, host.SetRemoteAnswer(ctx, answer))
	return host, guest, hev, gev
}

func TestHandshake_ConnectsBothSides(t *testing.T) {
	host, guest, hev, gev := handshake(t)

	assert.Equal(t, peer.Connected, host.State())
	assert.Equal(t, peer.Connected, guest.State())
	assert.EqualValues(t, 1, hev.up.Load())
	assert.EqualValues(t, 1, gev.up.Load())
}

func TestSetRemoteAnswer_OnlyOnce(t *testing.T) {
	host, _, hev, _ := handshake(t)
	err := host.SetRemoteAnswer(context.Background(), []byte("answer:x:y"))
	assert.ErrorIs(t, err, peer.ErrInvalidState)
	assert.EqualValues(t, 1, hev.up.Load())
}

func TestSetRemoteAnswer_MalformedLeavesStateForRetry(t *testing.T) {
	ctx := context.Background()
	hub := memtransport.NewHub()
	host := newConn(t, hub, peer.RoleHost, &events{})
	guest := newConn(t, hub, peer.RoleGuest, &events{})

	offer, err := host.CreateOffer(ctx)
	require.NoError(t, err)
	require.NoError(t, host.AwaitAnswer())

	assert.Error(t, host.SetRemoteAnswer(ctx, []byte("garbage")))
	assert.Equal(t, peer.AwaitingRemoteAnswer, host.State())

	answer, err := guest.CreateAnswer(ctx, offer)
	require.NoError(t, err)
	require.NoError(t, host.SetRemoteAnswer(ctx, answer))
	assert.Equal(t, peer.Connected, host.State())
}

func TestInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	hub := memtransport.NewHub()
	c := newConn(t, hub, peer.RoleHost, &events{})

	assert.ErrorIs(t, c.SetRemoteAnswer(ctx, []byte("x")), peer.ErrInvalidState)
	assert.ErrorIs(t, c.AwaitAnswer(), peer.ErrInvalidState)

	_, err := c.CreateOffer(ctx)
	require.NoError(t, err)
	_, err = c.CreateOffer(ctx)
	assert.ErrorIs(t, err, peer.ErrInvalidState)
	_, err = c.CreateAnswer(ctx, []byte("offer:zzz"))
	assert.ErrorIs(t, err, peer.ErrInvalidState)
}

func TestSendBeforeConnectedIsNoop(t *testing.T) {
	hub := memtransport.NewHub()
	c := newConn(t, hub, peer.RoleHost, &events{})
	assert.False(t, c.Send([]byte("hello")))
}

func TestSendDeliversInOrder(t *testing.T) {
	host, _, _, gev := handshake(t)
	for _, m := range []string{"a", "b", "c"} {
		require.True(t, host.Send([]byte(m)))
	}
	require.Eventually(t, func() bool {
		gev.mu.Lock()
		defer gev.mu.Unlock()
		return len(gev.msgs) == 3
	}, time.Second, 5*time.Millisecond)

	gev.mu.Lock()
	defer gev.mu.Unlock()
	assert.Equal(t, "a", string(gev.msgs[0]))
	assert.Equal(t, "c", string(gev.msgs[2]))
}

func TestCloseIsIdempotentAndNotifiesPeer(t *testing.T) {
	host, guest, hev, gev := handshake(t)

	require.NoError(t, host.Close())
	require.NoError(t, host.Close())
	assert.Equal(t, peer.Closed, host.State())
	assert.EqualValues(t, 1, hev.down.Load())

	assert.Equal(t, peer.Disconnected, guest.State())
	assert.EqualValues(t, 1, gev.down.Load())
	assert.False(t, host.Send([]byte("late")))

	select {
	case <-host.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestTimeout(t *testing.T) {
	ctx := context.Background()
	hub := memtransport.NewHub()
	ev := &events{}
	c := newConn(t, hub, peer.RoleHost, ev)
	_, err := c.CreateOffer(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Timeout())
	assert.Equal(t, peer.TimedOut, c.State())
	require.NoError(t, c.Close())
	assert.Equal(t, peer.TimedOut, c.State())
	assert.EqualValues(t, 1, ev.down.Load())

	assert.ErrorIs(t, c.SetRemoteAnswer(ctx, []byte("answer:a:b")), peer.ErrClosed)
}

// blockingTransport parks CreateOffer until its context ends.
type blockingTransport struct {
	domain.Transport
	entered chan struct{}
}

func (b *blockingTransport) CreateOffer(ctx context.Context) ([]byte, error) {
	close(b.entered)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCloseCancelsInflightNegotiation(t *testing.T) {
	hub := memtransport.NewHub()
	inner, err := hub.NewTransport()
	require.NoError(t, err)
	bt := &blockingTransport{Transport: inner, entered: make(chan struct{})}
	c := peer.New(bt, peer.Options{Logger: testlog.New(t)})

	errc := make(chan error, 1)
	go func() {
		_, err := c.CreateOffer(context.Background())
		errc <- err
	}()
	<-bt.entered
	require.NoError(t, c.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, peer.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("CreateOffer did not return after Close")
	}
}

func TestInboxOverflowDrops(t *testing.T) {
	ctx := context.Background()
	hub := memtransport.NewHub()
	release := make(chan struct{})
	var drops atomic.Int32

	mk := func(role peer.Role, handler func(*peer.Conn, []byte)) *peer.Conn {
		tr, err := hub.NewTransport()
		require.NoError(t, err)
		c := peer.New(tr, peer.Options{
			Role:      role,
			InboxSize: 2,
			Logger:    testlog.New(t),
			OnMessage: handler,
			OnDrop:    func(*peer.Conn) { drops.Add(1) },
		})
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	host := mk(peer.RoleHost, nil)
	guest := mk(peer.RoleGuest, func(*peer.Conn, []byte) { <-release })

	offer, err := host.CreateOffer(ctx)
	require.NoError(t, err)
	answer, err := guest.CreateAnswer(ctx, offer)
	require.NoError(t, err)
	require.NoError(t, host.SetRemoteAnswer(ctx, answer))

	for i := 0; i < 10; i++ {
		host.Send([]byte{byte(i)})
	}
	close(release)

	assert.GreaterOrEqual(t, int(drops.Load()), 7)
	assert.EqualValues(t, drops.Load(), guest.Dropped())
}
