// Package memtransport is an in-process domain.Transport for tests. Offers
// and answers are opaque tokens resolved through a shared Hub, and Send
// delivers synchronously to the linked peer's data callback.
package memtransport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"syncshell/internal/domain"
)

var (
	ErrNotConnected = errors.New("memtransport: not connected")
	ErrBadBlob      = errors.New("memtransport: malformed negotiation blob")
	ErrClosed       = errors.New("memtransport: closed")
)

// Hub pairs transports created from it.
type Hub struct {
	mu    sync.Mutex
	byID  map[string]*Transport
	count int
}

func NewHub() *Hub {
	return &Hub{byID: make(map[string]*Transport)}
}

// NewTransport implements domain.TransportFactory.
func (h *Hub) NewTransport() (domain.Transport, error) {
	t := &Transport{hub: h, id: uuid.NewString()}
	h.mu.Lock()
	h.byID[t.id] = t
	h.count++
	h.mu.Unlock()
	return t, nil
}

// Created returns how many transports the hub has handed out.
func (h *Hub) Created() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// FailAll simulates a network failure on every live transport: each one is
// unlinked and its disconnect callback fires, whether or not it had
// finished negotiating. It returns how many transports were failed.
func (h *Hub) FailAll() int {
	h.mu.Lock()
	live := make([]*Transport, 0, len(h.byID))
	for _, t := range h.byID {
		live = append(live, t)
	}
	h.mu.Unlock()

	n := 0
	for _, t := range live {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			continue
		}
		t.connected = false
		t.peer = nil
		down := t.onDown
		t.mu.Unlock()
		n++
		if down != nil {
			down()
		}
	}
	return n
}

func (h *Hub) lookup(id string) *Transport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.byID[id]
}

func (h *Hub) forget(id string) {
	h.mu.Lock()
	delete(h.byID, id)
	h.mu.Unlock()
}

type Transport struct {
	hub *Hub
	id  string

	mu        sync.Mutex
	offerID   string // set on the answering side
	offered   bool
	peer      *Transport
	connected bool
	closed    bool
	onUp      func()
	onDown    func()
	onData    func([]byte)
}

func (t *Transport) OnConnected(fn func()) {
	t.mu.Lock()
	t.onUp = fn
	t.mu.Unlock()
}

func (t *Transport) OnDisconnected(fn func()) {
	t.mu.Lock()
	t.onDown = fn
	t.mu.Unlock()
}

func (t *Transport) OnData(fn func(data []byte)) {
	t.mu.Lock()
	t.onData = fn
	t.mu.Unlock()
}

func (t *Transport) CreateOffer(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	t.offered = true
	return []byte("offer:" + t.id), nil
}

func (t *Transport) CreateAnswer(ctx context.Context, offer []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, ok := strings.CutPrefix(string(offer), "offer:")
	if !ok || id == "" {
		return nil, ErrBadBlob
	}
	if host := t.hub.lookup(id); host == nil {
		return nil, fmt.Errorf("memtransport: unknown offer %s", id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	t.offerID = id
	return []byte("answer:" + id + ":" + t.id), nil
}

func (t *Transport) SetRemoteAnswer(ctx context.Context, answer []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	parts := strings.Split(string(answer), ":")
	if len(parts) != 3 || parts[0] != "answer" {
		return ErrBadBlob
	}
	if parts[1] != t.id {
		return fmt.Errorf("memtransport: answer is for offer %s", parts[1])
	}
	guest := t.hub.lookup(parts[2])
	if guest == nil || guest == t {
		return fmt.Errorf("memtransport: unknown answerer %s", parts[2])
	}

	t.mu.Lock()
	if t.closed || !t.offered || t.connected {
		t.mu.Unlock()
		return ErrClosed
	}
	guest.mu.Lock()
	if guest.closed || guest.offerID != t.id {
		guest.mu.Unlock()
		t.mu.Unlock()
		return fmt.Errorf("memtransport: answerer %s not waiting", parts[2])
	}
	t.peer, guest.peer = guest, t
	t.connected, guest.connected = true, true
	guestUp, hostUp := guest.onUp, t.onUp
	guest.mu.Unlock()
	t.mu.Unlock()

	if guestUp != nil {
		guestUp()
	}
	if hostUp != nil {
		hostUp()
	}
	return nil
}

func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	if !t.connected || t.peer == nil {
		t.mu.Unlock()
		return ErrNotConnected
	}
	p := t.peer
	t.mu.Unlock()

	p.mu.Lock()
	fn := p.onData
	ok := p.connected
	p.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	if fn != nil {
		fn(append([]byte(nil), data...))
	}
	return nil
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Close unlinks both ends and notifies the peer.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	p := t.peer
	t.peer = nil
	t.mu.Unlock()
	t.hub.forget(t.id)

	if p == nil {
		return nil
	}
	p.mu.Lock()
	wasUp := p.connected
	p.connected = false
	p.peer = nil
	down := p.onDown
	p.mu.Unlock()
	if wasUp && down != nil {
		down()
	}
	return nil
}
