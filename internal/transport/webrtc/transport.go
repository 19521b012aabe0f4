// Package webrtc implements domain.Transport over a pion/webrtc peer
// connection carrying one ordered data channel.
//
// Negotiation is non-trickle: offers and answers are produced only after
// ICE gathering completes (or the gather timeout fires), so the blob handed
// across the out-of-band channel carries every local candidate.
package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"syncshell/internal/domain"
)

const (
	DefaultSTUN          = "stun:stun.l.google.com:19302"
	DefaultGatherTimeout = 10 * time.Second

	channelLabel = "syncshell"
)

var (
	ErrNotOpen    = errors.New("webrtc: data channel not open")
	ErrClosed     = errors.New("webrtc: transport closed")
	ErrBadSession = errors.New("webrtc: malformed session description")
)

// Config configures every transport a Factory creates.
type Config struct {
	ICEServers    []string
	GatherTimeout time.Duration
	Logger        zerolog.Logger
}

// Factory implements domain.TransportFactory.
type Factory struct {
	cfg Config
	api *webrtc.API
}

func NewFactory(cfg Config) *Factory {
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []string{DefaultSTUN}
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = DefaultGatherTimeout
	}
	cfg.Logger = cfg.Logger.With().Str("component", "webrtc").Logger()
	return &Factory{cfg: cfg, api: webrtc.NewAPI()}
}

func (f *Factory) NewTransport() (domain.Transport, error) {
	var conf webrtc.Configuration
	if len(f.cfg.ICEServers) > 0 {
		conf.ICEServers = []webrtc.ICEServer{{URLs: f.cfg.ICEServers}}
	}
	pc, err := f.api.NewPeerConnection(conf)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	t := &Transport{pc: pc, gather: f.cfg.GatherTimeout, log: f.cfg.Logger}
	pc.OnConnectionStateChange(t.connectionState)
	pc.OnDataChannel(t.attach)
	return t, nil
}

// Transport is one pion peer connection.
type Transport struct {
	pc     *webrtc.PeerConnection
	gather time.Duration
	log    zerolog.Logger

	mu     sync.Mutex
	dc     *webrtc.DataChannel
	open   bool
	closed bool
	onUp   func()
	onDown func()
	onData func([]byte)

	upOnce   sync.Once
	downOnce sync.Once
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

func (t *Transport) OnData(fn func([]byte)) {
	t.mu.Lock()
	t.onData = fn
	t.mu.Unlock()
}

// CreateOffer opens the data channel and returns the gathered offer.
func (t *Transport) CreateOffer(ctx context.Context) ([]byte, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	ordered := true
	dc, err := t.pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	t.attach(dc)

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	return t.localDescription(ctx, offer)
}

// CreateAnswer applies a remote offer and returns the gathered answer. The
// data channel arrives through OnDataChannel once the link is up.
func (t *Transport) CreateAnswer(ctx context.Context, offer []byte) ([]byte, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	desc, err := decodeSession(offer, webrtc.SDPTypeOffer)
	if err != nil {
		return nil, err
	}
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return nil, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	return t.localDescription(ctx, answer)
}

func (t *Transport) SetRemoteAnswer(ctx context.Context, answer []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.usable(); err != nil {
		return err
	}
	desc, err := decodeSession(answer, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

// localDescription sets desc locally and waits for ICE gathering so the
// returned blob is complete.
func (t *Transport) localDescription(ctx context.Context, desc webrtc.SessionDescription) ([]byte, error) {
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	timer := time.NewTimer(t.gather)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		t.log.Warn().Dur("after", t.gather).Msg("ice gathering incomplete, using candidates so far")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	local := t.pc.LocalDescription()
	if local == nil {
		return nil, errors.New("webrtc: no local description")
	}
	return json.Marshal(local)
}

func decodeSession(b []byte, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(b, &desc); err != nil {
		return desc, fmt.Errorf("%w: %v", ErrBadSession, err)
	}
	if desc.Type != want || desc.SDP == "" {
		return desc, fmt.Errorf("%w: want %s, got %s", ErrBadSession, want, desc.Type)
	}
	return desc, nil
}

func (t *Transport) attach(dc *webrtc.DataChannel) {
	if dc.Label() != channelLabel {
		t.log.Debug().Str("label", dc.Label()).Msg("ignoring unexpected data channel")
		return
	}
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	dc.OnOpen(func() {
		t.mu.Lock()
		t.open = true
		up := t.onUp
		t.mu.Unlock()
		t.upOnce.Do(func() {
			if up != nil {
				up()
			}
		})
	})
	dc.OnClose(t.down)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.mu.Lock()
		fn := t.onData
		t.mu.Unlock()
		if fn != nil {
			fn(msg.Data)
		}
	})
}

func (t *Transport) connectionState(s webrtc.PeerConnectionState) {
	t.log.Debug().Str("state", s.String()).Msg("peer connection state")
	switch s {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		t.down()
	}
}

// down reports the link lost whether or not the channel ever opened: a
// negotiation that fails before open must still release the caller's
// connection. A local Close consumes downOnce first, so it never reports.
func (t *Transport) down() {
	t.mu.Lock()
	t.open = false
	fn := t.onDown
	t.mu.Unlock()
	t.downOnce.Do(func() {
		if fn != nil {
			fn()
		}
	})
}

func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	dc, open := t.dc, t.open
	t.mu.Unlock()
	if dc == nil || !open || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotOpen
	}
	return dc.Send(data)
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open && !t.closed
}

func (t *Transport) usable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	return nil
}

// Close tears down the peer connection. It is idempotent and does not fire
// the local disconnect callback.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.open = false
	t.mu.Unlock()
	t.downOnce.Do(func() {})
	return t.pc.Close()
}

var (
	_ domain.Transport        = (*Transport)(nil)
	_ domain.TransportFactory = (*Factory)(nil)
)
