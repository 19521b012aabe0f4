package webrtc

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncshell/internal/testutil/testlog"
)

func TestDecodeSession(t *testing.T) {
	_, err := decodeSession([]byte("not json"), webrtc.SDPTypeOffer)
	assert.ErrorIs(t, err, ErrBadSession)

	_, err = decodeSession([]byte(`{"type":"answer","sdp":"v=0"}`), webrtc.SDPTypeOffer)
	assert.ErrorIs(t, err, ErrBadSession)

	_, err = decodeSession([]byte(`{"type":"offer","sdp":""}`), webrtc.SDPTypeOffer)
	assert.ErrorIs(t, err, ErrBadSession)

	desc, err := decodeSession([]byte(`{"type":"offer","sdp":"v=0"}`), webrtc.SDPTypeOffer)
	require.NoError(t, err)
	assert.Equal(t, "v=0", desc.SDP)
}

func TestClosedTransport(t *testing.T) {
	f := NewFactory(Config{ICEServers: []string{}, GatherTimeout: time.Second, Logger: testlog.New(t)})
	tr, err := f.NewTransport()
	require.NoError(t, err)

	assert.False(t, tr.IsConnected())
	assert.ErrorIs(t, tr.Send([]byte("x")), ErrNotOpen)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err = tr.CreateOffer(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFailureBeforeOpenReportsDisconnect(t *testing.T) {
	f := NewFactory(Config{ICEServers: []string{}, GatherTimeout: time.Second, Logger: testlog.New(t)})
	tr, err := f.NewTransport()
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	var downs atomic.Int32
	tr.OnDisconnected(func() { downs.Add(1) })

	wt := tr.(*Transport)
	require.False(t, wt.IsConnected())
	wt.connectionState(webrtc.PeerConnectionStateFailed)
	wt.connectionState(webrtc.PeerConnectionStateClosed)
	wt.down()
	assert.Equal(t, int32(1), downs.Load(), "a link that never opened still reports once")
}

func TestLocalCloseDoesNotReportDisconnect(t *testing.T) {
	f := NewFactory(Config{ICEServers: []string{}, GatherTimeout: time.Second, Logger: testlog.New(t)})
	tr, err := f.NewTransport()
	require.NoError(t, err)

	var downs atomic.Int32
	tr.OnDisconnected(func() { downs.Add(1) })

	require.NoError(t, tr.Close())
	tr.(*Transport).connectionState(webrtc.PeerConnectionStateClosed)
	assert.Zero(t, downs.Load())
}

// TestLoopbackHandshake negotiates two local peer connections over host
// candidates only.
func TestLoopbackHandshake(t *testing.T) {
	if os.Getenv("SYNCSHELL_WEBRTC_TEST") == "" {
		t.Skip("set SYNCSHELL_WEBRTC_TEST=1 to run against local ICE")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var se webrtc.SettingEngine
	se.SetIncludeLoopbackCandidate(true)
	f := &Factory{
		cfg: Config{GatherTimeout: 5 * time.Second, Logger: testlog.New(t)},
		api: webrtc.NewAPI(webrtc.WithSettingEngine(se)),
	}
	hostT, err := f.NewTransport()
	require.NoError(t, err)
	guestT, err := f.NewTransport()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = hostT.Close()
		_ = guestT.Close()
	})

	up := make(chan struct{}, 2)
	var mu sync.Mutex
	var got []string
	hostT.OnConnected(func() { up <- struct{}{} })
	guestT.OnConnected(func() { up <- struct{}{} })
	guestT.OnData(func(b []byte) {
		mu.Lock()
		got = append(got, string(b))
		mu.Unlock()
	})

	offer, err := hostT.CreateOffer(ctx)
	require.NoError(t, err)
	answer, err := guestT.CreateAnswer(ctx, offer)
	require.NoError(t, err)
	require.ErrorIs(t, hostT.SetRemoteAnswer(ctx, offer), ErrBadSession)
	require.NoError(t, hostT.SetRemoteAnswer(ctx, answer))

	for range 2 {
		select {
		case <-up:
		case <-ctx.Done():
			t.Fatal("data channel did not open")
		}
	}
	require.NoError(t, hostT.Send([]byte("hello")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "hello"
	}, 5*time.Second, 10*time.Millisecond)
}
