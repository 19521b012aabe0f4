package interfaces

import "context"

// Transport is one negotiated link to a remote peer. Negotiation blobs are
// opaque to callers; implementations own SDP, ICE gathering and crypto.
type Transport interface {
	CreateOffer(ctx context.Context) ([]byte, error)
	CreateAnswer(ctx context.Context, offer []byte) ([]byte, error)
	SetRemoteAnswer(ctx context.Context, answer []byte) error

	Send(data []byte) error
	IsConnected() bool

	// Notification hooks. Each may be set once before negotiation starts.
	OnConnected(fn func())
	OnDisconnected(fn func())
	OnData(fn func(data []byte))

	Close() error
}

// TransportFactory creates fresh, unnegotiated transports.
type TransportFactory interface {
	NewTransport() (Transport, error)
}
