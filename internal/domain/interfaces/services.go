package interfaces

import (
	"context"

	domaintypes "syncshell/internal/domain/types"
)

// PayloadProvider is the application side of payload sync: it supplies the
// bytes to broadcast for a subject and receives payloads pulled from peers.
type PayloadProvider interface {
	CurrentPayload(ctx context.Context, subject domaintypes.SubjectID) ([]byte, error)
	PayloadReceived(entry domaintypes.PayloadEntry)
}

// IdentityService creates and loads the local node identity.
type IdentityService interface {
	LoadOrCreate(passphrase string) (domaintypes.NodeIdentity, domaintypes.Fingerprint, error)
	FingerprintIdentity(passphrase string) (domaintypes.Fingerprint, error)
}
