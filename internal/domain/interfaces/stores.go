package interfaces

import (
	"context"

	domaintypes "syncshell/internal/domain/types"
)

// IdentityStore persists the local node identity.
type IdentityStore interface {
	SaveIdentity(passphrase string, id domaintypes.NodeIdentity) error
	// LoadIdentity reports ok=false when no identity has been saved yet.
	LoadIdentity(passphrase string) (domaintypes.NodeIdentity, bool, error)
}

// GroupStore persists joined groups and their membership directory snapshots.
type GroupStore interface {
	LoadGroups(ctx context.Context) ([]domaintypes.GroupRecord, error)
	SaveGroup(ctx context.Context, group domaintypes.GroupRecord) error
	DeleteGroup(ctx context.Context, id domaintypes.GroupHash) error

	SaveDirectory(ctx context.Context, id domaintypes.GroupHash, data []byte) error
	LoadDirectory(ctx context.Context, id domaintypes.GroupHash) ([]byte, bool, error)
}
