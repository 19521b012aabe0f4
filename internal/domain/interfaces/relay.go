package interfaces

import (
	"context"

	domaintypes "syncshell/internal/domain/types"
)

// AnswerRelay is an out-of-band drop-box for invite and answer codes. Codes
// are already encrypted; the relay only stores and forwards them.
type AnswerRelay interface {
	PublishInvite(ctx context.Context, group domaintypes.GroupHash, code string) error
	FetchInvite(ctx context.Context, group domaintypes.GroupHash) (string, error)

	PostAnswer(ctx context.Context, group domaintypes.GroupHash, code string) error
	FetchAnswers(ctx context.Context, group domaintypes.GroupHash) ([]string, error)
}
