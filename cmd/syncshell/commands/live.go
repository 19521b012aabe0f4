package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"syncshell/internal/domain"
	"syncshell/internal/protocol/invite"
	"syncshell/internal/services/session"
)

const relayPollInterval = 3 * time.Second

// stayConnected keeps the process in the foreground for group id until the
// context is cancelled or stdin closes. Answer codes pasted on stdin
// complete pending invites; any other line is broadcast to the group.
func stayConnected(ctx context.Context, id domain.GroupHash) error {
	input := make(chan string)
	go func() {
		defer close(input)
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for sc.Scan() {
			input <- sc.Text()
		}
	}()

	var poll <-chan time.Time
	if wire.Relay != nil {
		t := time.NewTicker(relayPollInterval)
		defer t.Stop()
		poll = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll:
			n, err := wire.Sessions.PollAnswers(ctx)
			if err != nil && !errors.Is(err, session.ErrNoRelay) {
				logger.Warn().Err(err).Msg("poll relay answers")
			}
			if n > 0 {
				fmt.Printf("%d relayed answer(s) accepted\n", n)
			}
		case line, ok := <-input:
			if !ok {
				return nil
			}
			handleLine(ctx, id, strings.TrimSpace(line))
		}
	}
}

func handleLine(ctx context.Context, id domain.GroupHash, line string) {
	if line == "" {
		return
	}
	if code, err := invite.Parse(line); err == nil && code.Kind == invite.KindAnswer {
		connID, err := wire.Sessions.ProcessAnswerCode(ctx, line)
		if err != nil {
			fmt.Printf("answer rejected: %v\n", err)
			return
		}
		fmt.Printf("answer accepted on %s\n", connID)
		return
	}
	lines.set(chatSubject, []byte(line))
	n, err := wire.Sessions.BroadcastPayload(ctx, id, chatSubject)
	if err != nil {
		fmt.Printf("send failed: %v\n", err)
		return
	}
	if n == 0 {
		fmt.Println("(no connected peers)")
	}
}
