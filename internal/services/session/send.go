package session

import (
	"context"
	"errors"
	"fmt"

	"syncshell/internal/domain"
	"syncshell/internal/peer"
	"syncshell/internal/protocol/control"
)

// Send writes data to the group's connection. The target is resolved by
// composite key, exact match first. It returns false when no connected link
// takes the data; nothing is queued.
func (m *Manager) Send(id domain.GroupHash, data []byte) bool {
	if id == "" {
		return false
	}
	c, ok := m.reg.Resolve(string(id))
	if !ok {
		m.log.Debug().Str("group", id.Short()).Msg("send: no active connection")
		return false
	}
	return c.Send(data)
}

// BroadcastPayload asks the payload provider for the subject's current
// bytes, caches them locally and pushes them to every connected peer of the
// group. It returns how many peers took the message.
func (m *Manager) BroadcastPayload(ctx context.Context, id domain.GroupHash, subject domain.SubjectID) (int, error) {
	if m.opts.Provider == nil {
		return 0, errors.New("session: no payload provider configured")
	}
	if subject == "" {
		return 0, errors.New("session: empty subject id")
	}
	if _, err := m.state(id); err != nil {
		return 0, err
	}
	payload, err := m.opts.Provider.CurrentPayload(ctx, subject)
	if err != nil {
		return 0, fmt.Errorf("current payload for %s: %w", subject, err)
	}
	m.cache.Put(domain.PayloadEntry{SubjectID: subject, Payload: payload, LastUpdated: m.opts.Now()})

	b, err := control.Encode(control.ApplicationPayload(subject, payload))
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, c := range m.reg.Active(id) {
		if c.State() == peer.Connected && c.Send(b) {
			sent++
		}
	}
	m.log.Debug().Str("group", id.Short()).Str("subject", string(subject)).Int("peers", sent).Msg("payload broadcast")
	return sent, nil
}
