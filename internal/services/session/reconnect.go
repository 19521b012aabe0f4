package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"syncshell/internal/domain"
)

const reconnectParallelism = 4

// ReconnectActive re-attempts a connection for every active group that has
// neither a live nor a pending link, using the relay as the out-of-band
// channel. Owners publish a fresh invite; members fetch the owner's latest
// invite and post their answer. It returns how many groups were attempted
// successfully. Individual failures are joined into the returned error.
func (m *Manager) ReconnectActive(ctx context.Context) (int, error) {
	if m.opts.Relay == nil {
		return 0, ErrNoRelay
	}

	var targets []domain.GroupRecord
	for _, rec := range m.Groups() {
		if !rec.Active {
			continue
		}
		if len(m.reg.Active(rec.ID)) > 0 || len(m.reg.Pending(rec.ID)) > 0 {
			continue
		}
		targets = append(targets, rec)
	}

	var (
		done atomic.Int64
		errs = make([]error, len(targets))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconnectParallelism)
	for i, rec := range targets {
		g.Go(func() error {
			if err := m.reconnect(gctx, rec); err != nil {
				errs[i] = fmt.Errorf("group %s: %w", rec.ID.Short(), err)
				m.log.Warn().Err(err).Str("group", rec.ID.Short()).Msg("reconnect failed")
				return nil
			}
			done.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(done.Load()), errors.Join(errs...)
}

func (m *Manager) reconnect(ctx context.Context, rec domain.GroupRecord) error {
	if rec.Role == domain.RoleOwner {
		inv, err := m.GenerateInvite(ctx, rec.ID)
		if err != nil {
			return err
		}
		return m.opts.Relay.PublishInvite(ctx, rec.ID, inv.Code)
	}

	code, err := m.opts.Relay.FetchInvite(ctx, rec.ID)
	if err != nil {
		return err
	}
	if code == "" {
		m.log.Debug().Str("group", rec.ID.Short()).Msg("no invite published yet")
		return nil
	}
	res, err := m.AcceptInvite(ctx, code)
	if err != nil {
		return err
	}
	if res.AnswerCode == "" {
		return nil
	}
	return m.opts.Relay.PostAnswer(ctx, rec.ID, res.AnswerCode)
}

// PollAnswers drains the relay's answer queue for every group with a
// pending host connection and feeds each code to ProcessAnswerCode. It
// returns how many answers completed a handshake.
func (m *Manager) PollAnswers(ctx context.Context) (int, error) {
	if m.opts.Relay == nil {
		return 0, ErrNoRelay
	}
	accepted := 0
	var errs []error
	for _, rec := range m.Groups() {
		if len(m.reg.Pending(rec.ID)) == 0 {
			continue
		}
		codes, err := m.opts.Relay.FetchAnswers(ctx, rec.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("group %s: %w", rec.ID.Short(), err))
			continue
		}
		for _, code := range codes {
			if _, err := m.ProcessAnswerCode(ctx, code); err != nil {
				m.log.Warn().Err(err).Str("group", rec.ID.Short()).Msg("relayed answer rejected")
				continue
			}
			accepted++
		}
	}
	return accepted, errors.Join(errs...)
}
