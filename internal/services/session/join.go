package session

import (
	"context"
	"errors"
	"fmt"

	"syncshell/internal/crypto"
	"syncshell/internal/directory"
	"syncshell/internal/domain"
	"syncshell/internal/peer"
	"syncshell/internal/protocol/control"
	"syncshell/internal/protocol/invite"
	"syncshell/internal/telemetry"
)

// Invite is a code generated for a group. ConnID names the pending host
// connection for manual invites and is empty for bootstrap codes.
type Invite struct {
	Code     string
	Strategy invite.Strategy
	ConnID   string
}

// JoinResult is the outcome of accepting an invite. AnswerCode is set only
// for manual invites and must travel back to the host out of band.
type JoinResult struct {
	Group      domain.GroupRecord
	Kind       invite.Kind
	AnswerCode string
	ConnID     string
}

// GenerateInvite issues an invite for the group. A group without an
// established connection gets a manual offer; a connected group, or one
// idle longer than StaleAfter, gets a bootstrap code. A suspended group
// issues nothing.
func (m *Manager) GenerateInvite(ctx context.Context, id domain.GroupHash) (Invite, error) {
	gs, err := m.state(id)
	if err != nil {
		return Invite{}, err
	}
	m.mu.Lock()
	rec := gs.record.Clone()
	m.mu.Unlock()
	if !rec.Active {
		return Invite{}, fmt.Errorf("%w: %s", ErrInactive, id.Short())
	}

	connected := m.reg.Connected(id)
	strategy := invite.SelectStrategy(connected, rec.LastActivity, m.opts.Now(), m.opts.StaleAfter)

	var inv Invite
	if strategy == invite.Manual {
		inv, err = m.manualInvite(ctx, rec, &gs.keys)
	} else {
		inv.Code, err = invite.EncodeBootstrap(invite.Bootstrap{
			GroupName:          rec.Name,
			SharedSecret:       rec.SharedSecret,
			GroupHash:          rec.ID,
			ConnectedPeerCount: connected,
			Stale:              strategy == invite.Stale,
			IssuedAt:           m.opts.Now().Unix(),
		})
	}
	if err != nil {
		return Invite{}, err
	}
	inv.Strategy = strategy
	telemetry.Invites.WithLabelValues(strategy.String()).Inc()
	m.log.Info().Str("group", id.Short()).Str("strategy", strategy.String()).Int("connected", connected).Msg("invite generated")
	return inv, nil
}

// manualInvite registers the host connection as pending before negotiating
// so the sweep can reclaim it if the answer never arrives.
func (m *Manager) manualInvite(ctx context.Context, rec domain.GroupRecord, keys *crypto.GroupKeys) (Invite, error) {
	c, err := m.newConn(rec.ID, peer.RoleHost, "")
	if err != nil {
		return Invite{}, err
	}
	fail := func(err error) (Invite, error) {
		m.reg.Remove(c.ID())
		_ = c.Close()
		return Invite{}, err
	}
	if !m.reg.AddPending(c) {
		return fail(ErrClosed)
	}
	offer, err := c.CreateOffer(ctx)
	if err != nil {
		return fail(fmt.Errorf("create offer: %w", err))
	}
	code, err := invite.EncodeManual(rec.Name, rec.SharedSecret, keys, invite.OfferPayload{
		InviteID: c.ID(),
		Offer:    offer,
		HostName: m.opts.DisplayName,
		HostKey:  string(m.selfKey),
		IssuedAt: m.opts.Now().Unix(),
	})
	if err != nil {
		return fail(err)
	}
	if err := c.AwaitAnswer(); err != nil {
		return fail(err)
	}
	return Invite{Code: code, ConnID: c.ID()}, nil
}

// AcceptInvite joins the group named by an invite code. For a manual
// invite it answers the host's offer and returns the answer code. For a
// bootstrap code it joins locally and asks the mesh for admission over an
// existing connection; with none available the group is still joined and
// ErrNoMeshRoute is returned alongside the result. A code for a group this
// node has suspended is refused with ErrInactive.
func (m *Manager) AcceptInvite(ctx context.Context, code string) (JoinResult, error) {
	parsed, err := invite.Parse(code)
	if err != nil {
		return JoinResult{}, err
	}
	switch parsed.Kind {
	case invite.KindManual:
		return m.acceptManual(ctx, parsed)
	case invite.KindBootstrap:
		return m.acceptBootstrap(ctx, parsed)
	default:
		return JoinResult{}, fmt.Errorf("%w: %s code is not an invite", invite.ErrMalformedCode, parsed.Kind)
	}
}

func (m *Manager) acceptManual(ctx context.Context, code invite.Code) (JoinResult, error) {
	rec, err := m.JoinGroup(ctx, code.GroupName, code.SharedSecret)
	if err != nil {
		return JoinResult{}, err
	}
	if !rec.Active {
		return JoinResult{Group: rec}, fmt.Errorf("%w: %s", ErrInactive, rec.ID.Short())
	}
	gs, err := m.state(rec.ID)
	if err != nil {
		return JoinResult{}, err
	}
	offer, err := code.OpenOffer(&gs.keys)
	if err != nil {
		return JoinResult{}, err
	}

	c, err := m.newConn(rec.ID, peer.RoleGuest, offer.HostName)
	if err != nil {
		return JoinResult{}, err
	}
	c.SetRemote(offer.HostKey, offer.HostName)
	fail := func(err error) (JoinResult, error) {
		m.reg.Remove(c.ID())
		_ = c.Close()
		return JoinResult{}, err
	}
	if !m.reg.AddPending(c) {
		return fail(ErrClosed)
	}
	answer, err := c.CreateAnswer(ctx, offer.Offer)
	if err != nil {
		return fail(fmt.Errorf("create answer: %w", err))
	}
	answerCode, err := invite.EncodeAnswer(&gs.keys, invite.AnswerPayload{
		InviteID: offer.InviteID,
		Answer:   answer,
		Name:     m.opts.DisplayName,
		Key:      string(m.selfKey),
	})
	if err != nil {
		return fail(err)
	}
	m.log.Info().Str("group", rec.ID.Short()).Str("host", offer.HostName).Msg("invite answered")
	return JoinResult{Group: rec, Kind: invite.KindManual, AnswerCode: answerCode, ConnID: c.ID()}, nil
}

func (m *Manager) acceptBootstrap(ctx context.Context, code invite.Code) (JoinResult, error) {
	rec, err := m.JoinGroup(ctx, code.GroupName, code.SharedSecret)
	if err != nil {
		return JoinResult{}, err
	}
	if !rec.Active {
		return JoinResult{Group: rec}, fmt.Errorf("%w: %s", ErrInactive, rec.ID.Short())
	}
	gs, err := m.state(rec.ID)
	if err != nil {
		return JoinResult{}, err
	}
	if err := invite.VerifyBootstrap(code.Bootstrap, &gs.keys); err != nil {
		return JoinResult{}, err
	}
	res := JoinResult{Group: rec, Kind: invite.KindBootstrap}
	connID, err := m.meshJoin(gs)
	res.ConnID = connID
	return res, err
}

// meshJoin sends a mesh_join_request over a connection this process already
// has for the group, preferring the link to the member with the longest
// recorded uptime.
func (m *Manager) meshJoin(gs *groupState) (string, error) {
	id := gs.record.ID
	byKey := make(map[string]*peer.Conn)
	var fallback *peer.Conn
	for _, c := range m.reg.Active(id) {
		if c.State() != peer.Connected {
			continue
		}
		if fallback == nil {
			fallback = c
		}
		if k := c.RemoteKey(); k != "" {
			if _, seen := byKey[k]; !seen {
				byKey[k] = c
			}
		}
	}
	if fallback == nil {
		return "", fmt.Errorf("%w: group %s", ErrNoMeshRoute, id.Short())
	}
	route := fallback
	if best, ok := gs.dir.LongestUptimeWhere(func(r directory.MemberRecord) bool {
		_, ok := byKey[string(r.Key)]
		return ok
	}); ok {
		route = byKey[string(best.Key)]
	}

	nonce, err := crypto.NewChallengeNonce()
	if err != nil {
		return "", err
	}
	proof := crypto.ChallengeProof(gs.keys.SymmetricKey, nonce, string(m.selfKey))
	if !m.sendOn(route, control.MeshJoinRequest(id, m.opts.DisplayName, string(m.selfKey), nonce, proof)) {
		return "", fmt.Errorf("%w: send over %s failed", ErrNoMeshRoute, route.ID())
	}
	m.log.Info().Str("group", id.Short()).Str("via", route.ID()).Msg("mesh join requested")
	return route.ID(), nil
}

// ProcessAnswerCode completes a manual invite. Several invites may be
// pending at once: the answer is offered to the matching pending host
// connection, or to each in turn if the answer names none of them.
func (m *Manager) ProcessAnswerCode(ctx context.Context, code string) (string, error) {
	parsed, err := invite.Parse(code)
	if err != nil {
		return "", err
	}
	if parsed.Kind != invite.KindAnswer {
		return "", fmt.Errorf("%w: %s code is not an answer", invite.ErrMalformedCode, parsed.Kind)
	}
	gs, err := m.state(parsed.GroupHash)
	if err != nil {
		return "", err
	}
	ans, err := parsed.OpenAnswer(&gs.keys)
	if err != nil {
		return "", err
	}

	candidates := m.reg.Pending(parsed.GroupHash)
	for _, c := range candidates {
		if c.ID() == ans.InviteID {
			candidates = []*peer.Conn{c}
			break
		}
	}

	lastErr := errors.New("no pending invite for group")
	for _, c := range candidates {
		if c.Role() != peer.RoleHost {
			continue
		}
		if err := c.SetRemoteAnswer(ctx, ans.Answer); err != nil {
			m.log.Debug().Err(err).Str("conn", c.ID()).Msg("pending connection rejected answer")
			lastErr = err
			continue
		}
		m.reg.Promote(c.ID())
		c.SetRemote(ans.Key, ans.Name)
		if ans.Name != "" {
			key := directory.NameKey(ans.Name)
			if _, err := crypto.ParsePublicKeyHex(ans.Key); err == nil {
				key = directory.MemberKey(ans.Key)
			}
			gs.dir.AddOrReplaceMember(key, ans.Name, directory.Endpoint{})
			m.DirectoryChanged(parsed.GroupHash)
		}
		m.log.Info().Str("group", parsed.GroupHash.Short()).Str("conn", c.ID()).Str("peer", ans.Name).Msg("answer accepted")
		return c.ID(), nil
	}
	return "", fmt.Errorf("%w: %w", ErrNoPendingMatch, lastErr)
}
