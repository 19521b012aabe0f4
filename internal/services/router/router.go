package router

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"syncshell/internal/crypto"
	"syncshell/internal/directory"
	"syncshell/internal/domain"
	"syncshell/internal/peer"
	"syncshell/internal/protocol/control"
	"syncshell/internal/telemetry"
)

var errNotForRole = errors.New("message not accepted on this side of the link")

// Link is the connection a message arrived on.
type Link interface {
	ID() string
	GroupHash() domain.GroupHash
	Role() peer.Role
	Send(data []byte) bool
	SetRemote(key, name string)
}

// Backend is the group state the router reads and mutates. The session
// manager implements it.
type Backend interface {
	// LocalMember is this node's directory key and display name.
	LocalMember() (directory.MemberKey, string)
	Directory(group domain.GroupHash) (*directory.Directory, bool)
	GroupKeys(group domain.GroupHash) (*crypto.GroupKeys, bool)
	// SignRemoval signs a tombstone this node issues.
	SignRemoval(group domain.GroupHash, key directory.MemberKey) []byte
	// DirectoryChanged is called after every directory mutation the router makes.
	DirectoryChanged(group domain.GroupHash)
}

type Options struct {
	Backend  Backend
	Cache    *PayloadCache
	Provider domain.PayloadProvider
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Router dispatches inbound control-plane messages. Handle never panics and
// never returns an error: failures are logged and counted, and the link
// stays up.
type Router struct {
	backend  Backend
	cache    *PayloadCache
	provider domain.PayloadProvider
	log      zerolog.Logger
	now      func() time.Time
}

func New(opts Options) *Router {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Router{
		backend:  opts.Backend,
		cache:    opts.Cache,
		provider: opts.Provider,
		log:      opts.Logger.With().Str("component", "router").Logger(),
		now:      opts.Now,
	}
}

// Handle parses and dispatches one inbound message.
func (r *Router) Handle(l Link, data []byte) {
	typ := "unparsed"
	defer func() {
		if rec := recover(); rec != nil {
			telemetry.ControlMessages.WithLabelValues(typ, "panic").Inc()
			r.log.Error().Str("conn", l.ID()).Str("type", typ).Interface("panic", rec).Msg("control handler panicked")
		}
	}()

	m, err := control.Decode(data)
	if err != nil {
		telemetry.ControlMessages.WithLabelValues(typ, "malformed").Inc()
		r.log.Warn().Str("conn", l.ID()).Err(err).Msg("dropping control message")
		return
	}
	typ = string(m.Type)
	if !control.Known(m.Type) {
		typ = "unknown"
		telemetry.ControlMessages.WithLabelValues(typ, "ignored").Inc()
		r.log.Warn().Str("conn", l.ID()).Str("type", string(m.Type)).Msg("unknown control message type")
		return
	}

	err = r.dispatch(l, m)
	switch {
	case errors.Is(err, errNotForRole):
		telemetry.ControlMessages.WithLabelValues(typ, "ignored").Inc()
		r.log.Debug().Str("conn", l.ID()).Str("type", typ).Str("role", string(l.Role())).Msg("ignoring message for other role")
	case err != nil:
		telemetry.ControlMessages.WithLabelValues(typ, "error").Inc()
		r.log.Warn().Str("conn", l.ID()).Str("type", typ).Err(err).Msg("control message failed")
	default:
		telemetry.ControlMessages.WithLabelValues(typ, "ok").Inc()
	}
}

func (r *Router) dispatch(l Link, m control.Message) error {
	switch m.Type {
	case control.TypeMemberListRequest:
		return r.memberListRequest(l, m)
	case control.TypeMemberListResponse:
		return r.memberListResponse(l, m)
	case control.TypeDirectorySyncRequest:
		return r.directorySyncRequest(l)
	case control.TypeDirectorySyncResponse:
		return r.directorySyncResponse(l, m)
	case control.TypePayloadSyncRequest:
		return r.payloadSyncRequest(l)
	case control.TypePayloadSyncResponse:
		return r.payloadSyncResponse(m)
	case control.TypeClientReady:
		r.log.Info().Str("conn", l.ID()).Str("group", l.GroupHash().Short()).Msg("peer ready")
		return nil
	case control.TypeMeshJoinRequest:
		return r.meshJoinRequest(l, m)
	case control.TypeMeshJoinResponse:
		ev := r.log.Info()
		if !m.Accepted {
			ev = r.log.Warn()
		}
		ev.Str("conn", l.ID()).Bool("accepted", m.Accepted).Str("reason", m.Reason).Msg("mesh join answered")
		return nil
	case control.TypeApplicationPayload:
		r.storePayload(domain.PayloadEntry{SubjectID: m.SubjectID, Payload: m.Payload, LastUpdated: r.now()}, true)
		return nil
	}
	return fmt.Errorf("no handler for %s", m.Type)
}

// memberListRequest runs on the host side: record the requester and reply
// with the derived name list.
func (r *Router) memberListRequest(l Link, m control.Message) error {
	if l.Role() != peer.RoleHost {
		return errNotForRole
	}
	name := strings.TrimSpace(m.RequesterName)
	if name == "" {
		return errors.New("member list request without requester name")
	}
	dir, ok := r.backend.Directory(l.GroupHash())
	if !ok {
		return fmt.Errorf("no directory for group %s", l.GroupHash().Short())
	}

	key := memberKey(m.PublicKey, name)
	l.SetRemote(string(key), name)
	if rec, ok := dir.Get(key); !ok || rec.Name != name {
		dir.AddOrReplaceMember(key, name, directory.Endpoint{})
		if !key.IsNameKey() {
			r.pruneNames(l.GroupHash(), dir)
		}
		r.backend.DirectoryChanged(l.GroupHash())
	}
	return r.reply(l, control.MemberListResponse(dir.Names()))
}

// memberListResponse runs on the joiner side. The host's list replaces the
// name-only part of the directory; keyed members are owned by directory sync.
func (r *Router) memberListResponse(l Link, m control.Message) error {
	if l.Role() != peer.RoleGuest {
		return errNotForRole
	}
	group := l.GroupHash()
	dir, ok := r.backend.Directory(group)
	if !ok {
		return fmt.Errorf("no directory for group %s", group.Short())
	}
	selfKey, selfName := r.backend.LocalMember()

	listed := make(map[string]struct{}, len(m.Members))
	for _, n := range m.Members {
		if n = strings.TrimSpace(n); n != "" {
			listed[n] = struct{}{}
		}
	}
	known := make(map[string]struct{})
	for _, rec := range dir.Members() {
		known[rec.Name] = struct{}{}
		if !rec.Key.IsNameKey() || rec.Key == selfKey || rec.Name == selfName {
			continue
		}
		if _, keep := listed[rec.Name]; keep {
			continue
		}
		if _, err := dir.RemoveMember(rec.Key, [][]byte{r.backend.SignRemoval(group, rec.Key)}); err != nil {
			return err
		}
	}
	for n := range listed {
		if _, ok := known[n]; !ok {
			dir.AddOrReplaceMember(directory.NameKey(n), n, directory.Endpoint{})
		}
	}
	if _, ok := dir.Get(selfKey); !ok {
		dir.AddOrReplaceMember(selfKey, selfName, directory.Endpoint{})
	}
	r.pruneNames(group, dir)
	r.backend.DirectoryChanged(group)
	return nil
}

// pruneNames drops name placeholders once the keyed record for the same
// member has arrived, so a later tombstone on the key empties the roster.
func (r *Router) pruneNames(group domain.GroupHash, dir *directory.Directory) {
	if dropped := dir.DropShadowedNames(); len(dropped) > 0 {
		r.log.Debug().Str("group", group.Short()).Int("dropped", len(dropped)).Msg("name placeholders replaced by keyed members")
	}
}

func (r *Router) directorySyncRequest(l Link) error {
	dir, ok := r.backend.Directory(l.GroupHash())
	if !ok {
		return fmt.Errorf("no directory for group %s", l.GroupHash().Short())
	}
	snap, err := dir.Marshal()
	if err != nil {
		return err
	}
	return r.reply(l, control.DirectorySyncResponse(snap))
}

func (r *Router) directorySyncResponse(l Link, m control.Message) error {
	if len(m.Directory) == 0 {
		return errors.New("directory sync response without snapshot")
	}
	remote, err := directory.Unmarshal(m.Directory)
	if err != nil {
		return err
	}
	dir, ok := r.backend.Directory(l.GroupHash())
	if !ok {
		return fmt.Errorf("no directory for group %s", l.GroupHash().Short())
	}
	dir.Merge(remote)
	r.pruneNames(l.GroupHash(), dir)
	r.backend.DirectoryChanged(l.GroupHash())
	return nil
}

func (r *Router) payloadSyncRequest(l Link) error {
	if l.Role() != peer.RoleHost {
		return errNotForRole
	}
	return r.reply(l, control.PayloadSyncResponse(r.cache.Entries()))
}

func (r *Router) payloadSyncResponse(m control.Message) error {
	for _, e := range m.Entries {
		if e.SubjectID == "" {
			continue
		}
		r.storePayload(e.PayloadEntry(), false)
	}
	return nil
}

// meshJoinRequest admits a member who proves knowledge of the group key
// over a link this node already trusts.
func (r *Router) meshJoinRequest(l Link, m control.Message) error {
	group := l.GroupHash()
	deny := func(reason string) error {
		if err := r.reply(l, control.MeshJoinResponse(false, reason)); err != nil {
			return err
		}
		return fmt.Errorf("mesh join refused: %s", reason)
	}

	if m.GroupHash != group {
		return deny("group mismatch")
	}
	keys, ok := r.backend.GroupKeys(group)
	if !ok {
		return deny("unknown group")
	}
	if _, err := crypto.ParsePublicKeyHex(m.PublicKey); err != nil {
		return deny("invalid public key")
	}
	if !crypto.VerifyChallenge(keys.SymmetricKey, m.Nonce, m.PublicKey, m.Proof) {
		return deny("bad proof")
	}
	dir, ok := r.backend.Directory(group)
	if !ok {
		return deny("unknown group")
	}
	key := directory.MemberKey(m.PublicKey)
	if dir.IsRemoved(key) {
		return deny("member was removed")
	}

	name := strings.TrimSpace(m.RequesterName)
	l.SetRemote(m.PublicKey, name)
	dir.AddOrReplaceMember(key, name, directory.Endpoint{})
	r.pruneNames(group, dir)
	r.backend.DirectoryChanged(group)

	snap, err := dir.Marshal()
	if err != nil {
		return err
	}
	for _, msg := range []control.Message{
		control.MeshJoinResponse(true, ""),
		control.DirectorySyncResponse(snap),
		control.MemberListResponse(dir.Names()),
	} {
		if err := r.reply(l, msg); err != nil {
			return err
		}
	}
	r.log.Info().Str("group", group.Short()).Str("member", name).Msg("mesh join accepted")
	return nil
}

func (r *Router) storePayload(e domain.PayloadEntry, overwrite bool) {
	if overwrite {
		r.cache.Put(e)
	} else if !r.cache.Merge(e) {
		return
	}
	if r.provider != nil {
		r.provider.PayloadReceived(e)
	}
}

func (r *Router) reply(l Link, m control.Message) error {
	b, err := control.Encode(m)
	if err != nil {
		return err
	}
	if !l.Send(b) {
		return fmt.Errorf("reply %s not sent: link down", m.Type)
	}
	return nil
}

// memberKey prefers the advertised public key and falls back to a
// name-derived key for peers that did not send one.
func memberKey(publicKey, name string) directory.MemberKey {
	if _, err := crypto.ParsePublicKeyHex(publicKey); err == nil {
		return directory.MemberKey(publicKey)
	}
	return directory.NameKey(name)
}
