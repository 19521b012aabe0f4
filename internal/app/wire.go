package app

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"syncshell/internal/domain"
	"syncshell/internal/relay"
	identitysvc "syncshell/internal/services/identity"
	"syncshell/internal/services/session"
	"syncshell/internal/store"
	"syncshell/internal/store/sqlite"
	"syncshell/internal/transport/webrtc"
)

// Wire bundles the stores, clients and the session manager for the CLI.
type Wire struct {
	Config      Config
	Identity    domain.NodeIdentity
	Fingerprint domain.Fingerprint
	Groups      domain.GroupStore
	Relay       domain.AnswerRelay
	Sessions    *session.Manager

	closers []io.Closer
}

// NewWire constructs the dependency graph from cfg. The manager is built
// but not started.
func NewWire(cfg Config, passphrase string, log zerolog.Logger, provider domain.PayloadProvider) (*Wire, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, err
	}

	ids := identitysvc.New(store.NewIdentityFileStore(cfg.Home))
	id, fp, err := ids.LoadOrCreate(passphrase)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	w := &Wire{Config: cfg, Identity: id, Fingerprint: fp}
	switch cfg.Store {
	case StoreSQLite:
		db, err := sqlite.Open(cfg.Home, passphrase)
		if err != nil {
			return nil, err
		}
		w.Groups = db
		w.closers = append(w.closers, db)
	default:
		w.Groups = store.NewGroupFileStore(cfg.Home, passphrase)
	}

	if cfg.RelayURL != "" {
		w.Relay = relay.NewHTTPClient(cfg.RelayURL, &http.Client{Timeout: 15 * time.Second})
	}

	transports := webrtc.NewFactory(webrtc.Config{
		ICEServers:    cfg.ICEServers,
		GatherTimeout: cfg.GatherTimeout.Duration,
		Logger:        log,
	})
	w.Sessions, err = session.New(session.Options{
		Identity:         id,
		DisplayName:      cfg.DisplayName,
		Transports:       transports,
		Store:            w.Groups,
		Relay:            w.Relay,
		Provider:         provider,
		Logger:           log,
		SweepInterval:    cfg.SweepInterval.Duration,
		PendingTimeout:   cfg.PendingTimeout.Duration,
		UptimeInterval:   cfg.UptimeInterval.Duration,
		StaleAfter:       cfg.StaleAfter.Duration,
		InboxSize:        cfg.InboxSize,
		PayloadCacheSize: cfg.PayloadCacheSize,
	})
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// Close stops the manager and releases the stores.
func (w *Wire) Close() error {
	var errs []error
	if w.Sessions != nil {
		errs = append(errs, w.Sessions.Close())
	}
	for _, c := range w.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
