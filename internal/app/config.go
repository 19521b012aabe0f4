package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"syncshell/internal/transport/webrtc"
)

const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"

	DefaultConfigName = "config.toml"
)

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Config holds runtime wiring options for building the app.
type Config struct {
	Home        string   `toml:"home"`         // state directory, e.g. $HOME/.syncshell
	DisplayName string   `toml:"display_name"` // name shown to peers
	RelayURL    string   `toml:"relay_url"`    // drop-box base URL, optional
	ICEServers  []string `toml:"ice_servers"`
	Store       string   `toml:"store"` // "file" or "sqlite"

	SweepInterval    Duration `toml:"sweep_interval"`
	PendingTimeout   Duration `toml:"pending_timeout"`
	UptimeInterval   Duration `toml:"uptime_interval"`
	StaleAfter       Duration `toml:"stale_after"`
	GatherTimeout    Duration `toml:"gather_timeout"`
	InboxSize        int      `toml:"inbox_size"`
	PayloadCacheSize int      `toml:"payload_cache_size"`

	MetricsAddr string `toml:"metrics_addr"`
	LogLevel    string `toml:"log_level"`
}

// Defaults returns the configuration used when no file is present.
func Defaults() Config {
	home := ".syncshell"
	if dir, err := os.UserHomeDir(); err == nil {
		home = filepath.Join(dir, ".syncshell")
	}
	return Config{
		Home:             home,
		ICEServers:       []string{webrtc.DefaultSTUN},
		Store:            StoreFile,
		SweepInterval:    Duration{10 * time.Second},
		PendingTimeout:   Duration{60 * time.Second},
		UptimeInterval:   Duration{time.Minute},
		StaleAfter:       Duration{720 * time.Hour},
		GatherTimeout:    Duration{webrtc.DefaultGatherTimeout},
		InboxSize:        64,
		PayloadCacheSize: 512,
	}
}

// Load reads path over the defaults. A missing file is not an error when
// optional is set, so the CLI can fall back to <home>/config.toml silently.
func Load(path string, optional bool) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if keys := md.Undecoded(); len(keys) > 0 {
		return Config{}, fmt.Errorf("load config %s: unknown keys %v", path, keys)
	}
	return cfg, nil
}

// Validate reports every invalid field by its TOML name.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Home) == "" {
		errs = append(errs, errors.New("home: must not be empty"))
	}
	switch c.Store {
	case StoreFile, StoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("store: %q is not %q or %q", c.Store, StoreFile, StoreSQLite))
	}
	if c.RelayURL != "" && !strings.HasPrefix(c.RelayURL, "http://") && !strings.HasPrefix(c.RelayURL, "https://") {
		errs = append(errs, fmt.Errorf("relay_url: %q is not an http(s) URL", c.RelayURL))
	}
	for name, d := range map[string]Duration{
		"sweep_interval":  c.SweepInterval,
		"pending_timeout": c.PendingTimeout,
		"uptime_interval": c.UptimeInterval,
		"stale_after":     c.StaleAfter,
		"gather_timeout":  c.GatherTimeout,
	} {
		if d.Duration <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive", name))
		}
	}
	if c.InboxSize <= 0 {
		errs = append(errs, errors.New("inbox_size: must be positive"))
	}
	if c.PayloadCacheSize <= 0 {
		errs = append(errs, errors.New("payload_cache_size: must be positive"))
	}
	return errors.Join(errs...)
}
