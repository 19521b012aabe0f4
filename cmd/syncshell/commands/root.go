package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"syncshell/internal/app"
	"syncshell/internal/logging"
	"syncshell/internal/telemetry"
)

var (
	home        string
	configPath  string
	passphrase  string
	relayURL    string
	metricsAddr string

	wire   *app.Wire
	logger zerolog.Logger
	lines  = newLineProvider(os.Stdout)
)

func Execute() error {
	root := &cobra.Command{
		Use:           "syncshell",
		Short:         "Serverless peer-to-peer group sessions over WebRTC",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger = logging.Configure(logging.ProfileRuntime)
			if cfg.LogLevel != "" {
				logger = logger.Level(logging.ParseLevel(cfg.LogLevel, logger.GetLevel()))
			}
			if passphrase == "" {
				return errors.New("passphrase required (-p)")
			}
			w, err := app.NewWire(cfg, passphrase, logger, lines)
			if err != nil {
				return err
			}
			wire = w
			if cfg.MetricsAddr != "" {
				serveMetrics(cfg.MetricsAddr)
			}
			return wire.Sessions.Start(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if wire == nil {
				return nil
			}
			return wire.Close()
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "state dir (default ~/.syncshell)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file (default <home>/config.toml)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting identity and group secrets")
	root.PersistentFlags().StringVar(&relayURL, "relay", "", "relay base URL (e.g. http://127.0.0.1:8080)")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics", "", "serve prometheus metrics on this address")

	root.AddCommand(
		createCmd(), joinCmd(), listCmd(),
		removeCmd(), suspendCmd(), resumeCmd(),
		fingerprintCmd(), hostCmd(), acceptCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return root.ExecuteContext(ctx)
}

// loadConfig reads --config, or <home>/config.toml when present, then
// applies flag overrides.
func loadConfig() (app.Config, error) {
	path, optional := configPath, false
	if path == "" {
		base := home
		if base == "" {
			base = app.Defaults().Home
		}
		path, optional = filepath.Join(base, app.DefaultConfigName), true
	}
	cfg, err := app.Load(path, optional)
	if err != nil {
		return app.Config{}, err
	}
	if home != "" {
		cfg.Home = home
	}
	if relayURL != "" {
		cfg.RelayURL = relayURL
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	return cfg, nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server")
		}
	}()
	logger.Info().Str("addr", addr).Msg("serving metrics")
}
