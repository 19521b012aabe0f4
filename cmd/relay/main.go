package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"syncshell/internal/logging"
	"syncshell/internal/relay"
	"syncshell/internal/telemetry"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	ttl := flag.Duration("ttl", relay.DefaultTTL, "how long invites and answers are kept")
	maxAnswers := flag.Int("max-answers", relay.DefaultMaxAnswers, "queued answers kept per group")
	flag.Parse()

	log := logging.Component(logging.Configure(logging.ProfileRuntime), "relayd")

	srv := relay.NewServer(relay.ServerOptions{MaxAnswers: *maxAnswers, TTL: *ttl, Logger: log})
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.Handle("/", srv.Handler())

	hs := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdown)
	}()

	log.Info().Str("addr", *addr).Dur("ttl", *ttl).Msg("relay listening")
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("relay stopped")
		os.Exit(1)
	}
}
