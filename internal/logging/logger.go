// Package logging builds the process-wide zerolog logger.
//
// The runtime profile logs at info to a console writer with timestamps; the
// test profile logs at debug. SYNCSHELL_LOG_LEVEL, SYNCSHELL_LOG_NOCOLOR and
// SYNCSHELL_LOG_JSON override either profile.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

const (
	envLevel   = "SYNCSHELL_LOG_LEVEL"
	envNoColor = "SYNCSHELL_LOG_NOCOLOR"
	envJSON    = "SYNCSHELL_LOG_JSON"
)

var (
	once   sync.Once
	logger zerolog.Logger
)

// Configure builds the process logger on first use and returns it. Later
// calls return the same logger regardless of profile.
func Configure(p Profile) zerolog.Logger {
	once.Do(func() {
		logger = New(os.Stderr, p)
		log.Logger = logger
	})
	return logger
}

// New builds a logger for w without touching the global logger.
func New(w io.Writer, p Profile) zerolog.Logger {
	level := zerolog.InfoLevel
	if p == ProfileTest {
		level = zerolog.DebugLevel
	}
	if v, ok := os.LookupEnv(envLevel); ok {
		level = ParseLevel(v, level)
	}

	out := w
	if !envBool(envJSON) {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
			NoColor:    envBool(envNoColor),
		}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("app", "syncshell").Logger()
}

// ParseLevel maps a level name to a zerolog level, falling back to def.
func ParseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "none", "disabled":
		return zerolog.Disabled
	case "":
		return def
	}
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return def
	}
	return l
}

// Component tags l with a component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
