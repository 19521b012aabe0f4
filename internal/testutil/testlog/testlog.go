// Package testlog gives tests a zerolog logger that writes through t.Log.
package testlog

import (
	"testing"

	"github.com/rs/zerolog"
)

// New returns a debug-level logger bound to t.
func New(t testing.TB) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel).With().Timestamp().Logger()
}
