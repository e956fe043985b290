package testutil

import (
	"testing"

	"github.com/rs/zerolog"
)

// TestLogger writes through t.Log so output is attached to the failing test.
func TestLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel).With().Timestamp().Logger()
}
