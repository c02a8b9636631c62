package logger

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var Log zerolog.Logger

func init() {
	// Pretty console output for development
	// For production JSON, remove ConsoleWriter and use: zerolog.New(os.Stdout)
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	Log = zerolog.New(output).
		With().
		Timestamp().
		Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// SetJSONOutput switches to JSON logging (for production)
func SetJSONOutput() {
	Log = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()
}

// SetDebugLevel enables debug logging
func SetDebugLevel() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

var sessionSeq uint64

// PeerLogger returns a logger scoped to a single peer session, tagged
// with a per-process sequence number. cmd/peerctl reconnects to the same
// address indefinitely on disconnect, so the address alone can't tell
// one session's log lines apart from the next one's.
func PeerLogger(addr string) zerolog.Logger {
	n := atomic.AddUint64(&sessionSeq, 1)
	return Log.With().
		Str("peer", addr).
		Uint64("session", n).
		Logger()
}
