// Package logging provides the structured logger shared by every twitchcore
// process (supervisor, hub, monitor, worker).
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger construction. Mirrors the env-driven LogLevel /
// LogFormat knobs every cmd/* binary exposes via internal/config.
type Config struct {
	Level     string // debug | info | warn | error
	Format    string // "pretty" for console output; any other value gives JSON
	Service   string // "supervisor" | "hub" | "monitor" | "worker"
	AddCaller bool
}

// New builds a zerolog.Logger configured for JSON (Loki-compatible) or
// human-readable console output, tagged with the owning service name so
// multiplexed logs from several processes can be told apart.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(output).With().Timestamp().Str("service", cfg.Service)
	if cfg.AddCaller {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

// LogPanic records a recovered panic with a full stack trace, for use from a
// deferred recover() in a long-running task loop. No task loop in this
// module recovers panics or calls it.
func LogPanic(logger zerolog.Logger, panicValue any, msg string, fields map[string]any) {
	event := logger.Error().
		Interface("panic_value", panicValue).
		Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}
