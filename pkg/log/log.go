package log

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured once by Init.
var Logger zerolog.Logger

// Level is a recognized log verbosity, as loaded from config.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init configures the global Logger. Unrecognized levels fall back to
// InfoLevel rather than failing startup over a config typo.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger identifying which subsystem is
// logging (raft, sequencer, nodesync, ...).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNodeID creates a child logger carrying this cluster member's id.
// Term, batch index, and other per-call fields are attached directly on
// the zerolog chain at the call site (e.g. r.logger.Warn().Uint64("term",
// term).Msg(...)) rather than through dedicated child-logger helpers,
// since those fields vary per log line rather than per component.
func WithNodeID(nodeID string) zerolog.Logger {
	return Logger.With().Str("node_id", nodeID).Logger()
}

// Errorf logs err against the global Logger, substituting it into format
// (conventionally ending in "%v") and also attaching it as a structured
// field, for call sites outside a component's own logger (package init,
// cmd wiring) that still want the error reported.
func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(fmt.Sprintf(format, err))
}
