package logger

import (
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Config captures options for the process-wide logger.
type Config struct {
	Level  string    // "debug", "info", "warn", "error"; empty means info
	Output io.Writer // defaults to os.Stderr
	File   string    // optional file that receives a copy of every entry
}

var (
	once sync.Once
	base zerolog.Logger
)

// Configure initialises the process logger exactly once. Later calls are
// no-ops, so libraries can call WithComponent without worrying about order.
// VIBETUNNEL_DEBUG forces debug level regardless of cfg.Level.
func Configure(cfg Config) {
	once.Do(func() {
		level := zerolog.InfoLevel
		if cfg.Level != "" {
			if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
				level = parsed
			}
		}
		if truthy(os.Getenv("VIBETUNNEL_DEBUG")) {
			level = zerolog.DebugLevel
		}
		zerolog.SetGlobalLevel(level)
		zerolog.TimeFieldFormat = time.RFC3339

		writer := cfg.Output
		if writer == nil {
			if term.IsTerminal(int(os.Stderr.Fd())) {
				writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
			} else {
				writer = os.Stderr
			}
		}
		if cfg.File != "" {
			if f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				writer = io.MultiWriter(writer, f)
			}
		}

		base = zerolog.New(writer).With().
			Timestamp().
			Str("service", "vibetunnel").
			Logger()
	})
}

func logger() zerolog.Logger {
	Configure(Config{})
	return base
}

// Base returns the configured root logger.
func Base() zerolog.Logger {
	return logger()
}

// WithComponent returns a child logger annotated with a component name.
func WithComponent(component string) zerolog.Logger {
	return logger().With().Str("component", component).Logger()
}

// WithSession returns a child logger annotated with a session id.
func WithSession(component, sessionID string) zerolog.Logger {
	return logger().With().Str("component", component).Str("session", sessionID).Logger()
}

func truthy(v string) bool {
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
