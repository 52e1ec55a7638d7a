package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Packages derive their own loggers from
// it through WithComponent.
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Config controls process logging
type Config struct {
	// Level is one of debug, info, warn, error
	Level string

	// JSONOutput selects machine-readable output over the console format
	JSONOutput bool

	// Output defaults to stdout
	Output io.Writer
}

// Init configures the global logger. Safe to call more than once, the last
// call wins.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent derives a child logger tagged with the component name
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
