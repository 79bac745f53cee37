// Package logging builds the zerolog loggers used across the runtime.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/aristath/taskrt/internal/config"
	"github.com/aristath/taskrt/internal/errs"
)

// New returns a logger writing to w at the configured level. Format
// "console" renders human readable lines, anything else emits JSON.
func New(w io.Writer, cfg config.LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level %q: %w", cfg.Level, errs.ErrInvalidArgument)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := w
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.TimeOnly,
			NoColor:    !isTerminal(w),
		}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

// Component derives a child logger tagged with the component name.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd())
}

// Limited suppresses repeats of the same warning category. Each category
// gets its own sliding windows, so a flood of "pool exhausted" warnings for
// one stack class does not hide the first warning of another.
type Limited struct {
	log     zerolog.Logger
	limiter *catrate.Limiter
}

// DefaultRates allows a burst of 5 per second and 30 per minute per category.
func DefaultRates() map[time.Duration]int {
	return map[time.Duration]int{
		time.Second: 5,
		time.Minute: 30,
	}
}

// NewLimited wraps log. rates follows catrate.NewLimiter; nil uses DefaultRates.
func NewLimited(log zerolog.Logger, rates map[time.Duration]int) *Limited {
	if rates == nil {
		rates = DefaultRates()
	}
	return &Limited{log: log, limiter: catrate.NewLimiter(rates)}
}

// Warn returns a warning event for category, or nil when the category is
// over its rate. A nil *zerolog.Event discards everything written to it.
func (l *Limited) Warn(category any) *zerolog.Event {
	if _, ok := l.limiter.Allow(category); !ok {
		return nil
	}
	return l.log.Warn()
}
