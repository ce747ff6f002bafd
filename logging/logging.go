package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// logger fields
const (
	PACKAGE = "pkg"
	EVENT   = "event"
	ID      = "id"
	NAME    = "name"
	STATE   = "state"
	REMOTE  = "remote"
)

type Settings struct {
	Level  string `mapstructure:"level" toml:"level" validate:"omitempty,oneof=trace debug info warn error fatal panic disabled"`
	Format string `mapstructure:"format" toml:"format" validate:"omitempty,oneof=json text"`
}

// output is shared by every logger handed out by Package, so loggers created
// during package init pick up a later Configure.
type output struct {
	mu sync.RWMutex
	w  io.Writer
}

func (o *output) Write(p []byte) (int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.w.Write(p)
}

func (o *output) set(w io.Writer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.w = w
}

var out = &output{w: os.Stderr}

// Configure sets the global level and output. Format "text" selects a human
// readable console writer, anything else writes JSON.
func Configure(s Settings, w io.Writer) error {
	if w == nil {
		w = os.Stderr
	}

	level := zerolog.InfoLevel
	if s.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(s.Level))
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", s.Level, err)
		}
		level = l
	}

	zerolog.SetGlobalLevel(level)

	if strings.EqualFold(s.Format, "text") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	out.set(w)
	return nil
}

// Package returns a logger tagged with pkg=name.
func Package(name string) zerolog.Logger {
	return log.With().Str(PACKAGE, name).Logger()
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}
