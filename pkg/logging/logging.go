package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Settings struct {
	Level string
	// Format is auto, console or json. auto picks console on a terminal.
	Format string
}

// Init configures the global zerolog logger.
func Init(s Settings) error {
	w, err := writerFor(s.Format, os.Stderr)
	if err != nil {
		return err
	}
	level, err := parseLevel(s.Level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return nil
}

func parseLevel(s string) (zerolog.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	if s == "warning" {
		s = "warn"
	}
	l, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel, errors.Wrapf(err, "log level %q", s)
	}
	return l, nil
}

func writerFor(format string, f *os.File) (io.Writer, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "auto":
		if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
			return zerolog.ConsoleWriter{Out: f, TimeFormat: time.Kitchen}, nil
		}
		return f, nil
	case "console", "text":
		return zerolog.ConsoleWriter{Out: f, TimeFormat: time.Kitchen, NoColor: !isatty.IsTerminal(f.Fd())}, nil
	case "json":
		return f, nil
	default:
		return nil, errors.Errorf("unknown log format %q", format)
	}
}
