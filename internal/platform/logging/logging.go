// Package logging builds the process logger from LOG_FORMAT and LOG_LEVEL.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"github.com/applaude-labs/applaude-go/internal/platform/env"
)

const (
	FormatJSON = "json"
	FormatText = "text"
)

type Config struct {
	Format    string
	Level     slog.Level
	AddSource bool
}

func ConfigFromEnv() (Config, error) {
	addSource, err := env.Bool("LOG_ADD_SOURCE", false)
	if err != nil {
		return Config{}, err
	}
	level, err := ParseLevel(env.String("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}
	format := strings.ToLower(strings.TrimSpace(env.String("LOG_FORMAT", FormatJSON)))
	switch format {
	case "":
		format = FormatJSON
	case FormatJSON, FormatText:
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be json or text (got %q)", format)
	}
	return Config{Format: format, Level: level, AddSource: addSource}, nil
}

func ParseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(raw) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

// New returns a JSON logger, or a colored console logger for the text format.
func New(w io.Writer, cfg Config) *slog.Logger {
	if cfg.Format == FormatText {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      cfg.Level,
			AddSource:  cfg.AddSource,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}))
}
