package app

import (
	"io"
	"log/slog"
)

// newLogger builds the App's isolated logger from its validated config. It
// never touches the global default, so concurrent App instances (one per
// test, typically) cannot bleed log output into each other.
func newLogger(cfg *Config, outW io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(outW, opts))
	}
	return slog.New(slog.NewTextHandler(outW, opts))
}
