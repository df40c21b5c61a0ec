package app

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger creates a JSON logger writing to w at the named level
// (DEBUG, INFO, WARN or ERROR). Unknown levels fall back to INFO.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}
