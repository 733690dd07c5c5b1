package app

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ncecere/tabscribe/backend/internal/config"
)

// NewLogger builds the process logger from the log section. Unknown levels
// fall back to info; any format other than "text" logs JSON.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
