// Package telemetry builds the process logger: JSON lines appended to
// <home>/logs/system.jsonl, optionally mirrored to stdout. Credentials are
// scrubbed and each record carries the request origin from its context.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/todo-agent/internal/shared"
)

// LogPath is where NewLogger writes under homeDir.
func LogPath(homeDir string) string {
	return filepath.Join(homeDir, "logs", "system.jsonl")
}

// NewLogger opens the system log. level may be changed at runtime. quiet
// keeps stdout free for an interactive UI.
func NewLogger(homeDir string, level *slog.LevelVar, quiet bool) (*slog.Logger, io.Closer, error) {
	path := LogPath(homeDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	return slog.New(NewHandler(w, level)).With("component", "todoagent"), file, nil
}

// NewHandler returns the scrubbing JSON handler NewLogger uses.
func NewHandler(w io.Writer, level slog.Leveler) slog.Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return originHandler{slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: scrub,
	})}
}

func scrub(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.TimeKey:
		a.Key = "timestamp"
	case shared.SensitiveKey(a.Key):
		a.Value = slog.StringValue("[REDACTED]")
	case a.Value.Kind() == slog.KindString:
		v := a.Value.String()
		lower := strings.ToLower(v)
		if strings.Contains(lower, "authorization:") || strings.Contains(lower, "bearer ") {
			a.Value = slog.StringValue("[REDACTED]")
		} else if r := shared.Redact(v); r != v {
			a.Value = slog.StringValue(r)
		}
	}
	return a
}

// originHandler stamps trace_id, session_id and channel on every record.
type originHandler struct {
	slog.Handler
}

func (h originHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(shared.OriginOf(ctx).LogAttrs()...)
	return h.Handler.Handle(ctx, r)
}

func (h originHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return originHandler{h.Handler.WithAttrs(attrs)}
}

func (h originHandler) WithGroup(name string) slog.Handler {
	return originHandler{h.Handler.WithGroup(name)}
}
