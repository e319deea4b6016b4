// Package shared holds the request metadata and redaction helpers every
// surface and the pipeline agree on.
package shared

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Origin identifies one request as it moves through the pipeline.
type Origin struct {
	TraceID   string
	SessionID string // connection, chat or terminal session
	Channel   string // websocket, http, cli or telegram
}

type originKey struct{}

// OriginOf returns the metadata carried by ctx; missing fields are empty.
func OriginOf(ctx context.Context) Origin {
	o, _ := ctx.Value(originKey{}).(Origin)
	return o
}

func withOrigin(ctx context.Context, edit func(*Origin)) context.Context {
	o := OriginOf(ctx)
	edit(&o)
	return context.WithValue(ctx, originKey{}, o)
}

// LogAttrs renders o for a log record. trace_id is always present.
func (o Origin) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{slog.String("trace_id", orDefault(o.TraceID, "-"))}
	if o.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", o.SessionID))
	}
	if o.Channel != "" {
		attrs = append(attrs, slog.String("channel", o.Channel))
	}
	return attrs
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withOrigin(ctx, func(o *Origin) { o.TraceID = traceID })
}

// TraceID returns the request's trace id, or "-".
func TraceID(ctx context.Context) string {
	return orDefault(OriginOf(ctx).TraceID, "-")
}

// EnsureTraceID gives ctx a fresh trace id unless it already has one.
func EnsureTraceID(ctx context.Context) context.Context {
	if OriginOf(ctx).TraceID != "" {
		return ctx
	}
	return WithTraceID(ctx, uuid.NewString())
}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return withOrigin(ctx, func(o *Origin) { o.SessionID = sessionID })
}

func SessionID(ctx context.Context) string {
	return OriginOf(ctx).SessionID
}

func WithChannel(ctx context.Context, channel string) context.Context {
	return withOrigin(ctx, func(o *Origin) { o.Channel = channel })
}

// Channel returns the surface the request arrived on, or "unknown".
func Channel(ctx context.Context) string {
	return orDefault(OriginOf(ctx).Channel, "unknown")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
