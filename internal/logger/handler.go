package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	tenantKey ctxKey = iota
	jobKey
	sourceKey
)

// WithTenant returns a context whose log records carry tenant_id.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// WithJob returns a context whose log records carry job_id and source_id.
func WithJob(ctx context.Context, jobID, sourceID string) context.Context {
	ctx = context.WithValue(ctx, jobKey, jobID)
	return context.WithValue(ctx, sourceKey, sourceID)
}

type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ctx.Value(tenantKey).(string); ok && id != "" {
		r.AddAttrs(slog.String("tenant_id", id))
	}
	if id, ok := ctx.Value(jobKey).(string); ok && id != "" {
		r.AddAttrs(slog.String("job_id", id))
	}
	if id, ok := ctx.Value(sourceKey).(string); ok && id != "" {
		r.AddAttrs(slog.String("source_id", id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// New builds the process logger. format is "json" or "text".
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(NewContextHandler(h))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
