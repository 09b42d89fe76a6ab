// Package logging owns the process-wide slog configuration. Loggers handed
// out by L before Init runs follow whatever Init later configures.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync/atomic"
)

// Key constants for structured log fields.
const (
	KeyComponent  = "component"
	KeySession    = "session"
	KeyDisplay    = "display"
	KeyStatus     = "status"
	KeyDurationMs = "durationMs"
	KeyError      = "error"
)

type contextKey struct{}

// destination is one configuration applied by Init. Handlers of any
// concrete type go behind the same pointer type.
type destination struct {
	handler slog.Handler
}

var current atomic.Pointer[destination]

// derive is one With or WithGroup call, replayed onto each new destination.
type derive func(slog.Handler) slog.Handler

// bound is a derived handler together with the destination it came from.
type bound struct {
	dst     *destination
	handler slog.Handler
}

// lateHandler resolves against the current destination on every record and
// rebuilds its derived handler only when Init has swapped the destination.
type lateHandler struct {
	chain []derive
	cache atomic.Pointer[bound]
}

func (h *lateHandler) resolve() slog.Handler {
	dst := current.Load()
	if b := h.cache.Load(); b != nil && b.dst == dst {
		return b.handler
	}
	handler := dst.handler
	for _, d := range h.chain {
		handler = d(handler)
	}
	h.cache.Store(&bound{dst: dst, handler: handler})
	return handler
}

func (h *lateHandler) extend(d derive) *lateHandler {
	return &lateHandler{chain: append(slices.Clip(h.chain), d)}
}

func (h *lateHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *lateHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *lateHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	attrs = slices.Clone(attrs)
	return h.extend(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

func (h *lateHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.extend(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

var defaultLogger = slog.New(&lateHandler{})

func init() {
	configure(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(defaultLogger)
}

func configure(h slog.Handler) {
	current.Store(&destination{handler: h})
}

// Init sets the output of every logger, including those created earlier.
// format is "json" or "text"; level is one of debug, info, warn, error.
// A nil output means stderr, since stdout carries command output.
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		configure(slog.NewJSONHandler(output, opts))
		return
	}
	configure(slog.NewTextHandler(output, opts))
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// WithSession adds display session correlation fields to logger.
func WithSession(logger *slog.Logger, sessionID, display string) *slog.Logger {
	if display == "" {
		display = "desktop"
	}
	return logger.With(
		slog.String(KeySession, sessionID),
		slog.String(KeyDisplay, display),
	)
}

func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger stored by NewContext, or the default one.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

// ParseLevel maps a config string onto a slog level. Unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
