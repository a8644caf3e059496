package logging

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	requestIDKey  contextKey = "request_id"
	instanceIDKey contextKey = "instance_id"
	itemKeyKey    contextKey = "item_key"
	callbackIDKey contextKey = "callback_id"
)

var contextKeys = []contextKey{requestIDKey, instanceIDKey, itemKeyKey, callbackIDKey}

// ContextWithInstanceID adds an instance ID to the context.
func ContextWithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceIDKey, id)
}

// ContextWithItemKey adds a tracker item key to the context.
func ContextWithItemKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, itemKeyKey, key)
}

// ContextWithCallbackID adds a callback ID to the context.
func ContextWithCallbackID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callbackIDKey, id)
}

// ContextWithRequestID adds an inbound request ID to the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// contextAttrs returns the identifiers stored in ctx, skipping keys present
// in seen.
func contextAttrs(ctx context.Context, seen map[string]bool) []any {
	if ctx == nil {
		return nil
	}
	var attrs []any
	for _, key := range contextKeys {
		if seen[string(key)] {
			continue
		}
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	return attrs
}

// contextHandler adds the identifiers of the record's context to every
// record logged through the *Context methods. Attributes set explicitly on
// the record win.
type contextHandler struct {
	slog.Handler
}

func newContextHandler(h slog.Handler) slog.Handler {
	if ch, ok := h.(contextHandler); ok {
		return ch
	}
	return contextHandler{Handler: h}
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	seen := make(map[string]bool, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		seen[a.Key] = true
		return true
	})
	r.Add(contextAttrs(ctx, seen)...)
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{Handler: h.Handler.WithGroup(name)}
}
