// Package logstream tees structured log records into a fan-out hub so
// operators can tail the process log over an event stream.
package logstream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowlens/gateway/internal/audit"
)

// Event is one log record as delivered to stream subscribers.
type Event struct {
	Seq     uint64         `json:"seq"`
	Time    time.Time      `json:"ts"`
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Hub distributes log events to subscribers. Slow subscribers lose events
// rather than stalling the logger.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
	seq  uint64
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a consumer. The cancel func must be called once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 128)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *Hub) publish(ev Event) {
	h.mu.Lock()
	h.seq++
	ev.Seq = h.seq
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Handler is a slog.Handler that forwards every record to the hub and then
// to the wrapped base handler.
type Handler struct {
	base     slog.Handler
	hub      *Hub
	redactor *audit.Redactor
	attrs    []slog.Attr
}

// NewHandler wraps base. Fields on the redactor's list are replaced before
// they reach any subscriber.
func NewHandler(base slog.Handler, hub *Hub, redactor *audit.Redactor) *Handler {
	if redactor == nil {
		redactor = audit.NewRedactor(nil, nil)
	}
	return &Handler{base: base, hub: hub, redactor: redactor}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	ev := Event{
		Time:    rec.Time,
		Level:   rec.Level.String(),
		Message: rec.Message,
	}
	attrs := make(map[string]any, rec.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[a.Key] = h.attrValue(a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = h.attrValue(a)
		return true
	})
	if len(attrs) > 0 {
		ev.Attrs = attrs
	}
	h.hub.publish(ev)
	return h.base.Handle(ctx, rec)
}

func (h *Handler) attrValue(a slog.Attr) any {
	if h.redactor.FieldRedacted(a.Key) {
		return audit.Placeholder
	}
	return a.Value.Resolve().Any()
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{
		base:     h.base.WithAttrs(attrs),
		hub:      h.hub,
		redactor: h.redactor,
		attrs:    append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{
		base:     h.base.WithGroup(name),
		hub:      h.hub,
		redactor: h.redactor,
		attrs:    h.attrs,
	}
}
