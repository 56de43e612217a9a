package sessionlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
)

// TeeHandler wraps a base slog.Handler and mirrors records at or above
// minLevel into the event store as KindLog rows. All records still reach the
// base handler; only the store write is gated by level.
type TeeHandler struct {
	base     slog.Handler
	store    *Store
	minLevel slog.Level
}

// NewTeeHandler wraps base. A nil store disables teeing without disabling
// the handler.
func NewTeeHandler(base slog.Handler, store *Store, minLevel slog.Level) *TeeHandler {
	return &TeeHandler{base: base, store: store, minLevel: minLevel}
}

// Enabled defers to the base handler; the tee threshold never hides records.
func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle forwards the record and, for sufficiently severe records, appends a
// row to the store. A store failure must not recurse into slog, so it goes
// to stderr directly.
func (h *TeeHandler) Handle(ctx context.Context, record slog.Record) error {
	err := h.base.Handle(ctx, record)

	if h.store != nil && record.Level >= h.minLevel {
		func() {
			defer func() {
				if r := recover(); r != nil {
					fmt.Fprintf(os.Stderr, "[session-log] tee panicked: %v\n%s\n", r, debug.Stack())
				}
			}()
			ev := Event{
				Time:   record.Time,
				Kind:   KindLog,
				Detail: record.Level.String() + " " + record.Message,
			}
			record.Attrs(func(attr slog.Attr) bool {
				if attr.Key == "session" {
					ev.Session = attr.Value.String()
				}
				if attr.Key == "clientId" {
					ev.Client = attr.Value.String()
				}
				return true
			})
			if recErr := h.store.Record(ev); recErr != nil {
				fmt.Fprintf(os.Stderr, "[session-log] tee record failed: %v\n", recErr)
			}
		}()
	}
	return err
}

// WithAttrs returns a TeeHandler whose base carries the attributes.
func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return &TeeHandler{base: h.base.WithAttrs(attrs), store: h.store, minLevel: h.minLevel}
}

// WithGroup returns a TeeHandler whose base carries the group.
func (h *TeeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &TeeHandler{base: h.base.WithGroup(name), store: h.store, minLevel: h.minLevel}
}
