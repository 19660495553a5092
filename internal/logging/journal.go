package logging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultJournalSize is the number of events a Journal keeps.
const DefaultJournalSize = 500

// Event is a warning or error captured by the journal. The fields the
// engine logs consistently are lifted out; everything else stays in
// Attrs.
type Event struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Interface string         `json:"interface,omitempty"`
	Operation string         `json:"operation,omitempty"`
	Peer      string         `json:"peer,omitempty"`
	Error     string         `json:"error,omitempty"`
	Hint      string         `json:"hint,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Journal holds the most recent warning and error events in a fixed
// ring.
type Journal struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

// NewJournal creates a journal holding up to size events.
func NewJournal(size int) *Journal {
	if size <= 0 {
		size = DefaultJournalSize
	}
	return &Journal{events: make([]Event, size)}
}

func (j *Journal) add(e Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events[j.next] = e
	j.next = (j.next + 1) % len(j.events)
	if j.next == 0 {
		j.full = true
	}
}

// Recent returns up to n events, oldest first. minLevel filters out
// anything less severe.
func (j *Journal) Recent(n int, minLevel slog.Level) []Event {
	j.mu.Lock()
	defer j.mu.Unlock()

	var ordered []Event
	if j.full {
		ordered = append(ordered, j.events[j.next:]...)
	}
	ordered = append(ordered, j.events[:j.next]...)

	out := make([]Event, 0, min(n, len(ordered)))
	for i := len(ordered) - 1; i >= 0 && len(out) < n; i-- {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(ordered[i].Level)); err == nil && lvl < minLevel {
			continue
		}
		out = append(out, ordered[i])
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}

// Len returns the number of stored events.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.full {
		return len(j.events)
	}
	return j.next
}

// journalHandler forwards to primary and copies WARN+ records into the
// journal.
type journalHandler struct {
	primary slog.Handler
	journal *Journal
	attrs   []slog.Attr
	group   string
}

func (h *journalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelWarn || h.primary.Enabled(ctx, level)
}

func (h *journalHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		e := Event{Time: r.Time, Level: r.Level.String(), Message: r.Message}
		for _, a := range h.attrs {
			e.set(a)
		}
		r.Attrs(func(a slog.Attr) bool {
			e.set(a)
			return true
		})
		h.journal.add(e)
	}
	if !h.primary.Enabled(ctx, r.Level) {
		return nil
	}
	return h.primary.Handle(ctx, r)
}

func (e *Event) set(a slog.Attr) {
	v := a.Value.Resolve()
	switch a.Key {
	case "interface":
		e.Interface = v.String()
	case "operation":
		e.Operation = v.String()
	case "peer":
		e.Peer = v.String()
	case "hint":
		e.Hint = v.String()
	case "error":
		if err, ok := v.Any().(error); ok {
			e.Error = err.Error()
		} else {
			e.Error = fmt.Sprint(v.Any())
		}
	default:
		if e.Attrs == nil {
			e.Attrs = make(map[string]any)
		}
		e.Attrs[a.Key] = v.Any()
	}
}

func (h *journalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if h.group != "" {
		// Grouped attributes are not lifted into event fields.
		return &journalHandler{primary: h.primary.WithAttrs(attrs), journal: h.journal, attrs: h.attrs, group: h.group}
	}
	return &journalHandler{
		primary: h.primary.WithAttrs(attrs),
		journal: h.journal,
		attrs:   append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...),
	}
}

func (h *journalHandler) WithGroup(name string) slog.Handler {
	return &journalHandler{
		primary: h.primary.WithGroup(name),
		journal: h.journal,
		attrs:   h.attrs,
		group:   name,
	}
}
