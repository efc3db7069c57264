// Package events fans out sync status changes to in-process subscribers and,
// optionally, to a Redis channel.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/folia/internal/records"
)

// Kind names the type of an Event.
type Kind string

const (
	KindStatus   Kind = "status"
	KindCycle    Kind = "cycle"
	KindDocument Kind = "document"
)

// Event is one notification delivered to subscribers.
type Event struct {
	Kind     Kind               `json:"kind"`
	RecordID records.RecordID   `json:"record_id,omitempty"`
	From     records.SyncStatus `json:"from,omitempty"`
	To       records.SyncStatus `json:"to,omitempty"`
	Detail   string             `json:"detail,omitempty"`
	Data     any                `json:"data,omitempty"`
	At       time.Time          `json:"at"`
}

const defaultBuffer = 64

// Hub delivers published events to every live subscriber. Slow subscribers
// lose events rather than block the publisher.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[chan Event]struct{}),
		logger: logger,
	}
}

// Subscribe returns a channel of events that is closed when ctx is done.
// buffer <= 0 selects a default size.
func (h *Hub) Subscribe(ctx context.Context, buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, ch)
		close(ch)
		h.mu.Unlock()
	}()
	return ch
}

// Publish delivers e to all subscribers without blocking.
func (h *Hub) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
			h.logger.Debug("dropping event; subscriber buffer full", "kind", e.Kind, "record_id", e.RecordID)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
