// Package remote implements the sync hub: the server other devices push to
// and pull from, its stores, and the HTTP transport the reconciler uses.
package remote

import (
	"context"
	"sort"
	"sync"

	"github.com/kalambet/folia/internal/records"
)

// HubStore holds the authoritative copy of every record on the hub.
type HubStore interface {
	// Put stores rec if the hub is still at base. It returns the revision
	// stored, or a *records.ConflictError carrying the hub's copy.
	Put(ctx context.Context, rec *records.ArticleRecord, base records.Revision) (records.Revision, error)
	// Changes returns records changed after seq, oldest first, with the
	// sequence number to resume from.
	Changes(ctx context.Context, since int64, limit int) ([]records.RemoteChange, int64, error)
	// Get returns the hub's copy of a record.
	Get(ctx context.Context, id records.RecordID) (*records.ArticleRecord, records.Revision, error)
}

// nextRevision is the revision a hub stores for an accepted push: the
// pushed revision when it moves forward, otherwise one past current.
func nextRevision(pushed, current records.Revision) records.Revision {
	if pushed > current {
		return pushed
	}
	return current + 1
}

type memEntry struct {
	rec *records.ArticleRecord
	rev records.Revision
	seq int64
}

// MemoryHub is an in-process HubStore. Contents are lost on exit.
type MemoryHub struct {
	mu      sync.Mutex
	entries map[records.RecordID]*memEntry
	seq     int64
}

// NewMemoryHub returns an empty hub store.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{entries: make(map[records.RecordID]*memEntry)}
}

func (h *MemoryHub) Put(_ context.Context, rec *records.ArticleRecord, base records.Revision) (records.Revision, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var current records.Revision
	var stored *records.ArticleRecord
	if e, ok := h.entries[rec.ID]; ok {
		current, stored = e.rev, e.rec
	}
	if current != base {
		return 0, &records.ConflictError{ID: rec.ID, RemoteRevision: current, Remote: stored.Clone()}
	}

	rev := nextRevision(rec.Revision, current)
	h.seq++
	stored = rec.Clone()
	stored.Revision, stored.BaseRevision = rev, rev
	h.entries[rec.ID] = &memEntry{rec: stored, rev: rev, seq: h.seq}
	return rev, nil
}

func (h *MemoryHub) Changes(_ context.Context, since int64, limit int) ([]records.RemoteChange, int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var list []*memEntry
	for _, e := range h.entries {
		if e.seq > since {
			list = append(list, e)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}

	next := since
	out := make([]records.RemoteChange, 0, len(list))
	for _, e := range list {
		out = append(out, records.RemoteChange{ID: e.rec.ID, Revision: e.rev, Record: e.rec.Clone()})
		next = e.seq
	}
	return out, next, nil
}

func (h *MemoryHub) Get(_ context.Context, id records.RecordID) (*records.ArticleRecord, records.Revision, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[id]
	if !ok {
		return nil, 0, records.ErrNotFound
	}
	return e.rec.Clone(), e.rev, nil
}
