package syncer

import (
	"sync"
	"time"

	"github.com/kalambet/folia/internal/records"
)

// Default retry schedule for failed pushes.
const (
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 5 * time.Minute
)

// Backoff is a capped exponential retry schedule.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before attempt n+1 after n consecutive failures:
// Base*2^(n-1), never more than Cap.
func (b Backoff) Delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	base, limit := b.Base, b.Cap
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if limit <= 0 {
		limit = DefaultBackoffCap
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= limit || d <= 0 {
			return limit
		}
	}
	return min(d, limit)
}

type retryState struct {
	failures int
	next     time.Time
}

// retryTracker counts consecutive push failures per record. It lives in
// memory; after a restart every pending record is retried immediately.
type retryTracker struct {
	mu      sync.Mutex
	backoff Backoff
	state   map[records.RecordID]retryState
}

func newRetryTracker(b Backoff) *retryTracker {
	return &retryTracker{backoff: b, state: make(map[records.RecordID]retryState)}
}

func (t *retryTracker) ready(id records.RecordID, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.state[id]
	return !ok || !now.Before(s.next)
}

// fail records a failure and returns the delay before the next attempt.
func (t *retryTracker) fail(id records.RecordID, now time.Time) (int, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state[id]
	s.failures++
	d := t.backoff.Delay(s.failures)
	s.next = now.Add(d)
	t.state[id] = s
	return s.failures, d
}

func (t *retryTracker) reset(id records.RecordID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, id)
}

func (t *retryTracker) failures(id records.RecordID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state[id].failures
}
