// Package syncer reconciles locally stored records with a remote hub.
//
// A cycle has three phases. The local phase walks the change log and queues
// new or edited records for push. The pull phase applies remote changes or
// flags conflicts. The push phase sends queued records, retrying transport
// failures with capped exponential backoff. Record status only ever changes
// through the transition table in states.go.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/folia/internal/events"
	"github.com/kalambet/folia/internal/records"
	"github.com/kalambet/folia/internal/storage"
)

// State keys in the sync_state table.
const (
	stateLocalCursor  = "local_cursor"
	stateRemoteCursor = "remote_cursor"
	stateLastCycle    = "last_cycle"
)

const defaultBatchSize = 100

// Store is the local record gateway the reconciler drives.
type Store interface {
	Get(ctx context.Context, id records.RecordID) (*records.ArticleRecord, error)
	List(ctx context.Context, f storage.RecordFilter) ([]*records.ArticleRecord, error)
	ChangesSince(ctx context.Context, cursor records.Cursor, limit int) ([]storage.Change, records.Cursor, error)
	SetSyncStatus(ctx context.Context, id records.RecordID, status records.SyncStatus, conflict *records.Conflict) error
	ApplyRemoteIfUnchanged(ctx context.Context, id records.RecordID, remote *records.ArticleRecord, remoteRevision, seen records.Revision) error
	TakeRemote(ctx context.Context, id records.RecordID, remote *records.ArticleRecord, remoteRevision records.Revision) (*records.ArticleRecord, error)
	MarkPushed(ctx context.Context, id records.RecordID, pushedRevision, newRevision records.Revision) (records.SyncStatus, error)
	Rebase(ctx context.Context, id records.RecordID, remoteRevision records.Revision, merged *records.ArticleRecord) (*records.ArticleRecord, error)
	Conflict(ctx context.Context, id records.RecordID) (*records.Conflict, error)
}

// StateStore persists reconciler cursors.
type StateStore interface {
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error
}

// Transport talks to the remote hub.
type Transport interface {
	// Push sends rec built on base and returns the revision the remote
	// stored. A *records.ConflictError means the remote moved past base.
	Push(ctx context.Context, rec *records.ArticleRecord, base records.Revision) (records.Revision, error)
	// Pull returns remote changes after since and the cursor to resume from.
	Pull(ctx context.Context, since records.Cursor) ([]records.RemoteChange, records.Cursor, error)
}

// CycleReport summarizes one reconciliation cycle.
type CycleReport struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Queued     int       `json:"queued"`
	Pulled     int       `json:"pulled"`
	Ignored    int       `json:"ignored"`
	Conflicts  int       `json:"conflicts"`
	Pushed     int       `json:"pushed"`
	PushFailed int       `json:"push_failed"`
	Deferred   int       `json:"deferred"`
	Skipped    int       `json:"skipped"`
	Rejected   int       `json:"rejected"`
	PullFailed int       `json:"pull_failed"`
	Offline    bool      `json:"offline,omitempty"`
	PullError  string    `json:"pull_error,omitempty"`
}

// Config tunes the reconciler.
type Config struct {
	Backoff   Backoff
	BatchSize int
}

// Reconciler runs sync cycles.
type Reconciler struct {
	store     Store
	state     StateStore
	transport Transport
	hub       *events.Hub
	cfg       Config
	retries   *retryTracker
	flight    singleflight.Group
	now       func() time.Time
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[records.RecordID]struct{}
	last     *CycleReport
	shared   *sharedCycle
}

// sharedCycle is the context a running cycle uses. It is cancelled only
// when every SyncNow caller waiting on the cycle has given up.
type sharedCycle struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the time source used for backoff.
func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Reconciler) { r.logger = l } }

// WithHub publishes status transitions and cycle summaries to hub.
func WithHub(h *events.Hub) Option { return func(r *Reconciler) { r.hub = h } }

// New returns a reconciler. A nil transport runs only the local phase.
func New(store Store, state StateStore, transport Transport, cfg Config, opts ...Option) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	r := &Reconciler{
		store:     store,
		state:     state,
		transport: transport,
		cfg:       cfg,
		retries:   newRetryTracker(cfg.Backoff),
		now:       time.Now,
		logger:    slog.Default(),
		inflight:  make(map[records.RecordID]struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	if r.hub == nil {
		r.hub = events.NewHub(r.logger)
	}
	return r
}

// Hub returns the hub status events are published on.
func (r *Reconciler) Hub() *events.Hub { return r.hub }

// Subscribe streams status events until ctx is done.
func (r *Reconciler) Subscribe(ctx context.Context) <-chan events.Event {
	return r.hub.Subscribe(ctx, 0)
}

// LastReport returns the most recent completed cycle, if any.
func (r *Reconciler) LastReport() *CycleReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return nil
	}
	rep := *r.last
	return &rep
}

// Failures returns the consecutive push failures recorded for id.
func (r *Reconciler) Failures(id records.RecordID) int { return r.retries.failures(id) }

// SyncNow runs one cycle. Concurrent callers share the cycle in progress;
// it is cancelled once all of them have cancelled. A caller whose ctx ends
// first returns ctx.Err() while the others keep waiting. The last caller to
// leave waits for the cycle to stop before returning.
func (r *Reconciler) SyncNow(ctx context.Context) (CycleReport, error) {
	if err := ctx.Err(); err != nil {
		return CycleReport{}, err
	}
	for {
		sc := r.joinCycle(ctx)
		ch := r.flight.DoChan("cycle", func() (any, error) {
			defer r.endCycle(sc)
			return r.cycle(sc.ctx)
		})

		var res singleflight.Result
		select {
		case res = <-ch:
			r.leaveCycle(sc)
		case <-ctx.Done():
			if r.leaveCycle(sc) {
				<-ch
			}
			return CycleReport{}, ctx.Err()
		}

		// Joined a cycle abandoned by its own callers just before it ended.
		if errors.Is(res.Err, context.Canceled) && ctx.Err() == nil && sc.ctx.Err() == nil {
			continue
		}
		if res.Val == nil {
			return CycleReport{}, res.Err
		}
		return res.Val.(CycleReport), res.Err
	}
}

func (r *Reconciler) joinCycle(ctx context.Context) *sharedCycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shared == nil {
		cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		r.shared = &sharedCycle{ctx: cctx, cancel: cancel}
	}
	r.shared.waiters++
	return r.shared
}

// leaveCycle drops one waiter and reports whether it was the last.
func (r *Reconciler) leaveCycle(sc *sharedCycle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc.waiters--
	if sc.waiters > 0 {
		return false
	}
	sc.cancel()
	if r.shared == sc {
		r.shared = nil
	}
	return true
}

func (r *Reconciler) endCycle(sc *sharedCycle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shared == sc {
		r.shared = nil
	}
}

func (r *Reconciler) cycle(ctx context.Context) (CycleReport, error) {
	rep := CycleReport{StartedAt: r.now().UTC()}

	if err := r.localPhase(ctx, &rep); err != nil {
		return rep, fmt.Errorf("local phase: %w", err)
	}

	if r.transport == nil {
		rep.Offline = true
	} else {
		if err := r.pullPhase(ctx, &rep); err != nil {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			if !records.IsTransport(err) {
				return rep, fmt.Errorf("pull phase: %w", err)
			}
			rep.PullError = err.Error()
			if records.IsTemporary(err) {
				r.logger.Warn("pull failed; will retry next cycle", "error", err)
			} else {
				r.logger.Error("remote refused the pull; check remote settings", "error", err)
			}
		}
		if err := r.pushPhase(ctx, &rep); err != nil {
			return rep, fmt.Errorf("push phase: %w", err)
		}
	}

	rep.FinishedAt = r.now().UTC()
	if err := r.state.SetState(context.WithoutCancel(ctx), stateLastCycle, rep.FinishedAt.Format(time.RFC3339)); err != nil {
		r.logger.Warn("saving last cycle time", "error", err)
	}
	r.mu.Lock()
	last := rep
	r.last = &last
	r.mu.Unlock()

	r.hub.Publish(events.Event{Kind: events.KindCycle, Data: rep, At: rep.FinishedAt})
	r.logger.Info("sync cycle finished",
		"queued", rep.Queued, "pulled", rep.Pulled, "pushed", rep.Pushed,
		"conflicts", rep.Conflicts, "push_failed", rep.PushFailed, "rejected", rep.Rejected,
		"pull_failed", rep.PullFailed, "offline", rep.Offline)
	return rep, nil
}

// localPhase queues records that are new or were edited since the last push.
func (r *Reconciler) localPhase(ctx context.Context, rep *CycleReport) error {
	cursor, err := r.state.GetState(ctx, stateLocalCursor)
	if err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		changes, next, err := r.store.ChangesSince(ctx, records.Cursor(cursor), r.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, ch := range changes {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			queued, err := r.settleLocal(context.WithoutCancel(ctx), ch.ID)
			if err != nil {
				return err
			}
			if queued {
				rep.Queued++
			}
		}
		if len(changes) == 0 {
			return nil
		}
		cursor = string(next)
		if err := r.state.SetState(ctx, stateLocalCursor, cursor); err != nil {
			return err
		}
		if len(changes) < r.cfg.BatchSize {
			return nil
		}
	}
}

func (r *Reconciler) settleLocal(ctx context.Context, id records.RecordID) (bool, error) {
	if !r.acquire(id) {
		return false, nil
	}
	defer r.release(id)

	rec, err := r.store.Get(ctx, id)
	if errors.Is(err, records.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var ev Event
	switch rec.Status {
	case records.StatusLocal:
		ev = EventLocalChange
	case records.StatusSynced, records.StatusPendingPull:
		if !rec.Dirty() {
			if rec.Status == records.StatusPendingPull {
				// An apply interrupted before its status was settled.
				return false, r.transition(ctx, rec, EventApplied, nil)
			}
			return false, nil
		}
		ev = EventLocalChange
	default:
		return false, nil
	}
	if err := r.transition(ctx, rec, ev, nil); err != nil {
		return false, err
	}
	return true, nil
}

// pullPhase applies the remote change feed.
func (r *Reconciler) pullPhase(ctx context.Context, rep *CycleReport) error {
	cursor, err := r.state.GetState(ctx, stateRemoteCursor)
	if err != nil {
		return err
	}
	changes, next, err := r.transport.Pull(ctx, records.Cursor(cursor))
	if err != nil {
		return err
	}
	retry := false
	for _, ch := range changes {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := r.settleRemote(context.WithoutCancel(ctx), ch, rep)
		switch {
		case err == nil:
		case errors.Is(err, errRejected):
			// The change can never apply; a later revision of the record
			// arrives as a new change, so the cursor moves past it.
			rep.Rejected++
			r.logger.Warn("rejected remote change", "record_id", ch.ID, "revision", ch.Revision, "error", err)
		default:
			rep.PullFailed++
			retry = true
			r.logger.Error("applying remote change failed; will retry next cycle", "record_id", ch.ID, "error", err)
		}
	}
	if retry || rep.Skipped > 0 {
		// Leave the cursor so skipped and failed changes are seen again.
		return nil
	}
	return r.state.SetState(ctx, stateRemoteCursor, string(next))
}

// errRejected marks remote changes that are invalid as sent.
var errRejected = errors.New("invalid remote change")

func (r *Reconciler) settleRemote(ctx context.Context, ch records.RemoteChange, rep *CycleReport) error {
	if ch.Record == nil {
		return fmt.Errorf("%w: no record", errRejected)
	}
	if err := ch.Record.Validate(); err != nil {
		return fmt.Errorf("%w: %w", errRejected, err)
	}
	if !r.acquire(ch.ID) {
		rep.Skipped++
		return nil
	}
	defer r.release(ch.ID)

	local, err := r.store.Get(ctx, ch.ID)
	switch {
	case errors.Is(err, records.ErrNotFound):
		local = nil
	case err != nil:
		return err
	}

	switch Classify(local, ch.Revision) {
	case ActionIgnore:
		rep.Ignored++
		return nil
	case ActionConflict:
		rep.Conflicts++
		return r.transition(ctx, local, EventRemoteConflict, &records.Conflict{RemoteRevision: ch.Revision, Remote: ch.Record})
	}

	var seen records.Revision
	if local != nil {
		if err := r.transition(ctx, local, EventRemoteChange, nil); err != nil {
			return err
		}
		local.Status = records.StatusPendingPull
		seen = local.Revision
	}
	err = r.store.ApplyRemoteIfUnchanged(ctx, ch.ID, ch.Record, ch.Revision, seen)
	if errors.Is(err, records.ErrStaleRemoteWrite) {
		// Edited locally after the classification.
		rep.Conflicts++
		fresh, gerr := r.store.Get(ctx, ch.ID)
		if gerr != nil {
			return gerr
		}
		return r.transition(ctx, fresh, EventRemoteConflict, &records.Conflict{RemoteRevision: ch.Revision, Remote: ch.Record})
	}
	if err != nil {
		return err
	}
	if local == nil {
		local = &records.ArticleRecord{ID: ch.ID, Status: records.StatusPendingPull}
	}
	rep.Pulled++
	return r.transition(ctx, local, EventApplied, nil)
}

// pushPhase sends every queued record whose retry delay has elapsed.
func (r *Reconciler) pushPhase(ctx context.Context, rep *CycleReport) error {
	pending, err := r.store.List(ctx, storage.RecordFilter{Status: records.StatusPendingPush, IncludeDeleted: true})
	if err != nil {
		return err
	}
	for _, rec := range pending {
		if ctx.Err() != nil {
			// Unsent records stay PendingPush.
			return nil
		}
		if !r.retries.ready(rec.ID, r.now()) {
			rep.Deferred++
			continue
		}
		if !r.acquire(rec.ID) {
			rep.Skipped++
			continue
		}
		err := r.pushOne(ctx, rec, rep)
		r.release(rec.ID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) pushOne(ctx context.Context, snapshot *records.ArticleRecord, rep *CycleReport) error {
	// Re-read under the in-flight token; the listed copy may be stale.
	rec, err := r.store.Get(ctx, snapshot.ID)
	if err != nil {
		return err
	}
	if rec.Status != records.StatusPendingPush {
		return nil
	}

	newRev, err := r.transport.Push(ctx, rec, rec.BaseRevision)
	settle := context.WithoutCancel(ctx)
	var conflict *records.ConflictError
	switch {
	case err == nil:
		r.retries.reset(rec.ID)
		status, err := r.store.MarkPushed(settle, rec.ID, rec.Revision, newRev)
		if err != nil {
			return err
		}
		rep.Pushed++
		r.publish(rec.ID, records.StatusPendingPush, status, "")
		return nil
	case errors.As(err, &conflict):
		r.retries.reset(rec.ID)
		rep.Conflicts++
		return r.transition(settle, rec, EventRemoteConflict, &records.Conflict{RemoteRevision: conflict.RemoteRevision, Remote: conflict.Remote})
	case ctx.Err() != nil:
		return nil
	default:
		rep.PushFailed++
		n, delay := r.retries.fail(rec.ID, r.now())
		if _, terr := Next(rec.Status, EventTransportFailed); terr != nil {
			return terr
		}
		log := r.logger.Warn
		if records.IsTransport(err) && !records.IsTemporary(err) {
			log = r.logger.Error
		}
		log("push failed; record stays pending",
			"record_id", rec.ID, "attempt", n, "retry_in", delay, "error", err)
		r.publish(rec.ID, rec.Status, rec.Status, err.Error())
		return nil
	}
}

// transition moves rec along ev and persists the new status.
func (r *Reconciler) transition(ctx context.Context, rec *records.ArticleRecord, ev Event, conflict *records.Conflict) error {
	to, err := Next(rec.Status, ev)
	if err != nil {
		return err
	}
	if err := r.store.SetSyncStatus(ctx, rec.ID, to, conflict); err != nil {
		return fmt.Errorf("record %s: %w", rec.ID, err)
	}
	r.publish(rec.ID, rec.Status, to, string(ev))
	return nil
}

func (r *Reconciler) publish(id records.RecordID, from, to records.SyncStatus, detail string) {
	r.hub.Publish(events.Event{Kind: events.KindStatus, RecordID: id, From: from, To: to, Detail: detail})
}

// acquire claims id for this cycle; records already being reconciled are
// skipped rather than waited on.
func (r *Reconciler) acquire(id records.RecordID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[id]; busy {
		return false
	}
	r.inflight[id] = struct{}{}
	return true
}

func (r *Reconciler) release(id records.RecordID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, id)
}
