package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/folia/internal/records"
)

// ErrBusy is returned when a record is being reconciled by a running cycle.
var ErrBusy = errors.New("record is being synced; try again")

// DecisionKind selects how a conflict is resolved.
type DecisionKind string

const (
	KeepLocal  DecisionKind = "keep_local"
	TakeRemote DecisionKind = "take_remote"
	Merge      DecisionKind = "merge"
)

// Decision is a user's answer to a conflict. Merged is required for Merge.
type Decision struct {
	Kind   DecisionKind           `json:"kind"`
	Merged *records.ArticleRecord `json:"merged,omitempty"`
}

func (d Decision) event() (Event, error) {
	switch d.Kind {
	case KeepLocal:
		return EventKeepLocal, nil
	case TakeRemote:
		return EventTakeRemote, nil
	case Merge:
		if d.Merged == nil {
			return "", errors.New("merge decision requires merged content")
		}
		return EventMerge, nil
	}
	return "", fmt.Errorf("unknown decision %q", d.Kind)
}

// ResolveConflict applies a user decision to a record in StatusConflict.
// Keeping local or merging rebases the local copy on the remote revision
// and queues it for push; taking remote replaces the local copy.
func (r *Reconciler) ResolveConflict(ctx context.Context, id records.RecordID, d Decision) (*records.ArticleRecord, error) {
	ev, err := d.event()
	if err != nil {
		return nil, err
	}
	if !r.acquire(id) {
		return nil, ErrBusy
	}
	defer r.release(id)

	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := Next(rec.Status, ev); err != nil {
		return nil, err
	}
	c, err := r.store.Conflict(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading conflict for %s: %w", id, err)
	}

	switch d.Kind {
	case KeepLocal:
		if _, err := r.store.Rebase(ctx, id, c.RemoteRevision, nil); err != nil {
			return nil, err
		}
	case Merge:
		if _, err := r.store.Rebase(ctx, id, c.RemoteRevision, d.Merged); err != nil {
			return nil, err
		}
	case TakeRemote:
		if c.Remote == nil {
			return nil, fmt.Errorf("conflict for %s has no remote snapshot", id)
		}
		if _, err := r.store.TakeRemote(ctx, id, c.Remote, c.RemoteRevision); err != nil {
			return nil, err
		}
	}

	if err := r.transition(ctx, rec, ev, nil); err != nil {
		return nil, err
	}
	r.retries.reset(id)
	r.logger.Info("conflict resolved", "record_id", id, "decision", d.Kind)
	return r.store.Get(ctx, id)
}
