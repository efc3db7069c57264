package syncer

import (
	"fmt"

	"github.com/kalambet/folia/internal/records"
)

// Event is something that happened to a record during reconciliation.
type Event string

const (
	EventLocalChange     Event = "local_change"
	EventRemoteChange    Event = "remote_change"
	EventApplied         Event = "applied"
	EventRemoteConflict  Event = "remote_conflict"
	EventPushAccepted    Event = "push_accepted"
	EventTransportFailed Event = "transport_failed"
	EventKeepLocal       Event = "keep_local"
	EventTakeRemote      Event = "take_remote"
	EventMerge           Event = "merge"
)

type transition struct {
	from  records.SyncStatus
	event Event
}

var transitions = map[transition]records.SyncStatus{
	{records.StatusLocal, EventLocalChange}:    records.StatusPendingPush,
	{records.StatusLocal, EventRemoteConflict}: records.StatusConflict,

	{records.StatusPendingPush, EventLocalChange}:     records.StatusPendingPush,
	{records.StatusPendingPush, EventPushAccepted}:    records.StatusSynced,
	{records.StatusPendingPush, EventTransportFailed}: records.StatusPendingPush,
	{records.StatusPendingPush, EventRemoteConflict}:  records.StatusConflict,

	{records.StatusSynced, EventLocalChange}:    records.StatusPendingPush,
	{records.StatusSynced, EventRemoteChange}:   records.StatusPendingPull,
	{records.StatusSynced, EventRemoteConflict}: records.StatusConflict,

	{records.StatusPendingPull, EventApplied}:        records.StatusSynced,
	{records.StatusPendingPull, EventRemoteChange}:   records.StatusPendingPull,
	{records.StatusPendingPull, EventLocalChange}:    records.StatusPendingPush,
	{records.StatusPendingPull, EventRemoteConflict}: records.StatusConflict,

	{records.StatusConflict, EventLocalChange}:    records.StatusConflict,
	{records.StatusConflict, EventRemoteConflict}: records.StatusConflict,
	{records.StatusConflict, EventKeepLocal}:      records.StatusPendingPush,
	{records.StatusConflict, EventTakeRemote}:     records.StatusSynced,
	{records.StatusConflict, EventMerge}:          records.StatusPendingPush,
}

// Next returns the status a record in from moves to when ev happens.
func Next(from records.SyncStatus, ev Event) (records.SyncStatus, error) {
	to, ok := transitions[transition{from, ev}]
	if !ok {
		return from, fmt.Errorf("%s on %s: %w", ev, from, records.ErrInvalidTransition)
	}
	return to, nil
}

// Action is what the reconciler does with a remote change.
type Action int

const (
	ActionIgnore Action = iota
	ActionPull
	ActionConflict
)

func (a Action) String() string {
	switch a {
	case ActionIgnore:
		return "ignore"
	case ActionPull:
		return "pull"
	case ActionConflict:
		return "conflict"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Classify decides how to treat a remote change at remoteRevision for the
// local copy (nil when the record is unknown locally). Only revision
// counters are compared.
func Classify(local *records.ArticleRecord, remoteRevision records.Revision) Action {
	if local == nil {
		return ActionPull
	}
	if remoteRevision <= local.BaseRevision {
		return ActionIgnore
	}
	switch {
	case local.Status == records.StatusConflict,
		local.Status == records.StatusLocal,
		local.Status == records.StatusPendingPush,
		local.Dirty():
		return ActionConflict
	}
	return ActionPull
}
