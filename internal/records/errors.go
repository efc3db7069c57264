package records

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when a record or entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoEntityMatched is returned for records that reference neither a
	// species nor a community.
	ErrNoEntityMatched = errors.New("record references no species or community")

	// ErrStaleRemoteWrite is returned when a remote write is not newer than
	// the locally stored revision.
	ErrStaleRemoteWrite = errors.New("stale remote write")

	// ErrInvalidTransition is returned for a sync event the current status
	// does not accept.
	ErrInvalidTransition = errors.New("invalid sync transition")

	// ErrConflict matches any *ConflictError via errors.Is.
	ErrConflict = errors.New("remote conflict")
)

// ConflictError reports that the remote holds a revision the push did not
// build on.
type ConflictError struct {
	ID             RecordID
	RemoteRevision Revision
	Remote         *ArticleRecord
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("record %s: remote is at revision %d", e.ID, e.RemoteRevision)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// TransportError wraps a failure to reach or talk to the remote. Status is
// the HTTP status the remote answered with, zero when no response arrived.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport %s (status %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the same request may succeed: the
// remote was unreachable, failed, or asked to slow down.
func (e *TransportError) Temporary() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsTransport reports whether err is or wraps a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsTemporary reports whether err wraps a *TransportError worth retrying.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Temporary()
}
