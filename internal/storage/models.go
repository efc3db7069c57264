package storage

import (
	"time"

	"github.com/kalambet/folia/internal/records"
)

// ErrNotFound is returned when a requested row does not exist. It is the same
// value as records.ErrNotFound so callers can match either.
var ErrNotFound = records.ErrNotFound

// Change is one entry of the local change log.
type Change struct {
	ID       records.RecordID
	Status   records.SyncStatus
	Revision records.Revision
	Seq      int64
}

// RecordFilter narrows ListRecords. Zero values mean "any".
type RecordFilter struct {
	Status         records.SyncStatus
	DocumentID     string
	SpeciesKey     string
	CommunityKey   string
	Text           string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// Document statuses.
const (
	DocumentPending    = "pending"
	DocumentProcessing = "processing"
	DocumentProcessed  = "processed"
	DocumentFailed     = "failed"
)

// Document is an uploaded source document waiting for or done with extraction.
type Document struct {
	ID         string
	Name       string
	MimeType   string
	Content    []byte
	Status     string
	ResultJSON string
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // one of the Job* constants
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
