// Package extract turns raw document bytes into candidate field matches.
//
// A Capability decodes the document once and returns a lazy, restartable
// sequence of CandidateMatch values. Matching is deterministic: the same
// bytes and the same capability version always yield the same candidates in
// the same order.
package extract

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

// Candidate fields.
const (
	FieldSpecies    = "species"
	FieldCommonName = "common_name"
	FieldCommunity  = "community"
	FieldRegion     = "region"
	FieldUse        = "use"
	FieldExcerpt    = "excerpt"
)

// Location points at the span a candidate was read from.
type Location struct {
	Page     int `json:"page"`
	Sentence int `json:"sentence"`
	Offset   int `json:"offset"`
	Length   int `json:"length"`
}

// CandidateMatch is a raw field value with its location and confidence.
type CandidateMatch struct {
	Field      string   `json:"field"`
	Text       string   `json:"text"`
	Location   Location `json:"location"`
	Confidence float64  `json:"confidence"`
}

// Candidates is a finite sequence of matches. Ranging over it again
// restarts matching from the first candidate.
type Candidates = iter.Seq[CandidateMatch]

// Capability is a pluggable extraction backend.
type Capability interface {
	ID() string
	Version() string
	Extract(ctx context.Context, data []byte, documentID string) (Candidates, error)
}

// ErrExtractionUnavailable is returned for documents that cannot be
// processed: corrupt, empty or of an unsupported format. It is never retried.
var ErrExtractionUnavailable = errors.New("extraction unavailable")

// UnavailableError carries the reason a document could not be processed.
type UnavailableError struct {
	DocumentID string
	Reason     string
	Err        error
}

func (e *UnavailableError) Error() string {
	msg := fmt.Sprintf("document %s: %s", e.DocumentID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UnavailableError) Is(target error) bool { return target == ErrExtractionUnavailable }

func (e *UnavailableError) Unwrap() error { return e.Err }

func unavailable(docID, reason string, err error) error {
	return &UnavailableError{DocumentID: docID, Reason: reason, Err: err}
}

// Collect drains seq, stopping early when ctx is cancelled.
func Collect(ctx context.Context, seq Candidates) ([]CandidateMatch, error) {
	var out []CandidateMatch
	for c := range seq {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
