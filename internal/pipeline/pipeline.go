// Package pipeline turns uploaded documents into stored records:
// extract candidates, build drafts, persist them, then nudge the reconciler.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/folia/internal/builder"
	"github.com/kalambet/folia/internal/events"
	"github.com/kalambet/folia/internal/extract"
	"github.com/kalambet/folia/internal/records"
)

// DefaultCapability is used when the configuration names none.
const DefaultCapability = "rules"

// CapabilitySource resolves an extraction capability by id.
type CapabilitySource interface {
	Get(id string) (extract.Capability, error)
}

// Store persists drafts and resolves existing entities.
type Store interface {
	builder.EntityLookup
	Upsert(ctx context.Context, rec *records.ArticleRecord, meta *records.ExtractionMetadata) (records.RecordID, bool, error)
}

// SyncTrigger requests a sync cycle without waiting for it.
type SyncTrigger interface {
	Trigger()
}

// DocumentResult is the outcome of processing one document.
type DocumentResult struct {
	DocumentID     string                    `json:"document_id"`
	RecordsCreated []records.RecordID        `json:"records_created"`
	RecordsSkipped []records.RecordID        `json:"records_skipped"`
	Issues         []builder.ValidationIssue `json:"issues"`
	ExtractorError string                    `json:"extractor_error,omitempty"`
	Unavailable    bool                      `json:"unavailable,omitempty"`
	Capability     string                    `json:"capability,omitempty"`
	DurationMs     int64                     `json:"duration_ms"`
}

// Created returns how many new records were stored.
func (r DocumentResult) Created() int { return len(r.RecordsCreated) }

// Skipped returns how many drafts matched an existing fingerprint.
func (r DocumentResult) Skipped() int { return len(r.RecordsSkipped) }

// Failed reports whether extraction itself failed.
func (r DocumentResult) Failed() bool { return r.ExtractorError != "" }

// Document is one input to ProcessBatch.
type Document struct {
	ID   string
	Data []byte
}

// Orchestrator runs documents through the pipeline.
type Orchestrator struct {
	caps    CapabilitySource
	store   Store
	trigger SyncTrigger
	hub     *events.Hub
	logger  *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTrigger kicks t after a document produced new records.
func WithTrigger(t SyncTrigger) Option { return func(o *Orchestrator) { o.trigger = t } }

// WithHub publishes a document event per processed document.
func WithHub(h *events.Hub) Option { return func(o *Orchestrator) { o.hub = h } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// New returns an orchestrator.
func New(caps CapabilitySource, store Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{caps: caps, store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Process extracts records from data and stores them. Extraction failures
// and cancellation before anything was built leave the store untouched.
// The first storage failure stops the remaining drafts; records already
// stored stay stored.
func (o *Orchestrator) Process(ctx context.Context, documentID string, data []byte, cfg records.AppConfiguration) (res DocumentResult) {
	start := time.Now()
	res.DocumentID = documentID
	defer func() {
		res.DurationMs = time.Since(start).Milliseconds()
	}()

	drafts, err := o.extract(ctx, documentID, data, cfg, &res)
	if err != nil {
		res.ExtractorError = err.Error()
		res.Unavailable = errors.Is(err, extract.ErrExtractionUnavailable)
		o.logger.Warn("extraction failed", "document_id", documentID, "capability", res.Capability, "error", err)
		o.notify(res)
		return res
	}

	for _, d := range drafts {
		id, created, err := o.store.Upsert(ctx, d.Record, d.Metadata)
		if err != nil {
			res.Issues = append(res.Issues, builder.ValidationIssue{
				Kind:       builder.IssueStorageFailed,
				DocumentID: documentID,
				Excerpt:    firstOf(d.Record.Excerpts),
				Detail:     err.Error(),
			})
			o.logger.Error("storing record failed; skipping remaining drafts",
				"document_id", documentID, "remaining", len(drafts)-res.Created()-res.Skipped(), "error", err)
			break
		}
		if created {
			res.RecordsCreated = append(res.RecordsCreated, id)
		} else {
			res.RecordsSkipped = append(res.RecordsSkipped, id)
		}
	}

	if res.Created() > 0 && o.trigger != nil {
		o.trigger.Trigger()
	}
	o.logger.Info("document processed",
		"document_id", documentID,
		"created", res.Created(),
		"skipped", res.Skipped(),
		"issues", len(res.Issues),
	)
	o.notify(res)
	return res
}

func (o *Orchestrator) extract(ctx context.Context, documentID string, data []byte, cfg records.AppConfiguration, res *DocumentResult) ([]builder.Draft, error) {
	capID := cfg.Capability
	if capID == "" {
		capID = DefaultCapability
	}
	res.Capability = capID

	capability, err := o.caps.Get(capID)
	if err != nil {
		return nil, err
	}
	seq, err := capability.Extract(ctx, data, documentID)
	if err != nil {
		return nil, err
	}
	candidates, err := extract.Collect(ctx, seq)
	if err != nil {
		return nil, fmt.Errorf("extraction interrupted: %w", err)
	}

	b := builder.New(o.store, builder.WithThreshold(cfg.Threshold()), builder.WithLogger(o.logger))
	built, err := b.Build(ctx, candidates, documentID, builder.Source{ExtractorID: capability.ID(), Version: capability.Version()})
	if err != nil {
		return nil, fmt.Errorf("building records interrupted: %w", err)
	}
	res.Issues = append(res.Issues, built.Issues...)
	return built.Drafts, nil
}

// ProcessBatch processes docs with at most limit running at once. Results
// are returned in input order. It stops starting new documents once ctx is
// cancelled; those documents report the cancellation as their error.
func (o *Orchestrator) ProcessBatch(ctx context.Context, docs []Document, cfg records.AppConfiguration, limit int) []DocumentResult {
	if limit <= 0 {
		limit = 1
	}
	results := make([]DocumentResult, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, doc := range docs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = DocumentResult{DocumentID: doc.ID, ExtractorError: err.Error()}
				return nil
			}
			results[i] = o.Process(gctx, doc.ID, doc.Data, cfg)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) notify(res DocumentResult) {
	if o.hub == nil {
		return
	}
	o.hub.Publish(events.Event{Kind: events.KindDocument, Detail: res.DocumentID, Data: res})
}

func firstOf(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
