// Package ingest queues uploaded documents and runs them through the
// extraction pipeline in the background.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/folia/internal/builder"
	"github.com/kalambet/folia/internal/pipeline"
	"github.com/kalambet/folia/internal/records"
	"github.com/kalambet/folia/internal/storage"
)

// JobType is the queue type for document extraction jobs.
const JobType = "process_document"

// ErrEmptyDocument is returned by Submit for a document without content.
var ErrEmptyDocument = errors.New("document is empty")

// JobStore abstracts the document table and job queue.
type JobStore interface {
	SaveDocument(ctx context.Context, d storage.Document) error
	GetDocument(ctx context.Context, id string) (storage.Document, error)
	UpdateDocumentResult(ctx context.Context, id, status, resultJSON, errMsg string) error
	EnqueueJob(ctx context.Context, job storage.Job) error
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// Processor runs one document through extraction and storage.
type Processor interface {
	Process(ctx context.Context, documentID string, data []byte, cfg records.AppConfiguration) pipeline.DocumentResult
}

// Worker processes process_document jobs from the SQLite job queue.
type Worker struct {
	store     JobStore
	processor Processor
	config    func() records.AppConfiguration
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker. config is read once per job so configuration
// changes apply to the next document. If pollInterval is <= 0, it defaults
// to 500ms.
func NewWorker(store JobStore, processor Processor, config func() records.AppConfiguration, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if config == nil {
		config = func() records.AppConfiguration { return records.AppConfiguration{} }
	}
	return &Worker{
		store:     store,
		processor: processor,
		config:    config,
		poll:      pollInterval,
		logger:    slog.Default(),
	}
}

// SetLogger replaces the worker's logger.
func (w *Worker) SetLogger(l *slog.Logger) { w.logger = l }

type documentPayload struct {
	DocumentID string `json:"document_id"`
}

// Submit stores a document and queues it for extraction. It returns the new
// document id.
func (w *Worker) Submit(ctx context.Context, name, mimeType string, content []byte) (string, error) {
	return Submit(ctx, w.store, name, mimeType, content)
}

// Submit stores a document in store and queues a process_document job for it.
func Submit(ctx context.Context, store JobStore, name, mimeType string, content []byte) (string, error) {
	if len(content) == 0 {
		return "", ErrEmptyDocument
	}
	doc := storage.Document{
		ID:       uuid.NewString(),
		Name:     name,
		MimeType: mimeType,
		Content:  content,
		Status:   storage.DocumentPending,
	}
	if err := store.SaveDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("saving document: %w", err)
	}
	if err := Requeue(ctx, store, doc.ID); err != nil {
		return "", err
	}
	return doc.ID, nil
}

// Requeue queues another extraction run for an already stored document.
func Requeue(ctx context.Context, store JobStore, documentID string) error {
	payload, err := json.Marshal(documentPayload{DocumentID: documentID})
	if err != nil {
		return fmt.Errorf("encoding job payload: %w", err)
	}
	job := storage.Job{
		ID:          uuid.NewString(),
		Type:        JobType,
		PayloadJSON: string(payload),
	}
	if err := store.EnqueueJob(ctx, job); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	return nil
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single process_document job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	// Bookkeeping must land even when the worker is shutting down.
	bg := context.WithoutCancel(ctx)
	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(bg, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(bg, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// processJob returns an error only for failures worth retrying: storage
// errors and cancellation. Extraction failures are final and are recorded
// on the document instead.
func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload documentPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	doc, err := w.store.GetDocument(ctx, payload.DocumentID)
	if err != nil {
		return fmt.Errorf("loading document %s: %w", payload.DocumentID, err)
	}
	if err := w.store.UpdateDocumentResult(ctx, doc.ID, storage.DocumentProcessing, "", ""); err != nil {
		return fmt.Errorf("marking document %s processing: %w", doc.ID, err)
	}

	res := w.processor.Process(ctx, doc.ID, doc.Content, w.config())
	bg := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		w.setResult(bg, doc.ID, storage.DocumentPending, res, "")
		return ctx.Err()
	}

	if res.Failed() {
		w.setResult(bg, doc.ID, storage.DocumentFailed, res, res.ExtractorError)
		return nil
	}
	if storageErr := storageFailure(res); storageErr != "" {
		status := storage.DocumentPending
		if job.MaxAttempts > 0 && job.Attempts+1 >= job.MaxAttempts {
			status = storage.DocumentFailed
		}
		w.setResult(bg, doc.ID, status, res, storageErr)
		return fmt.Errorf("storing records for %s: %s", doc.ID, storageErr)
	}
	w.setResult(bg, doc.ID, storage.DocumentProcessed, res, "")
	return nil
}

func (w *Worker) setResult(ctx context.Context, id, status string, res pipeline.DocumentResult, errMsg string) {
	data, err := json.Marshal(res)
	if err != nil {
		w.logger.Error("encoding document result", "document_id", id, "error", err)
		return
	}
	if err := w.store.UpdateDocumentResult(ctx, id, status, string(data), errMsg); err != nil {
		w.logger.Error("saving document result", "document_id", id, "error", err)
	}
}

func storageFailure(res pipeline.DocumentResult) string {
	for _, is := range res.Issues {
		if is.Kind == builder.IssueStorageFailed {
			return is.Detail
		}
	}
	return ""
}
