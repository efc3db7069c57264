package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/folia/internal/builder"
	"github.com/kalambet/folia/internal/extract"
	"github.com/kalambet/folia/internal/localstore"
	"github.com/kalambet/folia/internal/pipeline"
	"github.com/kalambet/folia/internal/records"
	"github.com/kalambet/folia/internal/storage"
)

type mockProcessor struct {
	mu        sync.Mutex
	calls     []string
	configs   []records.AppConfiguration
	processFn func(ctx context.Context, id string, data []byte) pipeline.DocumentResult
}

func (m *mockProcessor) Process(ctx context.Context, id string, data []byte, cfg records.AppConfiguration) pipeline.DocumentResult {
	m.mu.Lock()
	m.calls = append(m.calls, id)
	m.configs = append(m.configs, cfg)
	m.mu.Unlock()
	if m.processFn != nil {
		return m.processFn(ctx, id, data)
	}
	return pipeline.DocumentResult{DocumentID: id, RecordsCreated: []records.RecordID{records.RecordID("r-" + id)}}
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func submitDoc(t *testing.T, store *storage.Store, content string) string {
	t.Helper()
	id, err := Submit(context.Background(), store, "doc.txt", "text/plain", []byte(content))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return id
}

func jobState(t *testing.T, store *storage.Store, docID string) (status string, attempts int) {
	t.Helper()
	err := store.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE payload_json LIKE ?`, "%"+docID+"%").Scan(&status, &attempts)
	if err != nil {
		t.Fatalf("query job for %s: %v", docID, err)
	}
	return status, attempts
}

// resetRunAfter makes every pending job claimable despite FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := store.DB().Exec(`UPDATE jobs SET run_after = ?`, now); err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func TestSubmit_RejectsEmpty(t *testing.T) {
	store := openTestStore(t)
	if _, err := Submit(context.Background(), store, "x", "text/plain", nil); !errors.Is(err, ErrEmptyDocument) {
		t.Errorf("err = %v, want ErrEmptyDocument", err)
	}
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	docID := submitDoc(t, store, "Hello world")

	proc := &mockProcessor{}
	cfg := records.AppConfiguration{Capability: "rules", LowConfidenceThreshold: 0.8}
	w := NewWorker(store, proc, func() records.AppConfiguration { return cfg }, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}
	if len(proc.calls) != 1 || proc.calls[0] != docID {
		t.Fatalf("calls = %v", proc.calls)
	}
	if proc.configs[0].LowConfidenceThreshold != 0.8 {
		t.Errorf("config not passed through: %+v", proc.configs[0])
	}

	doc, err := store.GetDocument(context.Background(), docID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Status != storage.DocumentProcessed {
		t.Errorf("document status = %q, want processed", doc.Status)
	}
	var res pipeline.DocumentResult
	if err := json.Unmarshal([]byte(doc.ResultJSON), &res); err != nil {
		t.Fatalf("result json: %v", err)
	}
	if res.Created() != 1 {
		t.Errorf("stored result = %+v", res)
	}
	if status, _ := jobState(t, store, docID); status != "completed" {
		t.Errorf("job status = %q, want completed", status)
	}
}

func TestWorker_EmptyQueue(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockProcessor{}, nil, 0)
	didWork, err := w.RunOnce(context.Background())
	if err != nil || didWork {
		t.Errorf("RunOnce = %v, %v; want false, nil", didWork, err)
	}
}

func TestWorker_ExtractionFailureIsFinal(t *testing.T) {
	store := openTestStore(t)
	docID := submitDoc(t, store, "\x00\x01")

	w := NewWorker(store, &mockProcessor{
		processFn: func(_ context.Context, id string, _ []byte) pipeline.DocumentResult {
			return pipeline.DocumentResult{DocumentID: id, ExtractorError: "unreadable", Unavailable: true}
		},
	}, nil, 0)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	doc, _ := store.GetDocument(context.Background(), docID)
	if doc.Status != storage.DocumentFailed || doc.Error != "unreadable" {
		t.Errorf("document = %q/%q, want failed/unreadable", doc.Status, doc.Error)
	}
	if status, attempts := jobState(t, store, docID); status != "completed" || attempts != 0 {
		t.Errorf("job = %s/%d, want completed/0", status, attempts)
	}
}

func TestWorker_RetryOnStorageFailure(t *testing.T) {
	store := openTestStore(t)
	docID := submitDoc(t, store, "retry content")

	var calls atomic.Int32
	w := NewWorker(store, &mockProcessor{
		processFn: func(_ context.Context, id string, _ []byte) pipeline.DocumentResult {
			n := calls.Add(1)
			if n <= 2 {
				return pipeline.DocumentResult{DocumentID: id, Issues: []builder.ValidationIssue{{
					Kind:   builder.IssueStorageFailed,
					Detail: fmt.Sprintf("transient error %d", n),
				}}}
			}
			return pipeline.DocumentResult{DocumentID: id, RecordsCreated: []records.RecordID{"r"}}
		},
	}, nil, 0)
	ctx := context.Background()

	// 1st attempt fails and stays retryable.
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 1 error: %v", err)
	}
	if status, attempts := jobState(t, store, docID); status != "pending" || attempts != 1 {
		t.Errorf("after 1st fail: status=%q attempts=%d, want pending/1", status, attempts)
	}
	doc, _ := store.GetDocument(ctx, docID)
	if doc.Status != storage.DocumentPending || doc.Error != "transient error 1" {
		t.Errorf("document after 1st fail = %q/%q", doc.Status, doc.Error)
	}

	resetRunAfter(t, store)
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 2 error: %v", err)
	}
	if _, attempts := jobState(t, store, docID); attempts != 2 {
		t.Errorf("after 2nd fail: attempts=%d, want 2", attempts)
	}

	resetRunAfter(t, store)
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 3 error: %v", err)
	}
	if status, _ := jobState(t, store, docID); status != "completed" {
		t.Errorf("after 3rd attempt: status=%q, want completed", status)
	}
	doc, _ = store.GetDocument(ctx, docID)
	if doc.Status != storage.DocumentProcessed || doc.Error != "" {
		t.Errorf("document after success = %q/%q", doc.Status, doc.Error)
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store := openTestStore(t)
	docID := submitDoc(t, store, "max retry content")

	w := NewWorker(store, &mockProcessor{
		processFn: func(_ context.Context, id string, _ []byte) pipeline.DocumentResult {
			return pipeline.DocumentResult{DocumentID: id, Issues: []builder.ValidationIssue{{
				Kind: builder.IssueStorageFailed, Detail: "disk full",
			}}}
		},
	}, nil, 0)

	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		if i < 3 {
			resetRunAfter(t, store)
		}
	}

	if status, _ := jobState(t, store, docID); status != "failed" {
		t.Errorf("final job status = %q, want failed", status)
	}
	doc, _ := store.GetDocument(context.Background(), docID)
	if doc.Status != storage.DocumentFailed {
		t.Errorf("document status = %q, want failed", doc.Status)
	}
}

func TestWorker_EndToEndWithPipeline(t *testing.T) {
	store := openTestStore(t)
	g, err := extract.DefaultGazetteer()
	if err != nil {
		t.Fatalf("DefaultGazetteer: %v", err)
	}
	gw := localstore.New(store)
	orch := pipeline.New(extract.NewRegistry(extract.NewRuleCapability("rules", g, nil)), gw)
	w := NewWorker(store, orch, nil, 0)

	docID := submitDoc(t, store, "Quercus robur was used by the Sami community for tanning.")
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	recs, err := gw.List(context.Background(), storage.RecordFilter{DocumentID: docID})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records for document = %d, want 1", len(recs))
	}

	// A second run of the same document adds nothing.
	if err := Requeue(context.Background(), store, docID); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n, _ := store.CountRecords(context.Background()); n != 1 {
		t.Errorf("records = %d after reprocessing, want 1", n)
	}
}

func TestWorker_ConcurrentSubmit(t *testing.T) {
	store := openTestStore(t)

	const goroutines = 5
	const docsPerGoroutine = 10
	const total = goroutines * docsPerGoroutine

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for j := 0; j < docsPerGoroutine; j++ {
				if _, err := Submit(context.Background(), store, "d", "text/plain", []byte(fmt.Sprintf("content %d-%d", g, j))); err != nil {
					t.Errorf("Submit %d-%d: %v", g, j, err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	proc := &mockProcessor{}
	w := NewWorker(store, proc, nil, 0)

	deadline := time.After(5 * time.Second)
	processed := 0
	for processed < total {
		select {
		case <-deadline:
			t.Fatalf("timed out after processing %d/%d jobs", processed, total)
		default:
		}
		didWork, err := w.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce error at job %d: %v", processed, err)
		}
		if didWork {
			processed++
		}
	}

	seen := make(map[string]bool)
	for _, id := range proc.calls {
		if seen[id] {
			t.Errorf("document %s processed twice", id)
		}
		seen[id] = true
	}
	if len(seen) != total {
		t.Errorf("processed %d distinct documents, want %d", len(seen), total)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockProcessor{}, nil, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	submitDoc(t, store, "late arrival")
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
