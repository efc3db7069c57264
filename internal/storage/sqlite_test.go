package storage

import (
	"context"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

// TestIndexesExist verifies that indexes are created by the migration.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_records_change_seq", "idx_records_status", "idx_metadata_record", "idx_jobs_claim"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying index %s: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}

func TestStateRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v, err := s.GetState(ctx, "remote_cursor")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if v != "" {
		t.Errorf("unset state = %q, want empty", v)
	}
	if err := s.SetState(ctx, "remote_cursor", "17"); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := s.SetState(ctx, "remote_cursor", "18"); err != nil {
		t.Fatalf("SetState overwrite: %v", err)
	}
	if v, _ := s.GetState(ctx, "remote_cursor"); v != "18" {
		t.Errorf("state = %q, want 18", v)
	}
}

func TestDocumentLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc := Document{ID: "doc-1", Name: "field-notes.txt", MimeType: "text/plain", Content: []byte("Quercus robur")}
	if err := s.SaveDocument(ctx, doc); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	got, err := s.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Status != DocumentPending {
		t.Errorf("Status = %q, want %q", got.Status, DocumentPending)
	}
	if string(got.Content) != "Quercus robur" {
		t.Errorf("Content = %q", got.Content)
	}

	if err := s.UpdateDocumentResult(ctx, "doc-1", DocumentProcessed, `{"records_created":1}`, ""); err != nil {
		t.Fatalf("UpdateDocumentResult: %v", err)
	}
	list, err := s.ListDocuments(ctx, 10)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListDocuments len = %d, want 1", len(list))
	}
	if list[0].Status != DocumentProcessed || list[0].ResultJSON != `{"records_created":1}` {
		t.Errorf("unexpected document %+v", list[0])
	}
	if list[0].Content != nil {
		t.Errorf("ListDocuments should not load content")
	}

	if err := s.UpdateDocumentResult(ctx, "missing", DocumentFailed, "", "x"); err != ErrNotFound {
		t.Errorf("UpdateDocumentResult(missing) = %v, want ErrNotFound", err)
	}
}

func enqueue(t *testing.T, s *Store, job Job) {
	t.Helper()
	if job.Type == "" {
		job.Type = "process_document"
	}
	if job.PayloadJSON == "" {
		job.PayloadJSON = `{"document_id":"` + job.ID + `"}`
	}
	if err := s.EnqueueJob(context.Background(), job); err != nil {
		t.Fatalf("EnqueueJob(%s): %v", job.ID, err)
	}
}

func claim(t *testing.T, s *Store, types ...string) *Job {
	t.Helper()
	if len(types) == 0 {
		types = []string{"process_document"}
	}
	j, err := s.ClaimNextJob(context.Background(), types)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	return j
}

func TestClaimNextJob(t *testing.T) {
	s := openTestStore(t)

	if j := claim(t, s); j != nil {
		t.Fatalf("empty queue returned %+v", j)
	}

	enqueue(t, s, Job{ID: "later", RunAfter: time.Now().Add(time.Hour)})
	enqueue(t, s, Job{ID: "other-type", Type: "reindex"})
	enqueue(t, s, Job{ID: "first", RunAfter: time.Now().Add(-2 * time.Second)})
	enqueue(t, s, Job{ID: "second"})

	got := claim(t, s)
	if got == nil || got.ID != "first" {
		t.Fatalf("first claim = %+v, want job first", got)
	}
	if got.Status != JobRunning || got.MaxAttempts != 3 || got.PayloadJSON != `{"document_id":"first"}` {
		t.Errorf("claimed job = %+v", got)
	}

	if got := claim(t, s); got == nil || got.ID != "second" {
		t.Fatalf("second claim = %+v, want job second (running jobs are skipped)", got)
	}
	if got := claim(t, s); got != nil {
		t.Errorf("third claim = %+v, want nil (future and other-type jobs stay queued)", got)
	}
	if got := claim(t, s, "reindex"); got == nil || got.ID != "other-type" {
		t.Errorf("typed claim = %+v", got)
	}
	if got, err := s.ClaimNextJob(context.Background(), nil); got != nil || err != nil {
		t.Errorf("claim with no types = %+v, %v", got, err)
	}
}

func TestJobOutcomes(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		maxAttempts int
		finish      func(s *Store, id string) error
		wantStatus  string
		wantAtt     int
		wantDelay   bool
	}{
		{
			name:       "complete",
			finish:     func(s *Store, id string) error { return s.CompleteJob(ctx, id) },
			wantStatus: JobCompleted,
		},
		{
			name:       "fail with retries left",
			finish:     func(s *Store, id string) error { return s.FailJob(ctx, id, "database is locked") },
			wantStatus: JobPending,
			wantAtt:    1,
			wantDelay:  true,
		},
		{
			name:        "fail on last attempt",
			maxAttempts: 1,
			finish:      func(s *Store, id string) error { return s.FailJob(ctx, id, "database is locked") },
			wantStatus:  JobFailed,
			wantAtt:     1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t)
			enqueue(t, s, Job{ID: "j1", MaxAttempts: tt.maxAttempts})
			claim(t, s)

			before := time.Now().Truncate(time.Second)
			if err := tt.finish(s, "j1"); err != nil {
				t.Fatalf("finish: %v", err)
			}
			j, err := s.GetJob(ctx, "j1")
			if err != nil {
				t.Fatalf("GetJob: %v", err)
			}
			if j.Status != tt.wantStatus || j.Attempts != tt.wantAtt {
				t.Errorf("job = %s after %d attempts, want %s after %d", j.Status, j.Attempts, tt.wantStatus, tt.wantAtt)
			}
			if tt.wantAtt > 0 && j.LastError != "database is locked" {
				t.Errorf("LastError = %q", j.LastError)
			}
			if tt.wantDelay && !j.RunAfter.After(before) {
				t.Errorf("run_after %v not pushed past %v", j.RunAfter, before)
			}
		})
	}

	s := openTestStore(t)
	if err := s.CompleteJob(ctx, "missing"); err != ErrNotFound {
		t.Errorf("CompleteJob(missing) = %v, want ErrNotFound", err)
	}
	if err := s.FailJob(ctx, "missing", "x"); err != ErrNotFound {
		t.Errorf("FailJob(missing) = %v, want ErrNotFound", err)
	}
	if _, err := s.GetJob(ctx, "missing"); err != ErrNotFound {
		t.Errorf("GetJob(missing) = %v, want ErrNotFound", err)
	}
}

func TestJobRetryDelay(t *testing.T) {
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := jobRetryDelay(i + 1); got != w {
			t.Errorf("jobRetryDelay(%d) = %s, want %s", i+1, got, w)
		}
	}
	if jobRetryDelay(50) != jobRetryDelay(10) {
		t.Error("delay should stop growing")
	}
}

func TestRecoverInterrupted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveDocument(ctx, Document{ID: "d1", Name: "notes.txt", MimeType: "text/plain", Content: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateDocumentResult(ctx, "d1", DocumentProcessing, "", ""); err != nil {
		t.Fatal(err)
	}
	enqueue(t, s, Job{ID: "j1"})
	enqueue(t, s, Job{ID: "j2"})
	claim(t, s)

	n, err := s.RecoverInterrupted(ctx)
	if err != nil {
		t.Fatalf("RecoverInterrupted: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d jobs, want 1", n)
	}
	if j, _ := s.GetJob(ctx, "j1"); j.Status != JobPending {
		t.Errorf("j1 status = %q, want pending", j.Status)
	}
	if d, _ := s.GetDocument(ctx, "d1"); d.Status != DocumentPending {
		t.Errorf("document status = %q, want pending", d.Status)
	}
}
