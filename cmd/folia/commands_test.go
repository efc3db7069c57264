package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kalambet/folia/internal/records"
	"github.com/kalambet/folia/internal/syncer"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"record not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// use points CLI commands at ts for the duration of the test.
func (ts *testServer) use(t *testing.T) {
	t.Helper()
	orig := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = orig })
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	defer rootCmd.SetArgs(nil)
	defer resetFlags(rootCmd)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

// resetFlags restores scalar flags so one test's flags don't leak into the next.
func resetFlags(c *cobra.Command) {
	c.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed && !strings.Contains(f.Value.Type(), "Slice") && !strings.Contains(f.Value.Type(), "Array") {
			f.Value.Set(f.DefValue)
			f.Changed = false
		}
	})
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

var ctx = context.Background()

func TestClient_DecodeAndAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /records": `[{"id":"rec-1","revision":2,"status":"synced"}]`,
	})

	resp, err := ts.client().get(ctx, "/records?status=synced")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var recs []records.ArticleRecord
	if err := decodeJSON(resp, &recs); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "rec-1" || recs[0].Status != records.StatusSynced {
		t.Errorf("records = %+v", recs)
	}

	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	if r.Path != "/records?status=synced" {
		t.Errorf("path = %q", r.Path)
	}
}

func TestClient_ErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/records/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var v any
	err = decodeJSON(resp, &v)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "record not found") {
		t.Errorf("error = %q", err)
	}
}

func TestClient_Unreachable(t *testing.T) {
	c := &apiClient{baseURL: "http://127.0.0.1:1", token: "t", httpClient: http.DefaultClient}
	_, err := c.get(ctx, "/health")
	if err == nil || !strings.Contains(err.Error(), "is folia running") {
		t.Errorf("error = %v", err)
	}
}

func TestIngestCommand_MissingArgs(t *testing.T) {
	err := execute(t, "ingest")
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestIngestCommand_FileWait(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /documents": `{"document_id":"doc-1","records_created":["r1"],"records_skipped":[],"issues":[],"duration_ms":3}`,
	})
	ts.use(t)

	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("Quercus robur was used by the Sami for tanning."), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := execute(t, "ingest", "--wait", path); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != http.MethodPost || !strings.HasPrefix(r.Path, "/documents?") {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
	if !strings.Contains(r.Path, "name=notes.txt") || !strings.Contains(r.Path, "wait=true") {
		t.Errorf("query = %q", r.Path)
	}
	if !strings.HasPrefix(r.ContentType, "text/plain") {
		t.Errorf("content type = %q", r.ContentType)
	}
	if !strings.Contains(r.Body, "Quercus robur") {
		t.Errorf("body = %q", r.Body)
	}
}

func TestIngestCommand_ExtractionFailure(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /documents": `{"document_id":"doc-1","extractor_error":"document d: unsupported format","unavailable":true}`,
	})
	ts.use(t)

	err := execute(t, "ingest", "--wait", "--text", "\x00\x01")
	if err == nil || !strings.Contains(err.Error(), "unsupported format") {
		t.Errorf("error = %v", err)
	}
}

func TestRecordQuery(t *testing.T) {
	c := &cobra.Command{}
	c.Flags().String("status", "", "")
	c.Flags().String("species", "", "")
	c.Flags().String("q", "", "")
	c.Flags().Bool("deleted", false, "")
	c.Flags().Int("limit", 50, "")

	if err := c.Flags().Parse([]string{"--status", "conflict", "--species", "Urtica dioica", "--deleted"}); err != nil {
		t.Fatal(err)
	}
	got := recordQuery(c).Encode()
	want := "deleted=true&limit=50&species=Urtica+dioica&status=conflict"
	if got != want {
		t.Errorf("query = %q, want %q", got, want)
	}
}

func newEditFlags(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	c := &cobra.Command{}
	c.Flags().StringSlice("uses", nil, "")
	c.Flags().StringArray("excerpt", nil, "")
	c.Flags().StringSlice("species", nil, "")
	if err := c.Flags().Parse(args); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestRecordPatch(t *testing.T) {
	p, err := recordPatch(newEditFlags(t, "--uses", "tanning,dye", "--excerpt", "a, with comma"))
	if err != nil {
		t.Fatalf("recordPatch: %v", err)
	}
	if p.Uses == nil || len(*p.Uses) != 2 || (*p.Uses)[1] != "dye" {
		t.Errorf("uses = %v", p.Uses)
	}
	if p.Excerpts == nil || (*p.Excerpts)[0] != "a, with comma" {
		t.Errorf("excerpts = %v", p.Excerpts)
	}
	if p.Species != nil || p.Communities != nil {
		t.Errorf("unset fields should stay nil: %+v", p)
	}

	p, err = recordPatch(newEditFlags(t, "--uses", ""))
	if err != nil {
		t.Fatalf("recordPatch: %v", err)
	}
	if p.Uses == nil || len(*p.Uses) != 0 {
		t.Errorf("explicit empty uses should clear, got %v", p.Uses)
	}

	if _, err := recordPatch(newEditFlags(t)); err == nil {
		t.Error("expected error when nothing is set")
	}
}

func newResolveFlags(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	c := &cobra.Command{}
	c.Flags().Bool("keep-local", false, "")
	c.Flags().Bool("take-remote", false, "")
	c.Flags().String("merge", "", "")
	if err := c.Flags().Parse(args); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestResolveDecision(t *testing.T) {
	d, err := resolveDecision(newResolveFlags(t, "--take-remote"))
	if err != nil || d.Kind != syncer.TakeRemote {
		t.Errorf("take-remote: %+v, %v", d, err)
	}

	if _, err := resolveDecision(newResolveFlags(t)); err == nil {
		t.Error("expected error without a choice")
	}
	if _, err := resolveDecision(newResolveFlags(t, "--keep-local", "--take-remote")); err == nil {
		t.Error("expected error for two choices")
	}

	path := filepath.Join(t.TempDir(), "merged.json")
	merged := `{"species":[{"scientific_name":"Quercus robur"}],"communities":[{"name":"Sami"}],"uses":["tanning","dye"]}`
	if err := os.WriteFile(path, []byte(merged), 0o644); err != nil {
		t.Fatal(err)
	}
	d, err = resolveDecision(newResolveFlags(t, "--merge", path))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if d.Kind != syncer.Merge || d.Merged == nil || len(d.Merged.Uses) != 2 {
		t.Errorf("merge decision = %+v", d)
	}
}

func TestConflictsResolve_SendsDecision(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /conflicts/rec-1/resolve": `{"id":"rec-1","revision":7,"status":"pending_push"}`,
	})
	ts.use(t)

	if err := execute(t, "conflicts", "resolve", "rec-1", "--keep-local"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	var body syncer.Decision
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body.Kind != syncer.KeepLocal {
		t.Errorf("kind = %q", body.Kind)
	}
}

func TestSyncNow(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /sync": `{"queued":2,"pushed":2,"conflicts":0}`,
	})
	ts.use(t)

	if err := execute(t, "sync", "now"); err != nil {
		t.Fatalf("sync now: %v", err)
	}
	if ts.requests[0].Method != http.MethodPost || ts.requests[0].Path != "/sync" {
		t.Errorf("request = %+v", ts.requests[0])
	}
}

func TestFollowEvents(t *testing.T) {
	stream := strings.Join([]string{
		": ping",
		"",
		"event: status",
		`data: {"kind":"status","record_id":"0123456789abcdef","from":"local","to":"pending_push"}`,
		"",
		"event: cycle",
		`data: {"kind":"cycle","data":{"pushed":1}}`,
		"",
	}, "\n")

	old := noColor
	noColor = true
	defer func() { noColor = old }()

	var out bytes.Buffer
	if err := followEvents(strings.NewReader(stream), &out); err != nil {
		t.Fatalf("followEvents: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	if lines[0] != "status 01234567: local → pending_push" {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "cycle {") {
		t.Errorf("line 1 = %q", lines[1])
	}
}

func TestFormatRecordLine(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	line := formatRecordLine(records.ArticleRecord{
		ID:          "0123456789",
		Revision:    3,
		Status:      records.StatusConflict,
		Species:     []records.PlantSpecies{{ScientificName: "Quercus robur"}},
		Communities: []records.Community{{Name: "Sami"}},
		Uses:        []string{"tanning"},
		Deleted:     true,
	})
	for _, want := range []string{"01234567", "r3", "conflict", "Quercus robur / Sami", "[tanning]", "(deleted)"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestColorize(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorRed, "hello")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	result = colorize(colorRed, "hello")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestNotices(t *testing.T) {
	oldColor, oldErr := noColor, stderr
	defer func() { noColor, stderr = oldColor, oldErr }()
	noColor = true
	var buf bytes.Buffer
	stderr = &buf

	printWarning("remote %s unreachable", "hub")
	printStatus("Records", "%d", 3)
	want := "⚠ remote hub unreachable\n  Records: 3\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(t.TempDir())
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil || pid != os.Getpid() {
		t.Errorf("readPIDFile = %d, %v", pid, err)
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("PID file should be gone")
	}
}
