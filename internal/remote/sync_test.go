package remote

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kalambet/folia/internal/localstore"
	"github.com/kalambet/folia/internal/records"
	"github.com/kalambet/folia/internal/storage"
	"github.com/kalambet/folia/internal/syncer"
)

type device struct {
	gw  *localstore.Gateway
	rec *syncer.Reconciler
}

func newDevice(t *testing.T, tr syncer.Transport) *device {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	gw := localstore.New(s)
	return &device{gw: gw, rec: syncer.New(gw, s, tr, syncer.Config{})}
}

func TestTwoDevicesConvergeThroughHub(t *testing.T) {
	srv := httptest.NewServer(NewHubHandler(NewMemoryHub(), "t", nil))
	defer srv.Close()
	ctx := context.Background()

	a := newDevice(t, NewHTTPTransport(srv.URL, "t", time.Second))
	b := newDevice(t, NewHTTPTransport(srv.URL, "t", time.Second))

	draft := hubRecord("", 0)
	draft.Fingerprint = records.Fingerprint("doc-1", draft.Excerpts[0])
	id, _, err := a.gw.Upsert(ctx, draft, &records.ExtractionMetadata{ExtractorID: "rules"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if _, err := a.rec.SyncNow(ctx); err != nil {
		t.Fatalf("device A sync: %v", err)
	}
	if _, err := b.rec.SyncNow(ctx); err != nil {
		t.Fatalf("device B sync: %v", err)
	}
	got, err := b.gw.Get(ctx, id)
	if err != nil {
		t.Fatalf("device B Get: %v", err)
	}
	if got.Status != records.StatusSynced || got.Revision != 1 {
		t.Errorf("device B copy: %s rev %d", got.Status, got.Revision)
	}

	// B edits; A pulls the edit.
	if _, err := b.gw.Edit(ctx, id, localstore.Patch{Uses: &[]string{"dye"}}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if _, err := b.rec.SyncNow(ctx); err != nil {
		t.Fatalf("device B sync: %v", err)
	}
	if _, err := a.rec.SyncNow(ctx); err != nil {
		t.Fatalf("device A sync: %v", err)
	}
	onA, _ := a.gw.Get(ctx, id)
	if onA.Status != records.StatusSynced || onA.Revision != 2 || len(onA.Uses) != 1 || onA.Uses[0] != "dye" {
		t.Errorf("device A after pull: %s rev %d uses %v", onA.Status, onA.Revision, onA.Uses)
	}
}
