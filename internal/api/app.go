package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/folia/internal/export"
	"github.com/kalambet/folia/internal/localstore"
	"github.com/kalambet/folia/internal/pipeline"
	"github.com/kalambet/folia/internal/records"
	"github.com/kalambet/folia/internal/storage"
	"github.com/kalambet/folia/internal/syncer"
)

const maxRequestBodySize = 1 << 20   // 1MB
const maxDocumentBodySize = 32 << 20 // 32MB

// SyncTrigger requests a sync cycle without waiting for it.
type SyncTrigger interface {
	Trigger()
}

type AppDeps struct {
	Store    *storage.Store
	Records  *localstore.Gateway
	Pipeline *pipeline.Orchestrator
	Syncer   *syncer.Reconciler
	Export   *export.Service
	Trigger  SyncTrigger // optional; kicked after user edits
	NextSync func() time.Time // optional; next scheduled cycle
	Config   func() records.AppConfiguration
	Token    string
	Logger   *slog.Logger
}

func (d AppDeps) config() records.AppConfiguration {
	if d.Config == nil {
		return records.AppConfiguration{}
	}
	return d.Config()
}

func (d AppDeps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d AppDeps) kick() {
	if d.Trigger != nil {
		d.Trigger.Trigger()
	}
}

// NewAppHandler returns the HTTP API the UI talks to. Everything except
// /health requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/documents", handleUploadDocument(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Get("/documents/{id}", handleGetDocument(deps))
		r.Post("/documents/{id}/reprocess", handleReprocessDocument(deps))

		r.Get("/records", handleListRecords(deps))
		r.Get("/records/{id}", handleGetRecord(deps))
		r.Patch("/records/{id}", handleEditRecord(deps))
		r.Delete("/records/{id}", handleDeleteRecord(deps))
		r.Get("/records/{id}/metadata", handleRecordMetadata(deps))

		r.Post("/sync", handleSyncNow(deps))
		r.Get("/conflicts", handleListConflicts(deps))
		r.Get("/conflicts/{id}", handleGetConflict(deps))
		r.Post("/conflicts/{id}/resolve", handleResolveConflict(deps))
		r.Get("/status", handleStatus(deps))
		r.Get("/status/stream", handleStatusStream(deps))

		r.Get("/export.xlsx", handleExport(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
