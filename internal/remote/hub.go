package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/folia/internal/api"
	"github.com/kalambet/folia/internal/records"
)

const (
	maxPushBodySize  = 4 << 20 // 4MB
	defaultPullLimit = 500
	maximumPullLimit = 5000
)

// PushRequest is the body of PUT /v1/records/{id}.
type PushRequest struct {
	Record       *records.ArticleRecord `json:"record"`
	BaseRevision records.Revision       `json:"base_revision"`
}

// PushResponse is returned for accepted pushes and, with Record set, for
// conflicts.
type PushResponse struct {
	Revision records.Revision       `json:"revision"`
	Record   *records.ArticleRecord `json:"record,omitempty"`
}

// ChangesResponse is the body of GET /v1/changes.
type ChangesResponse struct {
	Changes []records.RemoteChange `json:"changes"`
	Cursor  string                 `json:"cursor"`
}

// NewHubHandler returns the hub HTTP API over store. An empty token disables
// authentication.
func NewHubHandler(store HubStore, token string, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		if token != "" {
			r.Use(api.BearerAuth(token))
		}
		r.Put("/records/{id}", handlePush(store, logger))
		r.Get("/records/{id}", handleGetRecord(store))
		r.Get("/changes", handleChanges(store))
	})
	return r
}

func handlePush(store HubStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxPushBodySize)
		defer r.Body.Close()

		var req PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			hubError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		id := records.RecordID(chi.URLParam(r, "id"))
		if req.Record == nil {
			hubError(w, http.StatusBadRequest, "record is required")
			return
		}
		if req.Record.ID == "" {
			req.Record.ID = id
		}
		if req.Record.ID != id {
			hubError(w, http.StatusBadRequest, "record id %q does not match path %q", req.Record.ID, id)
			return
		}
		if err := req.Record.Validate(); err != nil {
			hubError(w, http.StatusUnprocessableEntity, "%v", err)
			return
		}

		rev, err := store.Put(r.Context(), req.Record, req.BaseRevision)
		var conflict *records.ConflictError
		switch {
		case errors.As(err, &conflict):
			writeJSON(w, http.StatusConflict, PushResponse{Revision: conflict.RemoteRevision, Record: conflict.Remote})
			return
		case err != nil:
			logger.Error("hub push failed", "record_id", id, "error", err)
			hubError(w, http.StatusInternalServerError, "storing record: %v", err)
			return
		}
		logger.Debug("hub accepted push", "record_id", id, "base", req.BaseRevision, "revision", rev)
		writeJSON(w, http.StatusOK, PushResponse{Revision: rev})
	}
}

func handleGetRecord(store HubStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, rev, err := store.Get(r.Context(), records.RecordID(chi.URLParam(r, "id")))
		if errors.Is(err, records.ErrNotFound) {
			hubError(w, http.StatusNotFound, "record not found")
			return
		}
		if err != nil {
			hubError(w, http.StatusInternalServerError, "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, PushResponse{Revision: rev, Record: rec})
	}
}

func handleChanges(store HubStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var since int64
		if s := r.URL.Query().Get("since"); s != "" {
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil || v < 0 {
				hubError(w, http.StatusBadRequest, "invalid since %q", s)
				return
			}
			since = v
		}
		limit := defaultPullLimit
		if s := r.URL.Query().Get("limit"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v <= 0 {
				hubError(w, http.StatusBadRequest, "invalid limit %q", s)
				return
			}
			limit = min(v, maximumPullLimit)
		}

		changes, next, err := store.Changes(r.Context(), since, limit)
		if err != nil {
			hubError(w, http.StatusInternalServerError, "%v", err)
			return
		}
		if changes == nil {
			changes = []records.RemoteChange{}
		}
		writeJSON(w, http.StatusOK, ChangesResponse{Changes: changes, Cursor: strconv.FormatInt(next, 10)})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func hubError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    http.StatusText(code),
		},
	})
}
