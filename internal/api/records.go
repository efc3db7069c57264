package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/folia/internal/localstore"
	"github.com/kalambet/folia/internal/records"
	"github.com/kalambet/folia/internal/storage"
)

func recordFilter(r *http.Request) (storage.RecordFilter, bool) {
	q := r.URL.Query()
	f := storage.RecordFilter{
		Status:         records.SyncStatus(q.Get("status")),
		DocumentID:     q.Get("document"),
		SpeciesKey:     q.Get("species"),
		CommunityKey:   q.Get("community"),
		Text:           q.Get("q"),
		IncludeDeleted: q.Get("deleted") == "true",
		Limit:          parseIntParam(r, "limit", 50, 500),
		Offset:         parseIntParam(r, "offset", 0, 0),
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, false
	}
	return f, true
}

func handleListRecords(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, ok := recordFilter(r)
		if !ok {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", f.Status)
			return
		}
		recs, err := deps.Records.List(r.Context(), f)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list records: %v", err)
			return
		}
		if recs == nil {
			recs = []*records.ArticleRecord{}
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func handleGetRecord(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Records.Get(r.Context(), records.RecordID(chi.URLParam(r, "id")))
		if err != nil {
			storeError(w, "record", err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleEditRecord(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var p localstore.Patch
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		rec, err := deps.Records.Edit(r.Context(), records.RecordID(chi.URLParam(r, "id")), p)
		if err != nil {
			storeError(w, "record", err)
			return
		}
		deps.kick()
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleDeleteRecord(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Records.Delete(r.Context(), records.RecordID(chi.URLParam(r, "id"))); err != nil {
			storeError(w, "record", err)
			return
		}
		deps.kick()
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleRecordMetadata(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metas, err := deps.Records.Metadata(r.Context(), records.RecordID(chi.URLParam(r, "id")))
		if err != nil {
			storeError(w, "record", err)
			return
		}
		if metas == nil {
			metas = []records.ExtractionMetadata{}
		}
		writeJSON(w, http.StatusOK, metas)
	}
}
