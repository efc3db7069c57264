package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/folia/internal/records"
	"github.com/kalambet/folia/internal/storage"
	"github.com/kalambet/folia/internal/syncer"
)

const streamHeartbeat = 15 * time.Second

func handleSyncNow(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := deps.Syncer.SyncNow(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "sync failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

func handleListConflicts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cs, err := deps.Records.Conflicts(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list conflicts: %v", err)
			return
		}
		if cs == nil {
			cs = []*records.Conflict{}
		}
		writeJSON(w, http.StatusOK, cs)
	}
}

func handleGetConflict(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := deps.Records.Conflict(r.Context(), records.RecordID(chi.URLParam(r, "id")))
		if err != nil {
			storeError(w, "conflict", err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func handleResolveConflict(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var d syncer.Decision
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		switch d.Kind {
		case syncer.KeepLocal, syncer.TakeRemote:
		case syncer.Merge:
			if d.Merged == nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "merge requires merged fields")
				return
			}
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "kind must be one of %s, %s, %s",
				syncer.KeepLocal, syncer.TakeRemote, syncer.Merge)
			return
		}

		rec, err := deps.Syncer.ResolveConflict(r.Context(), records.RecordID(chi.URLParam(r, "id")), d)
		if err != nil {
			storeError(w, "conflict", err)
			return
		}
		deps.kick()
		writeJSON(w, http.StatusOK, rec)
	}
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Counts           map[records.SyncStatus]int `json:"counts"`
	Total            int                        `json:"total"`
	DocumentsPending int                        `json:"documents_pending"`
	LastCycle        *syncer.CycleReport        `json:"last_cycle,omitempty"`
	NextSync         *time.Time                 `json:"next_sync,omitempty"`
	Remote           string                     `json:"remote,omitempty"`
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Records.StatusCounts(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count records: %v", err)
			return
		}
		resp := StatusResponse{
			Counts:    make(map[records.SyncStatus]int, len(records.Statuses)),
			LastCycle: deps.Syncer.LastReport(),
			Remote:    deps.config().RemoteEndpoint,
		}
		if deps.NextSync != nil {
			if next := deps.NextSync(); !next.IsZero() {
				resp.NextSync = &next
			}
		}
		for _, s := range records.Statuses {
			resp.Counts[s] = counts[s]
			resp.Total += counts[s]
		}
		docs, err := deps.Store.ListDocuments(r.Context(), 500)
		if err == nil {
			for _, d := range docs {
				if d.Status == storage.DocumentPending || d.Status == storage.DocumentProcessing {
					resp.DocumentsPending++
				}
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// handleStatusStream streams status events as server-sent events until the
// client goes away.
func handleStatusStream(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		ctx := r.Context()
		evs := deps.Syncer.Subscribe(ctx)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		heartbeat := time.NewTicker(streamHeartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case ev, ok := <-evs:
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					deps.logger().Warn("encoding status event", "error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
				flusher.Flush()
			}
		}
	}
}

func handleExport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, ok := recordFilter(r)
		if !ok {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", f.Status)
			return
		}
		f.Limit, f.Offset = 0, 0
		data, err := deps.Export.XLSX(r.Context(), f)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "export failed: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="folia-records.xlsx"`)
		w.Write(data)
	}
}
