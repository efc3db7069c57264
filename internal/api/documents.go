package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/folia/internal/ingest"
	"github.com/kalambet/folia/internal/pipeline"
	"github.com/kalambet/folia/internal/storage"
)

// UploadRequest is the JSON form of a document upload. Content is base64.
type UploadRequest struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Content  string `json:"content"`
}

type documentView struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	MimeType  string          `json:"mime_type,omitempty"`
	Status    string          `json:"status"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func toDocumentView(d storage.Document) documentView {
	v := documentView{
		ID:        d.ID,
		Name:      d.Name,
		MimeType:  d.MimeType,
		Status:    d.Status,
		Error:     d.Error,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	if d.ResultJSON != "" {
		v.Result = json.RawMessage(d.ResultJSON)
	}
	return v
}

// handleUploadDocument accepts either a JSON UploadRequest or the raw file
// as the request body (name from ?name=). With ?wait=true the document is
// processed before responding and the DocumentResult is returned.
func handleUploadDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxDocumentBodySize)
		defer r.Body.Close()

		name, mimeType, content, ok := readUpload(w, r)
		if !ok {
			return
		}
		if len(content) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "document content is empty")
			return
		}

		if r.URL.Query().Get("wait") != "true" {
			id, err := ingest.Submit(r.Context(), deps.Store, name, mimeType, content)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to queue document: %v", err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
			return
		}

		res, err := processNow(r.Context(), deps, name, mimeType, content)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save document: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// processNow stores a document and runs it through the pipeline in the
// caller's goroutine instead of the job queue.
func processNow(ctx context.Context, deps AppDeps, name, mimeType string, content []byte) (pipeline.DocumentResult, error) {
	doc := storage.Document{
		ID:       uuid.NewString(),
		Name:     name,
		MimeType: mimeType,
		Content:  content,
		Status:   storage.DocumentProcessing,
	}
	if err := deps.Store.SaveDocument(ctx, doc); err != nil {
		return pipeline.DocumentResult{}, err
	}
	res := deps.Pipeline.Process(ctx, doc.ID, content, deps.config())
	recordResult(context.WithoutCancel(ctx), deps, doc.ID, res)
	return res, nil
}

func readUpload(w http.ResponseWriter, r *http.Request) (name, mimeType string, content []byte, ok bool) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		var req UploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return "", "", nil, false
		}
		decoded, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
			return "", "", nil, false
		}
		return req.Name, req.MimeType, decoded, true
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "document exceeds %d bytes", tooLarge.Limit)
			return "", "", nil, false
		}
		httpError(w, http.StatusBadRequest, "invalid_request_error", "failed to read body: %v", err)
		return "", "", nil, false
	}
	return r.URL.Query().Get("name"), ct, body, true
}

func recordResult(ctx context.Context, deps AppDeps, id string, res pipeline.DocumentResult) {
	status := storage.DocumentProcessed
	if res.Failed() {
		status = storage.DocumentFailed
	}
	data, err := json.Marshal(res)
	if err != nil {
		deps.logger().Error("encoding document result", "document_id", id, "error", err)
		return
	}
	if err := deps.Store.UpdateDocumentResult(ctx, id, status, string(data), res.ExtractorError); err != nil {
		deps.logger().Error("saving document result", "document_id", id, "error", err)
	}
}

func handleListDocuments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)
		docs, err := deps.Store.ListDocuments(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}
		out := make([]documentView, len(docs))
		for i, d := range docs {
			out[i] = toDocumentView(d)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := deps.Store.GetDocument(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, "document", err)
			return
		}
		writeJSON(w, http.StatusOK, toDocumentView(doc))
	}
}

func handleReprocessDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetDocument(r.Context(), id); err != nil {
			storeError(w, "document", err)
			return
		}
		if err := ingest.Requeue(r.Context(), deps.Store, id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue document: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
	}
}
