package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/folia/internal/records"
)

const defaultTimeout = 30 * time.Second

// HTTPTransport pushes to and pulls from a hub over HTTP.
type HTTPTransport struct {
	baseURL    string
	token      string
	pullLimit  int
	httpClient *http.Client
}

// NewHTTPTransport returns a transport for the hub at endpoint.
func NewHTTPTransport(endpoint, token string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPTransport{
		baseURL:    strings.TrimRight(endpoint, "/"),
		token:      token,
		pullLimit:  defaultPullLimit,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Push sends rec built on base. A 409 becomes a *records.ConflictError;
// network failures, 429 and 5xx responses become *records.TransportError.
func (t *HTTPTransport) Push(ctx context.Context, rec *records.ArticleRecord, base records.Revision) (records.Revision, error) {
	body, err := json.Marshal(PushRequest{Record: rec, BaseRevision: base})
	if err != nil {
		return 0, fmt.Errorf("marshaling push: %w", err)
	}
	path := "/v1/records/" + url.PathEscape(string(rec.ID))
	resp, err := t.do(ctx, http.MethodPut, path, bytes.NewReader(body))
	if err != nil {
		return 0, wrapTransport(ctx, "push", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusConflict:
		var pr PushResponse
		if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
			return 0, &records.TransportError{Op: "push", Err: fmt.Errorf("decoding response: %w", err)}
		}
		if resp.StatusCode == http.StatusConflict {
			return 0, &records.ConflictError{ID: rec.ID, RemoteRevision: pr.Revision, Remote: pr.Record}
		}
		return pr.Revision, nil
	case retryable(resp.StatusCode):
		return 0, &records.TransportError{Op: "push", Status: resp.StatusCode, Err: statusError(resp)}
	default:
		return 0, fmt.Errorf("push %s rejected: %w", rec.ID, statusError(resp))
	}
}

// Pull fetches one page of changes after since.
func (t *HTTPTransport) Pull(ctx context.Context, since records.Cursor) ([]records.RemoteChange, records.Cursor, error) {
	q := url.Values{}
	if since != "" {
		q.Set("since", string(since))
	}
	q.Set("limit", fmt.Sprint(t.pullLimit))

	resp, err := t.do(ctx, http.MethodGet, "/v1/changes?"+q.Encode(), nil)
	if err != nil {
		return nil, since, wrapTransport(ctx, "pull", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := statusError(resp)
		if retryable(resp.StatusCode) {
			return nil, since, &records.TransportError{Op: "pull", Status: resp.StatusCode, Err: err}
		}
		return nil, since, fmt.Errorf("pull rejected: %w", err)
	}
	var cr ChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, since, &records.TransportError{Op: "pull", Err: fmt.Errorf("decoding response: %w", err)}
	}
	return cr.Changes, records.Cursor(cr.Cursor), nil
}

// Ping checks that the hub is reachable.
func (t *HTTPTransport) Ping(ctx context.Context) error {
	resp, err := t.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return wrapTransport(ctx, "ping", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &records.TransportError{Op: "ping", Status: resp.StatusCode, Err: statusError(resp)}
	}
	return nil
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	return t.httpClient.Do(req)
}

// wrapTransport reports cancellation as itself so the reconciler can tell
// it apart from an unreachable hub.
func wrapTransport(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &records.TransportError{Op: op, Err: err}
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
