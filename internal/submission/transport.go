package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/killkrill/killkrill/internal/model"
)

// Transport is satisfied by both the RPC channel and its HTTP fallback, matching
// spec.md §4.7's "submit_*" contract.
type Transport interface {
	SubmitLogs(ctx context.Context, records []map[string]string) error
	SubmitMetrics(ctx context.Context, records []map[string]string) error
}

// httpTransport is the fallback path used when no RPC channel could be opened, or when
// a prior RPC submit attempt failed and Submit downgrades for the remaining retries.
type httpTransport struct {
	client  *http.Client
	baseURL string
	tokenFn func() string
}

func (t *httpTransport) SubmitLogs(ctx context.Context, records []map[string]string) error {
	return t.post(ctx, "/api/v1/logs", records)
}

func (t *httpTransport) SubmitMetrics(ctx context.Context, records []map[string]string) error {
	return t.post(ctx, "/api/v1/metrics", records)
}

func (t *httpTransport) post(ctx context.Context, path string, records []map[string]string) error {
	body, err := json.Marshal(submitRequest{Records: records})
	if err != nil {
		return fmt.Errorf("encode submission body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.tokenFn())

	resp, err := t.client.Do(req)
	if err != nil {
		return model.ErrResourceUnavailable{Reason: fmt.Sprintf("submit %s: %v", path, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return model.ErrResourceUnavailable{Reason: fmt.Sprintf("submit %s: status %d", path, resp.StatusCode)}
	}

	return nil
}

var _ Transport = (*httpTransport)(nil)
