package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opencode-mem/opencode-mem/errs"
	"github.com/opencode-mem/opencode-mem/retry"
	"github.com/opencode-mem/opencode-mem/store"
)

// Client talks to one remote device's C7 HTTP endpoints, signing every
// request with the local device identity.
type Client struct {
	identity   *Identity
	httpClient *http.Client
}

// NewClient builds a Client signing requests with identity. requestTimeout
// defaults to 3s per spec.md §5 ("default peer timeout is ~3s per
// request").
func NewClient(identity *Identity, requestTimeout time.Duration) *Client {
	if requestTimeout <= 0 {
		requestTimeout = 3 * time.Second
	}
	return &Client{
		identity:   identity,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// httpAPIError adapts an HTTP status code to retry.APIError so
// retry.WithRetry's ShouldRetry gate applies to peer calls.
type httpAPIError struct {
	status int
	body   string
}

func (e *httpAPIError) Error() string   { return fmt.Sprintf("http %d: %s", e.status, e.body) }
func (e *httpAPIError) StatusCode() int { return e.status }

func (c *Client) signedRequest(ctx context.Context, baseURL, method, pathAndQuery string, body []byte) (*http.Response, error) {
	var resp *http.Response
	err := retry.WithRetry(ctx, func() error {
		timestamp := store.NowUTC().Unix()
		nonce := NewNonce()
		signature := SignRequest(c.identity, method, pathAndQuery, timestamp, nonce, body)

		req, err := http.NewRequestWithContext(ctx, method, baseURL+pathAndQuery, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("X-Opencode-Device", c.identity.DeviceID)
		req.Header.Set("X-Opencode-Timestamp", fmt.Sprintf("%d", timestamp))
		req.Header.Set("X-Opencode-Nonce", nonce)
		req.Header.Set("X-Opencode-Signature", signature)
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}

		r, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode >= 500 {
			b, _ := io.ReadAll(r.Body)
			r.Body.Close()
			return &httpAPIError{status: r.StatusCode, body: string(b)}
		}
		resp = r
		return nil
	})
	return resp, err
}

// GetStatus fetches GET /v1/status from baseURL.
func (c *Client) GetStatus(ctx context.Context, baseURL string) (*StatusResponse, error) {
	resp, err := c.signedRequest(ctx, baseURL, http.MethodGet, "/v1/status", nil)
	if err != nil {
		return nil, errs.New("get_status", errs.ErrTransientIO, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New("get_status", errs.ErrAuthFailure, fmt.Errorf("status %d", resp.StatusCode))
	}
	var out StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errs.New("get_status", errs.ErrTransientIO, err)
	}
	return &out, nil
}

// GetOps fetches one page of GET /v1/ops?since=...&limit=...
func (c *Client) GetOps(ctx context.Context, baseURL, since string, limit int) (*OpsPage, error) {
	path := fmt.Sprintf("/v1/ops?since=%s&limit=%d", since, limit)
	resp, err := c.signedRequest(ctx, baseURL, http.MethodGet, path, nil)
	if err != nil {
		return nil, errs.New("get_ops", errs.ErrTransientIO, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New("get_ops", errs.ErrAuthFailure, fmt.Errorf("status %d", resp.StatusCode))
	}
	var out OpsPage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errs.New("get_ops", errs.ErrTransientIO, err)
	}
	return &out, nil
}

// PostOps sends one chunk of outbound ops to POST /v1/ops.
func (c *Client) PostOps(ctx context.Context, baseURL string, ops []WireOp) (*ApplyResponse, error) {
	body, err := json.Marshal(OpsBatch{Ops: ops})
	if err != nil {
		return nil, errs.New("post_ops", errs.ErrInvariantViolation, err)
	}
	resp, err := c.signedRequest(ctx, baseURL, http.MethodPost, "/v1/ops", body)
	if err != nil {
		return nil, errs.New("post_ops", errs.ErrTransientIO, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New("post_ops", errs.ErrAuthFailure, fmt.Errorf("status %d", resp.StatusCode))
	}
	var out ApplyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errs.New("post_ops", errs.ErrTransientIO, err)
	}
	return &out, nil
}

// ChunkOpsByBytes splits ops into POST-able batches so each serialised
// chunk stays at or under maxBytes (spec.md §4.8 "chunk by
// MAX_SYNC_BODY_BYTES"). A single oversized op still gets its own chunk.
func ChunkOpsByBytes(ops []WireOp, maxBytes int64) [][]WireOp {
	var chunks [][]WireOp
	var current []WireOp
	var currentSize int64
	for _, op := range ops {
		encoded, _ := json.Marshal(op)
		opSize := int64(len(encoded))
		if len(current) > 0 && currentSize+opSize > maxBytes {
			chunks = append(chunks, current)
			current = nil
			currentSize = 0
		}
		current = append(current, op)
		currentSize += opSize
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}
