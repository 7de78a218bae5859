// Package backend talks to the downstream aggregate-import API over an
// authenticated transport. The pipeline consumes it one batch at a time: one
// request per batch, one verdict per request.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ferryhq/ferry/internal/store"
)

// Importer is what the batch execution engine needs from the backend.
type Importer interface {
	ImportBatch(ctx context.Context, ownerID string, objects []json.RawMessage) error
}

// BatchError is a classified failure of one batch request. It is data, not a
// control-flow exception: the engine records it and moves on.
type BatchError struct {
	Kind       store.FailureKind
	StatusCode int
	Message    string
}

func (e *BatchError) Error() string {
	return e.Message
}

// Client issues aggregate-import requests.
type Client struct {
	importURL  string
	httpClient *http.Client
	timeout    time.Duration
}

// New creates a Client posting to importURL through httpClient. The caller
// owns the transport; client certificates, HTTP/2, and proxy policy are
// configured there. Each request gets its own deadline of timeout.
func New(importURL string, httpClient *http.Client, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{importURL: importURL, httpClient: httpClient, timeout: timeout}
}

type importRequest struct {
	Objects []json.RawMessage `json:"objects"`
	OwnerID string            `json:"ownerId"`
}

// ImportBatch sends one batch. A nil return means the backend confirmed the
// write with a 2xx. Any other outcome comes back as a *BatchError whose Kind
// distinguishes timeout, non-2xx, and no-response failures.
func (c *Client) ImportBatch(ctx context.Context, ownerID string, objects []json.RawMessage) error {
	body, err := json.Marshal(importRequest{Objects: objects, OwnerID: ownerID})
	if err != nil {
		return &BatchError{Kind: store.FailureUnknown, Message: fmt.Sprintf("encode batch: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.importURL, bytes.NewReader(body))
	if err != nil {
		return &BatchError{Kind: store.FailureUnknown, Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &BatchError{
		Kind:       store.FailureHTTP,
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("backend returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)),
	}
}

// classifyTransportError maps a failed round trip onto the failure taxonomy.
// Deadline expiry is deliberately labelled as ambiguous: the backend may have
// applied the write even though no confirmation arrived.
func classifyTransportError(err error) *BatchError {
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return &BatchError{
			Kind:    store.FailureTimeout,
			Message: fmt.Sprintf("request deadline exceeded (backend may have applied the write): %v", err),
		}
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return &BatchError{
			Kind:    store.FailureNetwork,
			Message: fmt.Sprintf("no response from backend: %v", err),
		}
	}
	return &BatchError{Kind: store.FailureUnknown, Message: err.Error()}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
