// Package tracker adapts the external work item tracker over HTTP. The
// engine only reads snapshots and posts escalation comments; it never
// mutates item state.
package tracker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"slawatch/internal/config"
	"slawatch/internal/domain"
	"slawatch/internal/permanent"
)

// Client fetches work item snapshots and posts comments.
// Params: read and writeback operations against the tracker API.
// Returns: tracker surface consumed by the run manager.
type Client interface {
	FetchItems(ctx context.Context) ([]domain.WorkItemSnapshot, error)
	PostComment(ctx context.Context, itemID, body string) error
}

// HTTPClient implements Client over the configured tracker endpoints.
// Params: tracker config and shared HTTP client with bounded timeout.
// Returns: retrying tracker adapter.
type HTTPClient struct {
	cfg    config.TrackerConfig
	client *http.Client
}

// NewHTTPClient creates the tracker HTTP adapter.
// Params: validated tracker config.
// Returns: initialized client.
func NewHTTPClient(cfg config.TrackerConfig) *HTTPClient {
	return &HTTPClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
	}
}

// FetchItems reads the full work item snapshot list.
// Params: context bounding the whole fetch including retries.
// Returns: decoded snapshots or the final error after bounded retries.
// Client errors (4xx) are permanent and stop the retry loop.
func (c *HTTPClient) FetchItems(ctx context.Context) ([]domain.WorkItemSnapshot, error) {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + c.cfg.ItemsPath

	var items []domain.WorkItemSnapshot
	err := c.withRetry(ctx, func() error {
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return permanent.Mark(fmt.Errorf("build items request: %w", err))
		}
		c.applyHeaders(request)

		response, err := c.client.Do(request)
		if err != nil {
			return fmt.Errorf("fetch items: %w", err)
		}
		defer response.Body.Close()
		if err := checkStatus("fetch items", response); err != nil {
			return err
		}

		items = items[:0]
		if err := json.NewDecoder(response.Body).Decode(&items); err != nil {
			return fmt.Errorf("decode items: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// PostComment posts one comment to an item.
// Params: item ID substituted into the comment path and comment body.
// Returns: post error; callers treat writeback failures as non-fatal.
func (c *HTTPClient) PostComment(ctx context.Context, itemID, body string) error {
	path := strings.ReplaceAll(c.cfg.CommentPath, "{id}", itemID)
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path

	payload, err := json.Marshal(struct {
		Body string `json:"body"`
	}{Body: body})
	if err != nil {
		return permanent.Mark(fmt.Errorf("encode comment: %w", err))
	}

	return c.withRetry(ctx, func() error {
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return permanent.Mark(fmt.Errorf("build comment request: %w", err))
		}
		request.Header.Set("Content-Type", "application/json")
		c.applyHeaders(request)

		response, err := c.client.Do(request)
		if err != nil {
			return fmt.Errorf("post comment: %w", err)
		}
		defer response.Body.Close()
		return checkStatus("post comment", response)
	})
}

// withRetry runs one operation with the configured bounded retry policy.
// Params: context and operation closure.
// Returns: nil on first success or the final attempt error.
func (c *HTTPClient) withRetry(ctx context.Context, operation func() error) error {
	backoff := time.Duration(c.cfg.RetryBackoffMS) * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if permanent.Is(lastErr) || attempt == c.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

// applyHeaders injects static headers and configured auth into one request.
// Params: mutable request pointer.
// Returns: request mutated in place.
func (c *HTTPClient) applyHeaders(request *http.Request) {
	for key, value := range c.cfg.Headers {
		request.Header.Set(key, value)
	}

	auth := c.cfg.Auth
	switch strings.ToLower(strings.TrimSpace(auth.Type)) {
	case "", "none":
	case "bearer":
		prefix := strings.TrimSpace(auth.Prefix)
		if prefix == "" {
			prefix = "Bearer"
		}
		request.Header.Set("Authorization", prefix+" "+strings.TrimSpace(auth.Token))
	case "basic":
		credentials := strings.TrimSpace(auth.Username) + ":" + strings.TrimSpace(auth.Password)
		encoded := base64.StdEncoding.EncodeToString([]byte(credentials))
		request.Header.Set("Authorization", "Basic "+encoded)
	case "header":
		header := strings.TrimSpace(auth.Header)
		if header == "" {
			return
		}
		prefix := strings.TrimSpace(auth.Prefix)
		token := strings.TrimSpace(auth.Token)
		if prefix != "" {
			request.Header.Set(header, prefix+" "+token)
			return
		}
		request.Header.Set(header, token)
	}
}

// checkStatus converts a non-2xx response into an error.
// Params: operation label and HTTP response pointer.
// Returns: nil for 2xx, permanent error for 4xx, plain error otherwise.
func checkStatus(operation string, response *http.Response) error {
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return nil
	}
	rawBody, _ := io.ReadAll(response.Body)
	trimmedBody := strings.TrimSpace(string(rawBody))
	var err error
	if trimmedBody == "" {
		err = fmt.Errorf("%s status=%d", operation, response.StatusCode)
	} else {
		err = fmt.Errorf("%s status=%d body=%s", operation, response.StatusCode, trimmedBody)
	}
	if response.StatusCode >= 400 && response.StatusCode < 500 {
		return permanent.Mark(err)
	}
	return err
}
