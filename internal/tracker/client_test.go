package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"slawatch/internal/config"
	"slawatch/internal/permanent"
)

func testConfig(url string) config.TrackerConfig {
	return config.TrackerConfig{
		BaseURL:        url,
		ItemsPath:      "/api/items",
		CommentPath:    "/api/items/{id}/comments",
		TimeoutSec:     5,
		MaxAttempts:    3,
		RetryBackoffMS: 1,
	}
}

func TestFetchItemsDecodesSnapshots(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/items" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("auth header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":"PROJ-1","kind":"ticket","status":"blocked","last_updated":"2026-08-24T10:00:00Z"},
			{"id":"PROJ-2","kind":"pull_request","status":"in_review","last_updated":"2026-08-24T11:00:00Z"}
		]`))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.Auth = config.AuthConfig{Type: "bearer", Token: "secret"}
	client := NewHTTPClient(cfg)

	items, err := client.FetchItems(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 2 || items[0].ID != "PROJ-1" || items[1].Kind != "pull_request" {
		t.Fatalf("items = %+v", items)
	}
}

func TestFetchItemsRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewHTTPClient(testConfig(server.URL))
	items, err := client.FetchItems(context.Background())
	if err != nil || items == nil {
		t.Fatalf("fetch: items=%v err=%v", items, err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls = %d", got)
	}
}

func TestFetchItemsStopsOnClientError(t *testing.T) {
	t.Parallel()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	client := NewHTTPClient(testConfig(server.URL))
	_, err := client.FetchItems(context.Background())
	if !permanent.Is(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestPostCommentSubstitutesItemID(t *testing.T) {
	t.Parallel()

	var gotPath string
	var gotBody struct {
		Body string `json:"body"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := NewHTTPClient(testConfig(server.URL))
	if err := client.PostComment(context.Background(), "PROJ-9", "escalated to level 3"); err != nil {
		t.Fatalf("post comment: %v", err)
	}
	if gotPath != "/api/items/PROJ-9/comments" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotBody.Body != "escalated to level 3" {
		t.Fatalf("body = %q", gotBody.Body)
	}
}
