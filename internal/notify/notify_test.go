package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"slawatch/internal/config"
	"slawatch/internal/domain"
	"slawatch/internal/permanent"
)

func sampleAlert() domain.AlertPayload {
	return domain.AlertPayload{
		ItemID:   "PROJ-4",
		Kind:     domain.KindPRReview,
		RuleName: "review_pickup",
		Title:    "Add retry budget",
		Owner:    "lee",
		Link:     "https://git.internal/pr/4",
		Level:    3,
		Category: "HIGH",
		Action:   "pull in a second reviewer and flag the delay",
	}
}

func TestDispatcherRendersDefaultTemplate(t *testing.T) {
	t.Parallel()

	var got domain.AlertPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.NotifyConfig{
		Webhook: config.WebhookNotifier{Enabled: true, URL: server.URL},
	}
	dispatcher := NewDispatcher(cfg, nil)

	result, err := dispatcher.Send(context.Background(), config.NotifyChannelWebhook, "default", sampleAlert())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.ThreadRef != "" {
		t.Fatalf("unexpected thread ref %q", result.ThreadRef)
	}
	if !strings.Contains(got.Message, "[HIGH]") || !strings.Contains(got.Message, "PROJ-4") {
		t.Fatalf("rendered message = %q", got.Message)
	}
	if got.Channel != config.NotifyChannelWebhook {
		t.Fatalf("channel = %q", got.Channel)
	}
}

func TestDispatcherUsesNamedTemplate(t *testing.T) {
	t.Parallel()

	var body struct {
		Message string `json:"message"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.NotifyConfig{
		Webhook: config.WebhookNotifier{
			Enabled: true,
			URL:     server.URL,
			NameTemplate: []config.NamedTemplateConfig{
				{Name: "short", Message: "{{ .ItemID }}/{{ .Level }}"},
			},
		},
	}
	dispatcher := NewDispatcher(cfg, nil)

	if _, err := dispatcher.Send(context.Background(), config.NotifyChannelWebhook, "short", sampleAlert()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if body.Message != "PROJ-4/3" {
		t.Fatalf("message = %q", body.Message)
	}

	if _, err := dispatcher.Send(context.Background(), config.NotifyChannelWebhook, "missing", sampleAlert()); err == nil {
		t.Fatalf("expected error for unknown template")
	}
}

func TestWebhookExtractsThreadRef(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"id":"thr-42"}}`))
	}))
	defer server.Close()

	sender := NewWebhookSender(config.WebhookNotifier{
		Enabled:     true,
		URL:         server.URL,
		RefJSONPath: "result.id",
	})

	result, err := sender.Send(context.Background(), sampleAlert())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.ThreadRef != "thr-42" {
		t.Fatalf("thread ref = %q", result.ThreadRef)
	}
}

func TestWebhookClientErrorIsPermanent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer server.Close()

	sender := NewWebhookSender(config.WebhookNotifier{Enabled: true, URL: server.URL})
	_, err := sender.Send(context.Background(), sampleAlert())
	if !permanent.Is(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}

	serverFlaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer serverFlaky.Close()

	senderFlaky := NewWebhookSender(config.WebhookNotifier{Enabled: true, URL: serverFlaky.URL})
	_, err = senderFlaky.Send(context.Background(), sampleAlert())
	if err == nil || permanent.Is(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

type scriptedSender struct {
	failures int32
	calls    int32
	err      error
}

func (s *scriptedSender) Channel() string { return "webhook" }

func (s *scriptedSender) Send(context.Context, domain.AlertPayload) (SendResult, error) {
	call := atomic.AddInt32(&s.calls, 1)
	if call <= atomic.LoadInt32(&s.failures) {
		return SendResult{}, s.err
	}
	return SendResult{ThreadRef: "ok"}, nil
}

func TestSendWithRetryRecovers(t *testing.T) {
	t.Parallel()

	dispatcher := &Dispatcher{}
	sender := &scriptedSender{failures: 2, err: errors.New("flaky")}
	retry := config.NotifyRetry{Enabled: true, Backoff: "exponential", InitialMS: 1, MaxMS: 4, MaxAttempts: 5}

	result, err := dispatcher.sendWithRetry(context.Background(), sender, sampleAlert(), retry)
	if err != nil || result.ThreadRef != "ok" {
		t.Fatalf("result = %+v err=%v", result, err)
	}
	if got := atomic.LoadInt32(&sender.calls); got != 3 {
		t.Fatalf("calls = %d", got)
	}
}

func TestSendWithRetryStopsOnPermanent(t *testing.T) {
	t.Parallel()

	dispatcher := &Dispatcher{}
	sender := &scriptedSender{failures: 10, err: permanent.Mark(errors.New("rejected"))}
	retry := config.NotifyRetry{Enabled: true, InitialMS: 1, MaxMS: 4, MaxAttempts: 5}

	_, err := dispatcher.sendWithRetry(context.Background(), sender, sampleAlert(), retry)
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := atomic.LoadInt32(&sender.calls); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestMattermostThreadsFollowUps(t *testing.T) {
	t.Parallel()

	var received struct {
		ChannelID string `json:"channel_id"`
		RootID    string `json:"root_id"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v4/posts" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"post-1"}`))
	}))
	defer server.Close()

	sender := NewMattermostSender(config.MattermostConfig{
		Enabled:   true,
		BaseURL:   server.URL,
		BotToken:  "token",
		ChannelID: "town-square",
	})

	first, err := sender.Send(context.Background(), sampleAlert())
	if err != nil || first.ThreadRef != "post-1" {
		t.Fatalf("first send: %+v err=%v", first, err)
	}

	followUp := sampleAlert()
	followUp.ThreadRef = "post-1"
	second, err := sender.Send(context.Background(), followUp)
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if received.RootID != "post-1" || second.ThreadRef != "post-1" {
		t.Fatalf("root id = %q thread = %q", received.RootID, second.ThreadRef)
	}
}

func TestSendSummaryUsesBuiltinTemplate(t *testing.T) {
	t.Parallel()

	var body struct {
		Message string `json:"message"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.NotifyConfig{
		Webhook: config.WebhookNotifier{Enabled: true, URL: server.URL},
	}
	dispatcher := NewDispatcher(cfg, nil)

	summary := struct {
		RunID          string
		ItemCount      int
		ViolationCount int
		AlertsSent     int
		Criticals      int
	}{RunID: "run-1", ItemCount: 12, ViolationCount: 3, AlertsSent: 2, Criticals: 1}

	if err := dispatcher.SendSummary(context.Background(), config.NotifyChannelWebhook, "", summary); err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !strings.Contains(body.Message, "run-1") || !strings.Contains(body.Message, "3 violations") {
		t.Fatalf("summary message = %q", body.Message)
	}
}
