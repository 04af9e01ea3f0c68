package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"slawatch/internal/bizcal"
	"slawatch/internal/config"
	"slawatch/internal/domain"
	"slawatch/internal/notify"
	"slawatch/internal/state"
)

type fixedClock struct {
	t time.Time
}

func (c fixedClock) Now() time.Time {
	return c.t
}

type fakeTracker struct {
	mu       sync.Mutex
	items    []domain.WorkItemSnapshot
	fetchErr error
	comments []string
}

func (f *fakeTracker) FetchItems(context.Context) ([]domain.WorkItemSnapshot, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.items, nil
}

func (f *fakeTracker) PostComment(_ context.Context, itemID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, itemID+": "+body)
	return nil
}

type fakeDispatcher struct {
	mu        sync.Mutex
	sendErr   error
	threadRef string
	sent      []domain.AlertPayload
	summaries int
}

func (f *fakeDispatcher) Send(_ context.Context, channel, _ string, alert domain.AlertPayload) (notify.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return notify.SendResult{}, f.sendErr
	}
	alert.Channel = channel
	f.sent = append(f.sent, alert)
	return notify.SendResult{ThreadRef: f.threadRef}, nil
}

func (f *fakeDispatcher) SendSummary(context.Context, string, string, any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries++
	return nil
}

func (f *fakeDispatcher) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// Monday through Friday, 09:00-17:00 UTC. 2026-08-24 is a Monday.
func managerCalendar(t *testing.T) bizcal.Calendar {
	t.Helper()
	cal, err := bizcal.New(
		[]time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		9, 17, time.UTC, nil,
	)
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}
	return cal
}

func managerConfig() config.Config {
	return config.Config{
		Service: config.ServiceConfig{Workers: 2, RunLockTTLSec: 900},
		Notify:  config.NotifyConfig{CooldownHours: 24},
		Rule: []config.RuleConfig{{
			Name:            "blocked_daily",
			Kind:            "blocked_update",
			ThresholdHours:  8,
			BoundariesHours: []float64{8, 16, 24},
			Route:           []config.RuleNotifyRoute{{Channel: "webhook", Template: "default"}},
		}},
	}
}

func at(day, hour, minute int) time.Time {
	return time.Date(2026, time.August, day, hour, minute, 0, 0, time.UTC)
}

func tp(t time.Time) *time.Time {
	return &t
}

func blockedItem(id string, blockedSince time.Time) domain.WorkItemSnapshot {
	return domain.WorkItemSnapshot{
		ID:           id,
		Kind:         domain.ItemKindTicket,
		Title:        "payment gateway integration",
		RawStatus:    "blocked",
		Assignee:     "kim",
		CreatedAt:    at(20, 9, 0),
		LastUpdated:  blockedSince,
		BlockedSince: tp(blockedSince),
	}
}

func newTestManager(
	cfg config.Config,
	cal bizcal.Calendar,
	store state.Store,
	trk *fakeTracker,
	dsp *fakeDispatcher,
	now time.Time,
) *Manager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(cfg, cal, logger, store, trk, dsp, fixedClock{t: now})
}

func TestRunOnceAlertsAndRecords(t *testing.T) {
	t.Parallel()

	// Blocked Monday 09:00, evaluated Tuesday 11:00: 10 business hours.
	now := at(25, 11, 0)
	clk := fixedClock{t: now}
	store := state.NewMemoryStore(clk.Now)
	trk := &fakeTracker{items: []domain.WorkItemSnapshot{blockedItem("PROJ-7", at(24, 9, 0))}}
	dsp := &fakeDispatcher{}
	cfg := managerConfig()
	cfg.Notify.SummaryChannel = "webhook"

	manager := newTestManager(cfg, managerCalendar(t), store, trk, dsp, now)
	report, err := manager.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if report.ItemCount != 1 || report.ViolationCount != 1 || report.AlertsSent != 1 {
		t.Fatalf("report = %+v", report)
	}
	if report.Criticals != 0 || report.Suppressed != 0 {
		t.Fatalf("report = %+v", report)
	}

	if got := dsp.sentCount(); got != 1 {
		t.Fatalf("dispatched = %d", got)
	}
	alert := dsp.sent[0]
	if alert.Level != 2 || alert.Category != "MEDIUM" || alert.Action == "" {
		t.Fatalf("alert = %+v", alert)
	}
	if alert.AlertCount != 1 {
		t.Fatalf("alert count = %d", alert.AlertCount)
	}

	record, _, err := store.GetRecord(context.Background(), "PROJ-7_blocked_update")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if record.AlertCount != 1 || record.EscalationLevel != 2 {
		t.Fatalf("record = %+v", record)
	}

	if dsp.summaries != 1 {
		t.Fatalf("summaries = %d", dsp.summaries)
	}
}

func TestRunOnceRecordsOnlyAfterDispatch(t *testing.T) {
	t.Parallel()

	now := at(25, 11, 0)
	clk := fixedClock{t: now}
	store := state.NewMemoryStore(clk.Now)
	trk := &fakeTracker{items: []domain.WorkItemSnapshot{blockedItem("PROJ-7", at(24, 9, 0))}}
	dsp := &fakeDispatcher{sendErr: errors.New("channel down")}

	manager := newTestManager(managerConfig(), managerCalendar(t), store, trk, dsp, now)
	report, err := manager.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.AlertsSent != 0 {
		t.Fatalf("alerts sent = %d", report.AlertsSent)
	}
	if len(report.Violations) != 1 || report.Violations[0].GateReason != "dispatch_failed" {
		t.Fatalf("violations = %+v", report.Violations)
	}
	if _, _, err := store.GetRecord(context.Background(), "PROJ-7_blocked_update"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected no record, got err=%v", err)
	}

	// The next run retries the same first alert once the channel recovers.
	dsp.sendErr = nil
	report, err = manager.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.AlertsSent != 1 {
		t.Fatalf("alerts sent = %d", report.AlertsSent)
	}
	record, _, err := store.GetRecord(context.Background(), "PROJ-7_blocked_update")
	if err != nil || record.AlertCount != 1 {
		t.Fatalf("record = %+v err=%v", record, err)
	}
}

func TestRunOnceSkipsWhenLocked(t *testing.T) {
	t.Parallel()

	now := at(25, 11, 0)
	clk := fixedClock{t: now}
	store := state.NewMemoryStore(clk.Now)
	if err := store.AcquireRunLock(context.Background(), "other-instance", 15*time.Minute); err != nil {
		t.Fatalf("pre-lock: %v", err)
	}

	trk := &fakeTracker{items: []domain.WorkItemSnapshot{blockedItem("PROJ-7", at(24, 9, 0))}}
	dsp := &fakeDispatcher{}
	manager := newTestManager(managerConfig(), managerCalendar(t), store, trk, dsp, now)

	report, err := manager.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.Skipped {
		t.Fatalf("expected skipped run, got %+v", report)
	}
	if got := dsp.sentCount(); got != 0 {
		t.Fatalf("dispatched = %d", got)
	}
}

func TestRunOnceSuppressesWithinCooldown(t *testing.T) {
	t.Parallel()

	now := at(25, 11, 0)
	clk := fixedClock{t: now}
	store := state.NewMemoryStore(clk.Now)
	_, err := store.PutRecord(context.Background(), "PROJ-7_blocked_update", domain.AlertRecord{
		ViolationID:     "PROJ-7_blocked_update",
		ItemID:          "PROJ-7",
		Kind:            domain.KindBlockedUpdate,
		LastAlertedAt:   now.Add(-time.Hour),
		AlertCount:      1,
		EscalationLevel: 2,
	})
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}

	trk := &fakeTracker{items: []domain.WorkItemSnapshot{blockedItem("PROJ-7", at(24, 9, 0))}}
	dsp := &fakeDispatcher{}
	manager := newTestManager(managerConfig(), managerCalendar(t), store, trk, dsp, now)

	report, err := manager.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.AlertsSent != 0 || report.Suppressed != 1 {
		t.Fatalf("report = %+v", report)
	}
	if got := dsp.sentCount(); got != 0 {
		t.Fatalf("dispatched = %d", got)
	}
}

func TestRunOnceClearsResolvedRecords(t *testing.T) {
	t.Parallel()

	now := at(25, 11, 0)
	clk := fixedClock{t: now}
	store := state.NewMemoryStore(clk.Now)
	_, err := store.PutRecord(context.Background(), "PROJ-7_blocked_update", domain.AlertRecord{
		ViolationID:     "PROJ-7_blocked_update",
		ItemID:          "PROJ-7",
		Kind:            domain.KindBlockedUpdate,
		LastAlertedAt:   now.Add(-48 * time.Hour),
		AlertCount:      2,
		EscalationLevel: 2,
	})
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}

	unblocked := blockedItem("PROJ-7", at(24, 9, 0))
	unblocked.RawStatus = "in_progress"
	unblocked.BlockedSince = nil

	trk := &fakeTracker{items: []domain.WorkItemSnapshot{unblocked}}
	dsp := &fakeDispatcher{}
	manager := newTestManager(managerConfig(), managerCalendar(t), store, trk, dsp, now)

	report, err := manager.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Cleared != 1 || report.ViolationCount != 0 {
		t.Fatalf("report = %+v", report)
	}
	if _, _, err := store.GetRecord(context.Background(), "PROJ-7_blocked_update"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected cleared record, got err=%v", err)
	}
}

func TestRunOncePostsEscalationComment(t *testing.T) {
	t.Parallel()

	// Blocked Monday 09:00, evaluated Thursday 10:00: 25 business hours,
	// above every boundary, so the violation is critical.
	now := at(27, 10, 0)
	clk := fixedClock{t: now}
	store := state.NewMemoryStore(clk.Now)
	trk := &fakeTracker{items: []domain.WorkItemSnapshot{blockedItem("PROJ-7", at(24, 9, 0))}}
	dsp := &fakeDispatcher{}

	cfg := managerConfig()
	cfg.Rule[0].CommentOnEscalate = true
	manager := newTestManager(cfg, managerCalendar(t), store, trk, dsp, now)

	report, err := manager.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Criticals != 1 || report.AlertsSent != 1 {
		t.Fatalf("report = %+v", report)
	}
	if len(trk.comments) != 1 || !strings.Contains(trk.comments[0], "level 4") {
		t.Fatalf("comments = %v", trk.comments)
	}
	if !strings.HasPrefix(trk.comments[0], "PROJ-7:") {
		t.Fatalf("comments = %v", trk.comments)
	}
}

func TestRunOnceDispatchesCriticalFirst(t *testing.T) {
	t.Parallel()

	now := at(27, 10, 0)
	clk := fixedClock{t: now}
	store := state.NewMemoryStore(clk.Now)
	trk := &fakeTracker{items: []domain.WorkItemSnapshot{
		blockedItem("PROJ-1", at(26, 9, 0)),  // 9 business hours, level 2
		blockedItem("PROJ-2", at(24, 9, 0)),  // 25 business hours, level 4
		blockedItem("PROJ-3", at(25, 16, 0)), // 10 business hours, level 2
	}}
	dsp := &fakeDispatcher{}
	manager := newTestManager(managerConfig(), managerCalendar(t), store, trk, dsp, now)

	report, err := manager.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.ViolationCount != 3 || report.AlertsSent != 3 {
		t.Fatalf("report = %+v", report)
	}
	if dsp.sent[0].ItemID != "PROJ-2" {
		t.Fatalf("first dispatched = %q", dsp.sent[0].ItemID)
	}
	if dsp.sent[1].ItemID == "PROJ-2" || dsp.sent[2].ItemID == "PROJ-2" {
		t.Fatalf("order = %q %q %q", dsp.sent[0].ItemID, dsp.sent[1].ItemID, dsp.sent[2].ItemID)
	}
}

func TestRunOnceIsolatesBrokenItems(t *testing.T) {
	t.Parallel()

	now := at(25, 11, 0)
	clk := fixedClock{t: now}
	store := state.NewMemoryStore(clk.Now)

	broken := blockedItem("PROJ-8", at(24, 9, 0))
	broken.BlockedSince = nil // blocked status without blocked_since

	trk := &fakeTracker{items: []domain.WorkItemSnapshot{
		broken,
		blockedItem("PROJ-7", at(24, 9, 0)),
	}}
	dsp := &fakeDispatcher{}
	manager := newTestManager(managerConfig(), managerCalendar(t), store, trk, dsp, now)

	report, err := manager.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.EvaluatedCount != 1 || len(report.Errors) != 1 {
		t.Fatalf("report = %+v", report)
	}
	if report.AlertsSent != 1 || dsp.sent[0].ItemID != "PROJ-7" {
		t.Fatalf("report = %+v sent=%+v", report, dsp.sent)
	}
}

func TestRunOnceThreadsFollowUpAlerts(t *testing.T) {
	t.Parallel()

	now := at(27, 10, 0)
	clk := fixedClock{t: now}
	store := state.NewMemoryStore(clk.Now)
	_, err := store.PutRecord(context.Background(), "PROJ-7_blocked_update", domain.AlertRecord{
		ViolationID:     "PROJ-7_blocked_update",
		ItemID:          "PROJ-7",
		Kind:            domain.KindBlockedUpdate,
		LastAlertedAt:   now.Add(-30 * time.Hour),
		AlertCount:      1,
		EscalationLevel: 2,
		ThreadRef:       "msg-100",
	})
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}

	trk := &fakeTracker{items: []domain.WorkItemSnapshot{blockedItem("PROJ-7", at(24, 9, 0))}}
	dsp := &fakeDispatcher{}
	manager := newTestManager(managerConfig(), managerCalendar(t), store, trk, dsp, now)

	report, err := manager.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.AlertsSent != 1 {
		t.Fatalf("report = %+v", report)
	}
	alert := dsp.sent[0]
	if alert.ThreadRef != "msg-100" || alert.AlertCount != 2 {
		t.Fatalf("alert = %+v", alert)
	}

	record, _, err := store.GetRecord(context.Background(), "PROJ-7_blocked_update")
	if err != nil || record.ThreadRef != "msg-100" || record.AlertCount != 2 {
		t.Fatalf("record = %+v err=%v", record, err)
	}
}
