package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"slawatch/internal/bizcal"
	"slawatch/internal/clock"
	"slawatch/internal/config"
	"slawatch/internal/dedup"
	"slawatch/internal/detect"
	"slawatch/internal/domain"
	"slawatch/internal/escalate"
	"slawatch/internal/notify"
	"slawatch/internal/state"
	"slawatch/internal/tracker"

	"github.com/google/uuid"
)

// escalatedBand is the level at which a violation counts as critical for
// run reporting, comment writeback, and the once-mode exit code.
const escalatedBand = 3

// AlertDispatcher is the outbound surface the manager needs from notify.
// Params: per-alert and summary delivery operations.
// Returns: dispatch behavior; satisfied by *notify.Dispatcher.
type AlertDispatcher interface {
	Send(ctx context.Context, channel, templateName string, alert domain.AlertPayload) (notify.SendResult, error)
	SendSummary(ctx context.Context, channel, templateName string, summary any) error
}

// Manager coordinates one monitoring run end to end.
// Params: rule table, calendar, detector, record store, dedup gate,
// tracker adapter, dispatcher, logger, and clock.
// Returns: RunOnce entrypoint used by the service loop and the trigger API.
type Manager struct {
	cfg        config.Config
	cal        bizcal.Calendar
	logger     *slog.Logger
	detector   *detect.Detector
	store      state.Store
	dedup      *dedup.Deduplicator
	tracker    tracker.Client
	dispatcher AlertDispatcher
	clock      clock.Clock

	rulesByName map[string]config.RuleConfig
}

// NewManager creates the run manager.
// Params: validated config, calendar, and runtime dependencies.
// Returns: initialized manager.
func NewManager(
	cfg config.Config,
	cal bizcal.Calendar,
	logger *slog.Logger,
	store state.Store,
	trackerClient tracker.Client,
	dispatcher AlertDispatcher,
	clk clock.Clock,
) *Manager {
	rulesByName := make(map[string]config.RuleConfig, len(cfg.Rule))
	for _, rule := range cfg.Rule {
		rulesByName[rule.Name] = rule
	}
	return &Manager{
		cfg:         cfg,
		cal:         cal,
		logger:      logger,
		detector:    detect.New(cfg.Rule, cal),
		store:       store,
		dedup:       dedup.New(store, clk.Now),
		tracker:     trackerClient,
		dispatcher:  dispatcher,
		clock:       clk,
		rulesByName: rulesByName,
	}
}

// ViolationReport is one violation entry in the run snapshot.
// Params: violation identity and severity fields plus the gate outcome.
// Returns: JSON-serializable report row.
type ViolationReport struct {
	ViolationID    string  `json:"violation_id"`
	ItemID         string  `json:"item_id"`
	Kind           string  `json:"violation_type"`
	RuleName       string  `json:"rule_name"`
	Title          string  `json:"title"`
	Level          int     `json:"escalation_level"`
	Category       string  `json:"category"`
	Score          int     `json:"risk_score"`
	ElapsedHours   float64 `json:"elapsed_hours,omitempty"`
	RemainingHours float64 `json:"remaining_hours,omitempty"`
	Alerted        bool    `json:"alerted"`
	GateReason     string  `json:"gate_reason"`
}

// RunReport summarizes one monitoring run.
// Params: run identity, counters, violations, and per-item errors.
// Returns: JSON-serializable run outcome.
type RunReport struct {
	RunID          string            `json:"run_id"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
	Skipped        bool              `json:"skipped,omitempty"`
	ItemCount      int               `json:"item_count"`
	EvaluatedCount int               `json:"evaluated_count"`
	ViolationCount int               `json:"violation_count"`
	AlertsSent     int               `json:"alerts_sent"`
	Suppressed     int               `json:"suppressed"`
	Cleared        int               `json:"cleared"`
	Criticals      int               `json:"criticals"`
	Errors         []string          `json:"errors,omitempty"`
	Violations     []ViolationReport `json:"violations,omitempty"`
}

// RunOnce executes one full monitoring run under the store run lock.
// Params: context bounding the whole run; cancellation aborts between items
// and between violations, never mid-dispatch.
// Returns: run report; the error is non-nil only when the run could not
// execute at all (lock backend failure or snapshot fetch failure). A run
// skipped because another instance holds the lock reports Skipped.
func (m *Manager) RunOnce(ctx context.Context) (RunReport, error) {
	report := RunReport{
		RunID:     uuid.NewString(),
		StartedAt: m.clock.Now(),
	}

	lockTTL := time.Duration(m.cfg.Service.RunLockTTLSec) * time.Second
	if err := m.store.AcquireRunLock(ctx, report.RunID, lockTTL); err != nil {
		if err == state.ErrRunLocked {
			m.logger.Info("run skipped, another run holds the lock", "run_id", report.RunID)
			report.Skipped = true
			report.FinishedAt = m.clock.Now()
			return report, nil
		}
		return report, fmt.Errorf("acquire run lock: %w", err)
	}
	defer func() {
		if err := m.store.ReleaseRunLock(context.WithoutCancel(ctx), report.RunID); err != nil {
			m.logger.Error("release run lock failed", "run_id", report.RunID, "error", err.Error())
		}
	}()

	items, err := m.tracker.FetchItems(ctx)
	if err != nil {
		return report, fmt.Errorf("fetch items: %w", err)
	}
	report.ItemCount = len(items)

	violations, evaluated, itemErrs := m.detectAll(ctx, items)
	report.EvaluatedCount = len(evaluated)
	report.ViolationCount = len(violations)
	for _, itemErr := range itemErrs {
		report.Errors = append(report.Errors, itemErr.Error())
	}

	sortCriticalFirst(violations)

	active := make(map[string]struct{}, len(violations))
	for _, violation := range violations {
		active[violation.ID()] = struct{}{}
	}

	for _, violation := range violations {
		if ctx.Err() != nil {
			report.Errors = append(report.Errors, ctx.Err().Error())
			break
		}
		entry := m.handleViolation(ctx, violation)
		if entry.Alerted {
			report.AlertsSent++
		} else if entry.GateReason == dedup.ReasonSuppressed {
			report.Suppressed++
		}
		if violation.Level >= escalatedBand {
			report.Criticals++
		}
		report.Violations = append(report.Violations, entry)
	}

	if ctx.Err() == nil {
		cleared, err := m.dedup.ClearResolved(ctx, active, evaluated)
		if err != nil {
			m.logger.Error("clear resolved failed", "run_id", report.RunID, "error", err.Error())
			report.Errors = append(report.Errors, err.Error())
		}
		report.Cleared = cleared
	}

	report.FinishedAt = m.clock.Now()
	m.finishRun(ctx, report)
	return report, nil
}

// detectAll evaluates every item through the bounded worker pool.
// Params: context and fetched item snapshots.
// Returns: all violations, the set of item IDs evaluated without error,
// and the per-item errors. One broken item never blocks the rest.
func (m *Manager) detectAll(ctx context.Context, items []domain.WorkItemSnapshot) ([]domain.Violation, map[string]struct{}, []error) {
	workers := m.cfg.Service.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	now := m.clock.Now()
	feed := make(chan domain.WorkItemSnapshot)

	var mu sync.Mutex
	var violations []domain.Violation
	evaluated := make(map[string]struct{}, len(items))
	var itemErrs []error

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range feed {
				found, err := m.detector.EvaluateItem(item, now)
				mu.Lock()
				if err != nil {
					itemErrs = append(itemErrs, err)
					m.logger.Warn("item evaluation failed", "item_id", item.ID, "error", err.Error())
				} else {
					evaluated[item.ID] = struct{}{}
				}
				violations = append(violations, found...)
				mu.Unlock()
			}
		}()
	}

feedLoop:
	for _, item := range items {
		select {
		case <-ctx.Done():
			break feedLoop
		case feed <- item:
		}
	}
	close(feed)
	wg.Wait()

	return violations, evaluated, itemErrs
}

// handleViolation runs the decide-dispatch-record sequence for one violation.
// Params: context and one detected violation.
// Returns: report entry; the record is written only after at least one
// route delivered, so failed deliveries retry next run.
func (m *Manager) handleViolation(ctx context.Context, violation domain.Violation) ViolationReport {
	entry := ViolationReport{
		ViolationID:    violation.ID(),
		ItemID:         violation.ItemID,
		Kind:           string(violation.Kind),
		RuleName:       violation.RuleName,
		Title:          violation.Title,
		Level:          violation.Level,
		Category:       violation.Category,
		Score:          violation.Score,
		ElapsedHours:   violation.ElapsedHours,
		RemainingHours: violation.RemainingHours,
	}

	rule, ok := m.rulesByName[violation.RuleName]
	if !ok {
		entry.GateReason = "rule_missing"
		return entry
	}

	decision, err := m.dedup.ShouldAlert(ctx, violation, m.cfg.CooldownFor(rule))
	if err != nil {
		m.logger.Error("alert gate failed", "violation_id", violation.ID(), "error", err.Error())
		entry.GateReason = "gate_error"
		return entry
	}
	entry.GateReason = decision.Reason
	if !decision.Send {
		return entry
	}

	payload := m.buildPayload(violation, decision)
	threadRef, delivered := m.dispatchRoutes(ctx, rule, payload)
	if !delivered {
		entry.GateReason = "dispatch_failed"
		return entry
	}

	record, err := m.dedup.RecordAlert(ctx, violation, threadRef)
	if err != nil {
		// The alert went out; a lost record means one extra alert next run.
		m.logger.Error("record alert failed", "violation_id", violation.ID(), "error", err.Error())
	}
	entry.Alerted = true

	if rule.CommentOnEscalate && violation.Level >= escalatedBand {
		m.postEscalationComment(ctx, violation, record)
	}
	return entry
}

// buildPayload assembles the channel-agnostic alert payload.
// Params: violation and the gate decision with the prior record.
// Returns: payload with action text, alert count, and thread reference.
func (m *Manager) buildPayload(violation domain.Violation, decision dedup.Decision) domain.AlertPayload {
	payload := domain.AlertPayload{
		ItemID:         violation.ItemID,
		Kind:           violation.Kind,
		RuleName:       violation.RuleName,
		Title:          violation.Title,
		Owner:          violation.Owner,
		Link:           violation.Link,
		Level:          violation.Level,
		Category:       violation.Category,
		ElapsedHours:   violation.ElapsedHours,
		RemainingHours: violation.RemainingHours,
		Action:         escalate.ActionFor(violation.Kind, violation.Level),
		AlertCount:     1,
		Timestamp:      violation.DetectedAt,
	}
	if decision.HasPrior {
		payload.AlertCount = decision.Previous.AlertCount + 1
		payload.ThreadRef = decision.Previous.ThreadRef
	}
	return payload
}

// dispatchRoutes delivers one payload to every route of the rule.
// Params: context, rule with its routes, and rendered payload.
// Returns: first non-empty thread reference and whether any route delivered.
func (m *Manager) dispatchRoutes(ctx context.Context, rule config.RuleConfig, payload domain.AlertPayload) (string, bool) {
	threadRef := ""
	delivered := false
	for _, route := range rule.Route {
		result, err := m.dispatcher.Send(ctx, route.Channel, route.Template, payload)
		if err != nil {
			m.logger.Error("alert dispatch failed",
				"violation_id", payload.ItemID+"_"+string(payload.Kind),
				"channel", route.Channel, "error", err.Error())
			continue
		}
		delivered = true
		if threadRef == "" && result.ThreadRef != "" {
			threadRef = result.ThreadRef
		}
	}
	if threadRef == "" && payload.ThreadRef != "" {
		threadRef = payload.ThreadRef
	}
	return threadRef, delivered
}

// postEscalationComment writes the escalation back onto the item.
// Params: context, violation, and its updated record.
// Returns: nothing; writeback failures are logged and never fail the run.
func (m *Manager) postEscalationComment(ctx context.Context, violation domain.Violation, record domain.AlertRecord) {
	body := fmt.Sprintf("SLA escalation level %d (%s): %s. Alert #%d for this violation.",
		violation.Level, violation.Category,
		escalate.ActionFor(violation.Kind, violation.Level), record.AlertCount)
	if err := m.tracker.PostComment(ctx, violation.ItemID, body); err != nil {
		m.logger.Warn("escalation comment failed", "item_id", violation.ItemID, "error", err.Error())
	}
}

// finishRun emits the optional summary message and the JSON run snapshot.
// Params: context and completed report.
// Returns: nothing; both outputs are best effort.
func (m *Manager) finishRun(ctx context.Context, report RunReport) {
	if channel := m.cfg.Notify.SummaryChannel; channel != "" {
		if err := m.dispatcher.SendSummary(ctx, channel, m.cfg.Notify.SummaryTemplate, report); err != nil {
			m.logger.Error("run summary failed", "run_id", report.RunID, "error", err.Error())
		}
	}
	if dir := m.cfg.Service.SnapshotDir; dir != "" {
		if err := writeRunSnapshot(dir, report); err != nil {
			m.logger.Error("run snapshot failed", "run_id", report.RunID, "error", err.Error())
		}
	}

	m.logger.Info("run finished",
		"run_id", report.RunID,
		"items", report.ItemCount,
		"violations", report.ViolationCount,
		"alerts_sent", report.AlertsSent,
		"suppressed", report.Suppressed,
		"cleared", report.Cleared,
		"criticals", report.Criticals,
		"errors", len(report.Errors))
}

// writeRunSnapshot persists the report as one timestamped JSON file.
// Params: snapshot directory and completed report.
// Returns: write error.
func writeRunSnapshot(dir string, report RunReport) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	name := fmt.Sprintf("run_%s_%s.json", report.StartedAt.UTC().Format("20060102T150405"), report.RunID)
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), body, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// sortCriticalFirst orders violations by severity for dispatch and reports.
// Params: violation slice sorted in place.
// Returns: level descending, then score descending, then item/kind for a
// stable deterministic order.
func sortCriticalFirst(violations []domain.Violation) {
	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Level != violations[j].Level {
			return violations[i].Level > violations[j].Level
		}
		if violations[i].Score != violations[j].Score {
			return violations[i].Score > violations[j].Score
		}
		if violations[i].ItemID != violations[j].ItemID {
			return violations[i].ItemID < violations[j].ItemID
		}
		return violations[i].Kind < violations[j].Kind
	})
}
