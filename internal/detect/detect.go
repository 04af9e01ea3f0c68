// Package detect evaluates work item snapshots against the SLA rule table.
// Detection is stateless: every run recomputes violations from the snapshot
// and the business calendar, and only the dedup layer remembers past alerts.
package detect

import (
	"fmt"
	"time"

	"slawatch/internal/bizcal"
	"slawatch/internal/config"
	"slawatch/internal/domain"
	"slawatch/internal/escalate"
)

// detectFunc evaluates one rule kind against one item.
// Params: item snapshot, rule body, evaluation instant, and calendar.
// Returns: violation, triggered flag, and data-inconsistency error.
type detectFunc func(item domain.WorkItemSnapshot, rule config.RuleConfig, now time.Time, cal bizcal.Calendar) (domain.Violation, bool, error)

// registry binds each supported kind to its evaluation function.
var registry = map[domain.ViolationKind]detectFunc{
	domain.KindCommentResponse:   detectCommentResponse,
	domain.KindPRReview:          detectPRReview,
	domain.KindPRStaleness:       detectPRStaleness,
	domain.KindBlockedUpdate:     detectBlockedUpdate,
	domain.KindPendingApproval:   detectPendingApproval,
	domain.KindQATurnaround:      detectQATurnaround,
	domain.KindDeadlineProximity: detectDeadlineProximity,
}

// Detector evaluates items against a fixed rule table and calendar.
// Params: validated rules and the business calendar.
// Returns: stateless evaluator shared by all workers.
type Detector struct {
	rules []config.RuleConfig
	cal   bizcal.Calendar
}

// New creates a detector over the validated rule table.
// Params: rule table from config and the business calendar.
// Returns: initialized detector.
func New(rules []config.RuleConfig, cal bizcal.Calendar) *Detector {
	return &Detector{rules: rules, cal: cal}
}

// EvaluateItem runs every rule against one item.
// Params: item snapshot and evaluation instant.
// Returns: current violations plus the first per-rule evaluation error.
// A failing rule never hides results from the other rules.
func (d *Detector) EvaluateItem(item domain.WorkItemSnapshot, now time.Time) ([]domain.Violation, error) {
	if err := item.Validate(); err != nil {
		return nil, fmt.Errorf("item %q: %w", item.ID, err)
	}
	if item.Status().Terminal() {
		return nil, nil
	}

	var violations []domain.Violation
	var firstErr error
	for _, rule := range d.rules {
		evaluate, ok := registry[rule.ViolationKind()]
		if !ok {
			continue
		}
		violation, triggered, err := evaluate(item, rule, now, d.cal)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("item %q rule %q: %w", item.ID, rule.Name, err)
			}
			continue
		}
		if !triggered {
			continue
		}
		violation.ItemID = item.ID
		violation.Kind = rule.ViolationKind()
		violation.RuleName = rule.Name
		violation.Title = item.Title
		violation.Owner = item.Assignee
		violation.Link = item.Link
		violation.DetectedAt = now
		violations = append(violations, violation)
	}
	return violations, firstErr
}

// fixedViolation builds the severity fields for threshold-style kinds.
// Params: elapsed business hours and the rule boundaries.
// Returns: violation with level, category, and score filled.
func fixedViolation(elapsed float64, rule config.RuleConfig) domain.Violation {
	level := escalate.LevelFor(rule.BoundariesHours, elapsed)
	return domain.Violation{
		ElapsedHours: elapsed,
		Multiplier:   1,
		Level:        level,
		Category:     escalate.CategoryFor(level),
		Score:        escalate.RiskScore(level, 1),
	}
}

// detectCommentResponse flags directed comments without an owner reply.
func detectCommentResponse(item domain.WorkItemSnapshot, rule config.RuleConfig, now time.Time, cal bizcal.Calendar) (domain.Violation, bool, error) {
	asked := item.LastDirectedCommentAt
	if asked == nil {
		return domain.Violation{}, false, nil
	}
	if item.OwnerRespondedAt != nil && !item.OwnerRespondedAt.Before(*asked) {
		return domain.Violation{}, false, nil
	}
	elapsed := cal.Elapsed(*asked, now)
	if elapsed < rule.ThresholdHours {
		return domain.Violation{}, false, nil
	}
	return fixedViolation(elapsed, rule), true, nil
}

// detectPRReview flags pull requests still waiting for their first review.
func detectPRReview(item domain.WorkItemSnapshot, rule config.RuleConfig, now time.Time, cal bizcal.Calendar) (domain.Violation, bool, error) {
	if item.Kind != domain.ItemKindPullRequest || item.Status() == domain.StatusDraft {
		return domain.Violation{}, false, nil
	}
	if item.ReviewSubmittedAt != nil {
		return domain.Violation{}, false, nil
	}
	if item.PROpenedAt == nil {
		return domain.Violation{}, false, fmt.Errorf("pull request without pr_opened_at")
	}
	elapsed := cal.Elapsed(*item.PROpenedAt, now)
	if elapsed < rule.ThresholdHours {
		return domain.Violation{}, false, nil
	}
	return fixedViolation(elapsed, rule), true, nil
}

// detectPRStaleness flags pull requests without recent commits.
func detectPRStaleness(item domain.WorkItemSnapshot, rule config.RuleConfig, now time.Time, cal bizcal.Calendar) (domain.Violation, bool, error) {
	if item.Kind != domain.ItemKindPullRequest || item.Status() == domain.StatusDraft {
		return domain.Violation{}, false, nil
	}
	last := item.LastCommitAt
	if last == nil {
		last = item.PROpenedAt
	}
	if last == nil {
		return domain.Violation{}, false, fmt.Errorf("pull request without last_commit_at or pr_opened_at")
	}
	elapsed := cal.Elapsed(*last, now)
	if elapsed < rule.ThresholdHours {
		return domain.Violation{}, false, nil
	}
	return fixedViolation(elapsed, rule), true, nil
}

// detectBlockedUpdate flags blocked items without a fresh status update.
// The clock restarts from the latest update comment posted after the item
// became blocked.
func detectBlockedUpdate(item domain.WorkItemSnapshot, rule config.RuleConfig, now time.Time, cal bizcal.Calendar) (domain.Violation, bool, error) {
	if item.Status() != domain.StatusBlocked {
		return domain.Violation{}, false, nil
	}
	if item.BlockedSince == nil {
		return domain.Violation{}, false, fmt.Errorf("blocked item without blocked_since")
	}
	base := *item.BlockedSince
	if item.LastUpdateCommentAt != nil && item.LastUpdateCommentAt.After(base) {
		base = *item.LastUpdateCommentAt
	}
	elapsed := cal.Elapsed(base, now)
	if elapsed < rule.ThresholdHours {
		return domain.Violation{}, false, nil
	}
	return fixedViolation(elapsed, rule), true, nil
}

// detectPendingApproval flags items stuck awaiting a sign-off decision.
func detectPendingApproval(item domain.WorkItemSnapshot, rule config.RuleConfig, now time.Time, cal bizcal.Calendar) (domain.Violation, bool, error) {
	if item.Status() != domain.StatusPendingApproval {
		return domain.Violation{}, false, nil
	}
	if item.PendingApprovalSince == nil {
		return domain.Violation{}, false, fmt.Errorf("pending approval item without pending_approval_since")
	}
	elapsed := cal.Elapsed(*item.PendingApprovalSince, now)
	if elapsed < rule.ThresholdHours {
		return domain.Violation{}, false, nil
	}
	return fixedViolation(elapsed, rule), true, nil
}

// detectQATurnaround flags items sitting in QA beyond the budget.
func detectQATurnaround(item domain.WorkItemSnapshot, rule config.RuleConfig, now time.Time, cal bizcal.Calendar) (domain.Violation, bool, error) {
	if item.Status() != domain.StatusInQA {
		return domain.Violation{}, false, nil
	}
	if item.InQASince == nil {
		return domain.Violation{}, false, fmt.Errorf("in-qa item without in_qa_since")
	}
	elapsed := cal.Elapsed(*item.InQASince, now)
	if elapsed < rule.ThresholdHours {
		return domain.Violation{}, false, nil
	}
	return fixedViolation(elapsed, rule), true, nil
}

// detectDeadlineProximity flags items whose due date is near or past.
// Remaining time is measured in business hours, shrunk by the status
// multiplier, and bumped one level when the item has also stalled.
func detectDeadlineProximity(item domain.WorkItemSnapshot, rule config.RuleConfig, now time.Time, cal bizcal.Calendar) (domain.Violation, bool, error) {
	if item.DueDate == nil {
		return domain.Violation{}, false, nil
	}

	remaining := cal.Until(now, *item.DueDate)
	multiplier := rule.MultiplierFor(item.Status())
	stalled := rule.StallHours > 0 && cal.Elapsed(item.LastUpdated, now) >= rule.StallHours

	severity := escalate.DeadlineSeverity(remaining, rule.DueSoonHours, multiplier, stalled)
	if severity.Level == 0 {
		return domain.Violation{}, false, nil
	}
	return domain.Violation{
		RemainingHours: remaining,
		Multiplier:     multiplier,
		Level:          severity.Level,
		Category:       severity.Category,
		Score:          escalate.RiskScore(severity.Level, multiplier),
	}, true, nil
}
