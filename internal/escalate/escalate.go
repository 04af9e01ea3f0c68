// Package escalate maps elapsed or remaining business hours onto escalation
// levels 1-4, category labels, and numeric risk scores. Every function is
// pure; all inputs come from the rule table and the detector.
package escalate

import (
	"math"

	"slawatch/internal/domain"
)

// Escalation level bounds.
const (
	MinLevel = 1
	MaxLevel = 4
)

// Category labels for deadline-style severity.
const (
	CategoryOverdue  = "OVERDUE"
	CategoryCritical = "CRITICAL"
	CategoryHigh     = "HIGH"
	CategoryMedium   = "MEDIUM"
	CategoryLow      = "LOW"
)

// Severity is one computed escalation outcome.
// Params: level 1-4 and category label.
// Returns: severity pair consumed by the detector.
type Severity struct {
	Level    int
	Category string
}

// LevelFor computes the escalation level for fixed-threshold rules.
// Params: ascending business-hour boundaries and elapsed business hours.
// Returns: 1 plus the count of boundaries exceeded, capped at MaxLevel.
func LevelFor(boundaries []float64, elapsed float64) int {
	level := MinLevel
	for _, boundary := range boundaries {
		if elapsed >= boundary {
			level++
		}
	}
	if level > MaxLevel {
		level = MaxLevel
	}
	return level
}

// DeadlineSeverity computes severity for due-date rules from remaining time.
// Params: signed remaining business hours until due (negative when overdue),
// ascending due-soon windows, status multiplier, and stall flag.
// Returns: severity; level 0 means no violation. Overdue items are MaxLevel
// regardless of status. The multiplier shrinks effective slack, the stall
// flag adds one level, both capped at MaxLevel.
func DeadlineSeverity(remainingHours float64, dueSoonWindows []float64, multiplier float64, stalled bool) Severity {
	if multiplier <= 0 {
		multiplier = 1
	}

	if remainingHours < 0 {
		return Severity{Level: MaxLevel, Category: CategoryOverdue}
	}

	effective := remainingHours / multiplier
	level := 0
	for index, window := range dueSoonWindows {
		if effective <= window {
			level = len(dueSoonWindows) - index
			break
		}
	}
	if level == 0 {
		return Severity{}
	}
	if stalled {
		level++
	}
	if level > MaxLevel {
		level = MaxLevel
	}
	return Severity{Level: level, Category: categoryForLevel(level)}
}

// CategoryFor maps a non-overdue level to its label.
// Params: level 1-4.
// Returns: label ordered CRITICAL > HIGH > MEDIUM > LOW.
func CategoryFor(level int) string {
	return categoryForLevel(level)
}

// categoryForLevel maps a non-overdue level to its label.
// Params: level 1-4.
// Returns: label ordered CRITICAL > HIGH > MEDIUM > LOW.
func categoryForLevel(level int) string {
	switch level {
	case MaxLevel:
		return CategoryCritical
	case 3:
		return CategoryHigh
	case 2:
		return CategoryMedium
	default:
		return CategoryLow
	}
}

// RiskScore converts severity into a 0-100 reporting score.
// Params: escalation level and status multiplier.
// Returns: monotonic score: a higher level always outranks any multiplier
// bonus, and a higher multiplier never lowers the score.
func RiskScore(level int, multiplier float64) int {
	if level < MinLevel {
		return 0
	}
	if level > MaxLevel {
		level = MaxLevel
	}
	if multiplier < 1 {
		multiplier = 1
	}
	bonus := int(math.Round((multiplier - 1) * 10))
	if bonus > 19 {
		bonus = 19
	}
	score := level*20 + bonus
	if score > 100 {
		score = 100
	}
	return score
}

// actionTexts maps kind and level band to the recommended action category.
var actionTexts = map[domain.ViolationKind][2]string{
	domain.KindCommentResponse:   {"reply to the waiting comment", "escalate unanswered comment to the lead"},
	domain.KindPRReview:          {"assign or ping a reviewer", "pull in a second reviewer and flag the delay"},
	domain.KindPRStaleness:       {"push progress or update the PR description", "decide whether to split, hand over, or close the PR"},
	domain.KindBlockedUpdate:     {"post a blocker status update", "raise the blocker with the unblocking owner"},
	domain.KindPendingApproval:   {"ping the approver", "escalate the approval to the decision owner"},
	domain.KindQATurnaround:      {"check QA queue position", "rebalance QA load or timebox the verification"},
	domain.KindDeadlineProximity: {"confirm the plan still fits the due date", "replan scope or renegotiate the due date"},
}

// ActionFor returns the recommended action text for one violation.
// Params: violation kind and escalation level.
// Returns: routine action for levels 1-2, escalated action for 3-4.
func ActionFor(kind domain.ViolationKind, level int) string {
	pair, ok := actionTexts[kind]
	if !ok {
		return "review the item"
	}
	if level >= 3 {
		return pair[1]
	}
	return pair[0]
}
