package domain

import "time"

// ViolationKind identifies one SLA rule family.
// Params: fixed kind constants registered in the detector table.
// Returns: normalized violation kind for dedup keys and routing.
type ViolationKind string

const (
	// KindCommentResponse covers unanswered directed comments.
	KindCommentResponse ViolationKind = "comment_response"
	// KindPRReview covers pull requests waiting for a first review.
	KindPRReview ViolationKind = "pr_review"
	// KindPRStaleness covers pull requests without recent commits.
	KindPRStaleness ViolationKind = "pr_staleness"
	// KindBlockedUpdate covers blocked items without a daily update comment.
	KindBlockedUpdate ViolationKind = "blocked_update"
	// KindPendingApproval covers items stuck awaiting sign-off.
	KindPendingApproval ViolationKind = "pending_approval"
	// KindQATurnaround covers items sitting in QA too long.
	KindQATurnaround ViolationKind = "qa_turnaround"
	// KindDeadlineProximity covers items approaching or past their due date.
	KindDeadlineProximity ViolationKind = "deadline_proximity"
)

// Kinds returns the fixed set of supported violation kinds.
// Params: none.
// Returns: deterministic kind list used by config validation.
func Kinds() []ViolationKind {
	return []ViolationKind{
		KindCommentResponse,
		KindPRReview,
		KindPRStaleness,
		KindBlockedUpdate,
		KindPendingApproval,
		KindQATurnaround,
		KindDeadlineProximity,
	}
}

// Violation is one detected SLA breach, computed fresh each run.
// Params: composite identity, elapsed/remaining business hours, and severity.
// Returns: ephemeral detection output; only AlertRecord is persisted.
type Violation struct {
	ItemID         string
	Kind           ViolationKind
	RuleName       string
	Title          string
	Owner          string
	Link           string
	ElapsedHours   float64
	RemainingHours float64
	Multiplier     float64
	Level          int
	Category       string
	Score          int
	DetectedAt     time.Time
}

// ID builds the dedup key for this violation.
// Params: none.
// Returns: item_id + "_" + kind composite key.
func (v Violation) ID() string {
	return v.ItemID + "_" + string(v.Kind)
}

// AlertRecord is the persisted memory of the last alert for one violation.
// Params: dedup key, last alert time, count, level, and thread reference.
// Returns: store payload; exists iff at least one alert was emitted.
type AlertRecord struct {
	ViolationID     string        `json:"violation_id"`
	ItemID          string        `json:"item_id"`
	Kind            ViolationKind `json:"violation_type"`
	LastAlertedAt   time.Time     `json:"last_alerted_at"`
	AlertCount      int           `json:"alert_count"`
	EscalationLevel int           `json:"current_escalation_level"`
	ThreadRef       string        `json:"thread_ref,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// AlertPayload is one rendered outbound alert for the notify layer.
// Params: violation context plus routing and threading metadata.
// Returns: channel-agnostic dispatch payload.
type AlertPayload struct {
	Channel        string        `json:"channel"`
	ItemID         string        `json:"item_id"`
	Kind           ViolationKind `json:"violation_type"`
	RuleName       string        `json:"rule_name"`
	Title          string        `json:"title"`
	Owner          string        `json:"owner"`
	Link           string        `json:"link"`
	Level          int           `json:"escalation_level"`
	Category       string        `json:"category"`
	ElapsedHours   float64       `json:"elapsed_hours"`
	RemainingHours float64       `json:"remaining_hours"`
	Action         string        `json:"action"`
	AlertCount     int           `json:"alert_count"`
	ThreadRef      string        `json:"thread_ref,omitempty"`
	Message        string        `json:"message"`
	Timestamp      time.Time     `json:"timestamp"`
}
