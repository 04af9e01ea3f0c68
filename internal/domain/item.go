package domain

import (
	"errors"
	"strings"
	"time"
)

// ItemKind identifies the work item class returned by the tracker.
// Params: constants "ticket" or "pull_request".
// Returns: normalized item kind usage across detection.
type ItemKind string

const (
	// ItemKindTicket marks one tracker issue.
	ItemKindTicket ItemKind = "ticket"
	// ItemKindPullRequest marks one pull request.
	ItemKindPullRequest ItemKind = "pull_request"
)

// ItemStatus is the closed set of workflow statuses the engine understands.
// Params: normalized status constants plus explicit Unknown fallback.
// Returns: status value for rule predicates and multipliers.
type ItemStatus string

const (
	// StatusOpen indicates item is open and not yet started.
	StatusOpen ItemStatus = "open"
	// StatusInProgress indicates active work.
	StatusInProgress ItemStatus = "in_progress"
	// StatusBlocked indicates work is stopped on an external dependency.
	StatusBlocked ItemStatus = "blocked"
	// StatusPendingApproval indicates item awaits a sign-off decision.
	StatusPendingApproval ItemStatus = "pending_approval"
	// StatusInQA indicates item is under test.
	StatusInQA ItemStatus = "in_qa"
	// StatusInReview indicates pull request awaits review.
	StatusInReview ItemStatus = "in_review"
	// StatusDraft indicates not-ready draft work.
	StatusDraft ItemStatus = "draft"
	// StatusDone indicates terminal completed state.
	StatusDone ItemStatus = "done"
	// StatusClosed indicates terminal closed state.
	StatusClosed ItemStatus = "closed"
	// StatusCancelled indicates terminal cancelled state.
	StatusCancelled ItemStatus = "cancelled"
	// StatusUnknown is the explicit fallback for unrecognized tracker statuses.
	StatusUnknown ItemStatus = "unknown"
)

// statusAliases maps raw tracker status spellings onto the closed enum.
var statusAliases = map[string]ItemStatus{
	"open":             StatusOpen,
	"to do":            StatusOpen,
	"todo":             StatusOpen,
	"backlog":          StatusOpen,
	"in progress":      StatusInProgress,
	"in_progress":      StatusInProgress,
	"blocked":          StatusBlocked,
	"pending approval": StatusPendingApproval,
	"pending_approval": StatusPendingApproval,
	"in qa":            StatusInQA,
	"in_qa":            StatusInQA,
	"qa":               StatusInQA,
	"in review":        StatusInReview,
	"in_review":        StatusInReview,
	"review":           StatusInReview,
	"draft":            StatusDraft,
	"done":             StatusDone,
	"closed":           StatusClosed,
	"resolved":         StatusDone,
	"cancelled":        StatusCancelled,
	"canceled":         StatusCancelled,
}

// ParseStatus normalizes one raw tracker status string.
// Params: raw status from the tracker payload.
// Returns: closed-enum status; StatusUnknown for unrecognized values.
func ParseStatus(raw string) ItemStatus {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if status, ok := statusAliases[normalized]; ok {
		return status
	}
	return StatusUnknown
}

// Terminal reports whether status ends the item lifecycle.
// Params: none.
// Returns: true for done/closed/cancelled.
func (s ItemStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusClosed, StatusCancelled:
		return true
	default:
		return false
	}
}

// WorkItemSnapshot is one read-only item state fetched from the tracker.
// Params: identity, status, and the per-state timestamps detection reads.
// Returns: immutable evaluation input; the engine never mutates it.
type WorkItemSnapshot struct {
	ID          string     `json:"id"`
	Kind        ItemKind   `json:"kind"`
	Title       string     `json:"title"`
	RawStatus   string     `json:"status"`
	Assignee    string     `json:"assignee"`
	Link        string     `json:"link"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUpdated time.Time  `json:"last_updated"`
	DueDate     *time.Time `json:"due_date,omitempty"`

	BlockedSince         *time.Time `json:"blocked_since,omitempty"`
	PendingApprovalSince *time.Time `json:"pending_approval_since,omitempty"`
	InQASince            *time.Time `json:"in_qa_since,omitempty"`

	LastDirectedCommentAt *time.Time `json:"last_directed_comment_at,omitempty"`
	OwnerRespondedAt      *time.Time `json:"owner_responded_at,omitempty"`
	LastUpdateCommentAt   *time.Time `json:"last_update_comment_at,omitempty"`

	PROpenedAt        *time.Time `json:"pr_opened_at,omitempty"`
	ReviewersAssigned bool       `json:"reviewers_assigned,omitempty"`
	ReviewSubmittedAt *time.Time `json:"review_submitted_at,omitempty"`
	LastCommitAt      *time.Time `json:"last_commit_at,omitempty"`
}

// Status returns the normalized closed-enum status for the snapshot.
// Params: none.
// Returns: parsed status with explicit Unknown fallback.
func (s WorkItemSnapshot) Status() ItemStatus {
	return ParseStatus(s.RawStatus)
}

// Validate checks the snapshot carries the fields every kind requires.
// Params: decoded snapshot fields.
// Returns: validation error when identity or base timestamps are missing.
func (s WorkItemSnapshot) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("item id is required")
	}
	switch s.Kind {
	case ItemKindTicket, ItemKindPullRequest:
	default:
		return errors.New("unsupported item kind")
	}
	if s.LastUpdated.IsZero() {
		return errors.New("last_updated is required")
	}
	return nil
}
