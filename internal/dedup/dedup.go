// Package dedup decides whether a detected violation warrants a new alert
// and maintains the persisted alert records. A record exists iff at least
// one alert went out for that violation; records are written only after
// successful dispatch so a failed delivery retries on the next run.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"slawatch/internal/domain"
	"slawatch/internal/state"
)

// casAttempts bounds the retry loop on concurrent record updates.
const casAttempts = 3

// Deduplicator gates repeat alerts on level changes and a wall-clock cooldown.
// Params: record store and injected clock.
// Returns: alert gating and record maintenance operations.
type Deduplicator struct {
	store state.Store
	now   func() time.Time
}

// New creates a deduplicator over one record store.
// Params: record store and now function (defaults to time.Now when nil).
// Returns: initialized deduplicator.
func New(store state.Store, now func() time.Time) *Deduplicator {
	if now == nil {
		now = time.Now
	}
	return &Deduplicator{store: store, now: now}
}

// Decision explains one alert gate outcome.
// Params: send flag, reason label, and the prior record when present.
// Returns: gate result consumed by the run manager.
type Decision struct {
	Send     bool
	Reason   string
	Previous domain.AlertRecord
	HasPrior bool
}

// Gate reasons.
const (
	ReasonFirstAlert    = "first_alert"
	ReasonLevelIncrease = "level_increase"
	ReasonCooldownOver  = "cooldown_elapsed"
	ReasonSuppressed    = "suppressed"
)

// ShouldAlert decides whether a violation warrants an outbound alert.
// Params: current violation and the effective cooldown for its rule.
// Returns: decision; a violation alerts when no record exists, when its
// level exceeds the recorded level, or when the cooldown has fully elapsed
// in wall-clock time. Store read errors suppress the alert for this run.
func (d *Deduplicator) ShouldAlert(ctx context.Context, violation domain.Violation, cooldown time.Duration) (Decision, error) {
	record, _, err := d.store.GetRecord(ctx, violation.ID())
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return Decision{Send: true, Reason: ReasonFirstAlert}, nil
		}
		return Decision{}, fmt.Errorf("read record %q: %w", violation.ID(), err)
	}

	if violation.Level > record.EscalationLevel {
		return Decision{Send: true, Reason: ReasonLevelIncrease, Previous: record, HasPrior: true}, nil
	}
	if d.now().Sub(record.LastAlertedAt) >= cooldown {
		return Decision{Send: true, Reason: ReasonCooldownOver, Previous: record, HasPrior: true}, nil
	}
	return Decision{Reason: ReasonSuppressed, Previous: record, HasPrior: true}, nil
}

// RecordAlert persists the outcome of one successfully dispatched alert.
// Params: violation that was alerted and the delivery thread reference.
// Returns: updated record or store error. The recorded level never
// decreases and the count grows by one per dispatched alert.
func (d *Deduplicator) RecordAlert(ctx context.Context, violation domain.Violation, threadRef string) (domain.AlertRecord, error) {
	now := d.now()
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, revision, err := d.store.GetRecord(ctx, violation.ID())
		if errors.Is(err, state.ErrNotFound) {
			record := domain.AlertRecord{
				ViolationID:     violation.ID(),
				ItemID:          violation.ItemID,
				Kind:            violation.Kind,
				LastAlertedAt:   now,
				AlertCount:      1,
				EscalationLevel: violation.Level,
				ThreadRef:       threadRef,
				CreatedAt:       now,
			}
			if _, err := d.store.PutRecord(ctx, violation.ID(), record); err != nil {
				return domain.AlertRecord{}, fmt.Errorf("create record %q: %w", violation.ID(), err)
			}
			return record, nil
		}
		if err != nil {
			return domain.AlertRecord{}, fmt.Errorf("read record %q: %w", violation.ID(), err)
		}

		current.LastAlertedAt = now
		current.AlertCount++
		if violation.Level > current.EscalationLevel {
			current.EscalationLevel = violation.Level
		}
		if threadRef != "" {
			current.ThreadRef = threadRef
		}
		_, err = d.store.UpdateRecord(ctx, violation.ID(), revision, current)
		if err == nil {
			return current, nil
		}
		if !errors.Is(err, state.ErrConflict) {
			return domain.AlertRecord{}, fmt.Errorf("update record %q: %w", violation.ID(), err)
		}
	}
	return domain.AlertRecord{}, fmt.Errorf("update record %q: %w", violation.ID(), state.ErrConflict)
}

// ClearResolved deletes records whose violations no longer hold.
// Params: violation IDs that are still active this run and the set of item
// IDs that were evaluated without error.
// Returns: number of cleared records and the first store error. Records for
// items that failed evaluation are kept so a flaky fetch cannot wipe state.
func (d *Deduplicator) ClearResolved(ctx context.Context, active map[string]struct{}, evaluated map[string]struct{}) (int, error) {
	records, err := d.store.ListRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("list records: %w", err)
	}

	cleared := 0
	var firstErr error
	for violationID, record := range records {
		if _, stillActive := active[violationID]; stillActive {
			continue
		}
		if _, ok := evaluated[record.ItemID]; !ok {
			continue
		}
		if err := d.store.DeleteRecord(ctx, violationID); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("clear record %q: %w", violationID, err)
			}
			continue
		}
		cleared++
	}
	return cleared, firstErr
}
