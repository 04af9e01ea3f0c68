// Package state persists alert dedup records and the single-run lock.
// Records survive process restarts on the nats and postgres backends; the
// memory backend serves single-instance and test setups.
package state

import (
	"context"
	"errors"
	"time"

	"slawatch/internal/domain"
)

var (
	// ErrNotFound indicates an absent record key.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates revision mismatch for CAS update.
	ErrConflict = errors.New("revision conflict")
	// ErrRunLocked indicates the run lock is held by another instance.
	ErrRunLocked = errors.New("run lock held")
)

// Store provides alert record persistence and run mutual exclusion.
// Params: record CRUD keyed by violation ID plus lock acquire/release.
// Returns: backend persistence behavior.
type Store interface {
	GetRecord(ctx context.Context, violationID string) (domain.AlertRecord, uint64, error)
	PutRecord(ctx context.Context, violationID string, record domain.AlertRecord) (uint64, error)
	UpdateRecord(ctx context.Context, violationID string, expectedRevision uint64, record domain.AlertRecord) (uint64, error)
	DeleteRecord(ctx context.Context, violationID string) error
	ListRecords(ctx context.Context) (map[string]domain.AlertRecord, error)
	AcquireRunLock(ctx context.Context, ownerID string, ttl time.Duration) error
	ReleaseRunLock(ctx context.Context, ownerID string) error
	Close() error
}
