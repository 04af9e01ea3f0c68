package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"slawatch/internal/config"
	"slawatch/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists alert records in one table with an explicit
// revision column for CAS and uses an advisory lock for the run lock.
// Params: pgx pool, advisory lock key, and the held lock connection.
// Returns: Postgres-backed store implementation.
type PostgresStore struct {
	pool    *pgxpool.Pool
	lockKey int64

	mu       sync.Mutex
	lockConn *pgxpool.Conn
}

const createRecordsTable = `
CREATE TABLE IF NOT EXISTS sla_alerts (
	violation_id             TEXT PRIMARY KEY,
	item_id                  TEXT NOT NULL,
	violation_type           TEXT NOT NULL,
	last_alerted_at          TIMESTAMPTZ NOT NULL,
	alert_count              INTEGER NOT NULL DEFAULT 1,
	current_escalation_level INTEGER NOT NULL DEFAULT 1,
	thread_ref               TEXT NOT NULL DEFAULT '',
	created_at               TIMESTAMPTZ NOT NULL,
	revision                 BIGINT NOT NULL DEFAULT 1
)`

// NewPostgresStore connects the pool and ensures the records table exists.
// Params: Postgres settings from config.
// Returns: initialized store or setup error.
func NewPostgresStore(ctx context.Context, settings config.PostgresStoreConfig) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, settings.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createRecordsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure sla_alerts table: %w", err)
	}
	return &PostgresStore{pool: pool, lockKey: settings.LockKey}, nil
}

// GetRecord reads one record and its revision.
// Params: violation ID key.
// Returns: record payload, revision, or ErrNotFound.
func (s *PostgresStore) GetRecord(ctx context.Context, violationID string) (domain.AlertRecord, uint64, error) {
	const query = `
		SELECT item_id, violation_type, last_alerted_at, alert_count,
		       current_escalation_level, thread_ref, created_at, revision
		FROM sla_alerts WHERE violation_id = $1`

	var record domain.AlertRecord
	var kind string
	var revision int64
	record.ViolationID = violationID
	err := s.pool.QueryRow(ctx, query, violationID).Scan(
		&record.ItemID, &kind, &record.LastAlertedAt,
		&record.AlertCount, &record.EscalationLevel, &record.ThreadRef,
		&record.CreatedAt, &revision,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AlertRecord{}, 0, ErrNotFound
		}
		return domain.AlertRecord{}, 0, fmt.Errorf("get record: %w", err)
	}
	record.Kind = domain.ViolationKind(kind)
	return record, uint64(revision), nil
}

// PutRecord writes the record payload unconditionally.
// Params: violation ID key and record payload.
// Returns: new revision.
func (s *PostgresStore) PutRecord(ctx context.Context, violationID string, record domain.AlertRecord) (uint64, error) {
	const query = `
		INSERT INTO sla_alerts (violation_id, item_id, violation_type, last_alerted_at,
		                        alert_count, current_escalation_level, thread_ref, created_at, revision)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
		ON CONFLICT (violation_id) DO UPDATE SET
			item_id = EXCLUDED.item_id,
			violation_type = EXCLUDED.violation_type,
			last_alerted_at = EXCLUDED.last_alerted_at,
			alert_count = EXCLUDED.alert_count,
			current_escalation_level = EXCLUDED.current_escalation_level,
			thread_ref = EXCLUDED.thread_ref,
			created_at = EXCLUDED.created_at,
			revision = sla_alerts.revision + 1
		RETURNING revision`

	var revision int64
	err := s.pool.QueryRow(ctx, query, violationID, record.ItemID, string(record.Kind),
		record.LastAlertedAt, record.AlertCount, record.EscalationLevel,
		record.ThreadRef, record.CreatedAt).Scan(&revision)
	if err != nil {
		return 0, fmt.Errorf("put record: %w", err)
	}
	return uint64(revision), nil
}

// UpdateRecord replaces the record payload using expected revision CAS.
// Params: violation ID key, expected revision, and replacement payload.
// Returns: new revision, ErrConflict, or ErrNotFound.
func (s *PostgresStore) UpdateRecord(ctx context.Context, violationID string, expectedRevision uint64, record domain.AlertRecord) (uint64, error) {
	const query = `
		UPDATE sla_alerts SET
			item_id = $3, violation_type = $4, last_alerted_at = $5,
			alert_count = $6, current_escalation_level = $7,
			thread_ref = $8, created_at = $9, revision = revision + 1
		WHERE violation_id = $1 AND revision = $2
		RETURNING revision`

	var revision int64
	err := s.pool.QueryRow(ctx, query, violationID, int64(expectedRevision),
		record.ItemID, string(record.Kind), record.LastAlertedAt,
		record.AlertCount, record.EscalationLevel, record.ThreadRef,
		record.CreatedAt).Scan(&revision)
	if err == nil {
		return uint64(revision), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("update record: %w", err)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sla_alerts WHERE violation_id = $1)`, violationID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("update record: %w", err)
	}
	if exists {
		return 0, ErrConflict
	}
	return 0, ErrNotFound
}

// DeleteRecord removes one record row.
// Params: violation ID key.
// Returns: delete error; absent rows are not an error.
func (s *PostgresStore) DeleteRecord(ctx context.Context, violationID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sla_alerts WHERE violation_id = $1`, violationID); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// ListRecords reads every record row.
// Params: none.
// Returns: records keyed by violation ID.
func (s *PostgresStore) ListRecords(ctx context.Context) (map[string]domain.AlertRecord, error) {
	const query = `
		SELECT violation_id, item_id, violation_type, last_alerted_at, alert_count,
		       current_escalation_level, thread_ref, created_at
		FROM sla_alerts`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.AlertRecord)
	for rows.Next() {
		var record domain.AlertRecord
		var kind string
		if err := rows.Scan(&record.ViolationID, &record.ItemID, &kind,
			&record.LastAlertedAt, &record.AlertCount, &record.EscalationLevel,
			&record.ThreadRef, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		record.Kind = domain.ViolationKind(kind)
		out[record.ViolationID] = record
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return out, nil
}

// AcquireRunLock claims a session advisory lock on a dedicated connection.
// Params: owner ID (unused, the session identifies the holder) and TTL
// (unused, the lock dies with the session).
// Returns: nil on acquisition or ErrRunLocked when another session holds it.
func (s *PostgresStore) AcquireRunLock(ctx context.Context, _ string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockConn != nil {
		return ErrRunLocked
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, s.lockKey).Scan(&acquired); err != nil {
		conn.Release()
		return fmt.Errorf("acquire run lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return ErrRunLocked
	}
	s.lockConn = conn
	return nil
}

// ReleaseRunLock releases the advisory lock and its connection.
// Params: owner ID (unused).
// Returns: unlock error.
func (s *PostgresStore) ReleaseRunLock(ctx context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockConn == nil {
		return nil
	}
	_, err := s.lockConn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, s.lockKey)
	s.lockConn.Release()
	s.lockConn = nil
	if err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}

// Close releases the connection pool.
// Params: none.
// Returns: nil after pool close.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	if s.lockConn != nil {
		s.lockConn.Release()
		s.lockConn = nil
	}
	s.mu.Unlock()
	s.pool.Close()
	return nil
}
