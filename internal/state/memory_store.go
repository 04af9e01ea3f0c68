package state

import (
	"context"
	"sync"
	"time"

	"slawatch/internal/domain"
)

// MemoryStore keeps alert records in process memory for single-instance mode.
// Params: in-memory record map, lock slot, and injected clock.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu      sync.RWMutex
	now     func() time.Time
	records map[string]memoryRecord
	lock    memoryLock
}

type memoryRecord struct {
	record   domain.AlertRecord
	revision uint64
}

type memoryLock struct {
	owner     string
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory record store.
// Params: now function (defaults to time.Now when nil).
// Returns: initialized in-memory store.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:     now,
		records: make(map[string]memoryRecord),
	}
}

// GetRecord returns the record payload and revision.
// Params: violation ID key.
// Returns: stored record, revision, or ErrNotFound.
func (s *MemoryStore) GetRecord(_ context.Context, violationID string) (domain.AlertRecord, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.records[violationID]
	if !ok {
		return domain.AlertRecord{}, 0, ErrNotFound
	}
	return entry.record, entry.revision, nil
}

// PutRecord writes the record payload unconditionally.
// Params: violation ID key and record payload.
// Returns: new revision.
func (s *MemoryStore) PutRecord(_ context.Context, violationID string, record domain.AlertRecord) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev := s.records[violationID].revision + 1
	s.records[violationID] = memoryRecord{record: record, revision: rev}
	return rev, nil
}

// UpdateRecord replaces the record payload using expected revision CAS.
// Params: violation ID key, expected revision, and replacement payload.
// Returns: new revision, ErrConflict, or ErrNotFound.
func (s *MemoryStore) UpdateRecord(_ context.Context, violationID string, expectedRevision uint64, record domain.AlertRecord) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.records[violationID]
	if !ok {
		return 0, ErrNotFound
	}
	if entry.revision != expectedRevision {
		return 0, ErrConflict
	}
	rev := expectedRevision + 1
	s.records[violationID] = memoryRecord{record: record, revision: rev}
	return rev, nil
}

// DeleteRecord removes one record.
// Params: violation ID key.
// Returns: nil, including for absent keys.
func (s *MemoryStore) DeleteRecord(_ context.Context, violationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, violationID)
	return nil
}

// ListRecords returns a snapshot copy of all records.
// Params: none.
// Returns: records keyed by violation ID.
func (s *MemoryStore) ListRecords(_ context.Context) (map[string]domain.AlertRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.AlertRecord, len(s.records))
	for key, entry := range s.records {
		out[key] = entry.record
	}
	return out, nil
}

// AcquireRunLock claims the single-run lock for one owner.
// Params: owner ID and lock TTL guarding against crashed holders.
// Returns: nil on acquisition or ErrRunLocked while another owner holds it.
func (s *MemoryStore) AcquireRunLock(_ context.Context, ownerID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.lock.owner != "" && s.lock.owner != ownerID && now.Before(s.lock.expiresAt) {
		return ErrRunLocked
	}
	s.lock = memoryLock{owner: ownerID, expiresAt: now.Add(ttl)}
	return nil
}

// ReleaseRunLock releases the run lock held by owner.
// Params: owner ID that acquired the lock.
// Returns: nil; a lock owned by someone else is left untouched.
func (s *MemoryStore) ReleaseRunLock(_ context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock.owner == ownerID {
		s.lock = memoryLock{}
	}
	return nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}
