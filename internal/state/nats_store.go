package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"slawatch/internal/config"
	"slawatch/internal/domain"

	"github.com/nats-io/nats.go"
)

// NATSStore persists alert records in a JetStream KV bucket and implements
// the run lock with an atomic Create on a TTL-expiring lock bucket.
// Params: NATS connection, JetStream context, and KV bucket handles.
// Returns: KV-backed store implementation.
type NATSStore struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	recordKV nats.KeyValue
	lockKV   nats.KeyValue
	settings config.NATSStoreConfig
}

const runLockKey = "run"

// NewNATSStore connects NATS and opens or creates the record/lock buckets.
// Params: NATS settings from config and the run lock TTL.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.NATSStoreConfig, lockTTL time.Duration) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	recordKV, err := js.KeyValue(settings.Bucket)
	if err != nil {
		if !settings.AllowCreateBuckets {
			nc.Close()
			return nil, fmt.Errorf("open record bucket %q: %w", settings.Bucket, err)
		}
		recordKV, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: settings.Bucket,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create record bucket %q: %w", settings.Bucket, err)
		}
	}

	lockKV, err := js.KeyValue(settings.LockBucket)
	if err != nil {
		if !settings.AllowCreateBuckets {
			nc.Close()
			return nil, fmt.Errorf("open lock bucket %q: %w", settings.LockBucket, err)
		}
		// Bucket-level TTL expires stale locks from crashed holders.
		lockKV, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: settings.LockBucket,
			TTL:    lockTTL,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create lock bucket %q: %w", settings.LockBucket, err)
		}
	}

	return &NATSStore{
		nc:       nc,
		js:       js,
		recordKV: recordKV,
		lockKV:   lockKV,
		settings: settings,
	}, nil
}

// GetRecord reads one record and its KV revision.
// Params: violation ID key.
// Returns: record payload, revision, or ErrNotFound.
func (s *NATSStore) GetRecord(_ context.Context, violationID string) (domain.AlertRecord, uint64, error) {
	entry, err := s.recordKV.Get(violationID)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.AlertRecord{}, 0, ErrNotFound
		}
		return domain.AlertRecord{}, 0, fmt.Errorf("get record: %w", err)
	}

	var record domain.AlertRecord
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return domain.AlertRecord{}, 0, fmt.Errorf("decode record: %w", err)
	}
	return record, entry.Revision(), nil
}

// PutRecord writes the record payload unconditionally.
// Params: violation ID key and record payload.
// Returns: new KV revision.
func (s *NATSStore) PutRecord(_ context.Context, violationID string, record domain.AlertRecord) (uint64, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}
	rev, err := s.recordKV.Put(violationID, body)
	if err != nil {
		return 0, fmt.Errorf("put record: %w", err)
	}
	return rev, nil
}

// UpdateRecord replaces the record payload using expected revision CAS.
// Params: violation ID key, expected revision, and replacement payload.
// Returns: new KV revision or ErrConflict.
func (s *NATSStore) UpdateRecord(_ context.Context, violationID string, expectedRevision uint64, record domain.AlertRecord) (uint64, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}
	rev, err := s.recordKV.Update(violationID, body, expectedRevision)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence") {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("update record: %w", err)
	}
	return rev, nil
}

// DeleteRecord removes one record key.
// Params: violation ID key.
// Returns: delete error; absent keys are not an error.
func (s *NATSStore) DeleteRecord(_ context.Context, violationID string) error {
	if err := s.recordKV.Delete(violationID); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// ListRecords reads every record from the bucket.
// Params: none.
// Returns: records keyed by violation ID.
func (s *NATSStore) ListRecords(_ context.Context) (map[string]domain.AlertRecord, error) {
	keys, err := s.recordKV.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return map[string]domain.AlertRecord{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	out := make(map[string]domain.AlertRecord, len(keys))
	for _, key := range keys {
		entry, err := s.recordKV.Get(key)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get record %q: %w", key, err)
		}
		var record domain.AlertRecord
		if err := json.Unmarshal(entry.Value(), &record); err != nil {
			return nil, fmt.Errorf("decode record %q: %w", key, err)
		}
		out[key] = record
	}
	return out, nil
}

// AcquireRunLock atomically claims the run lock key.
// Params: owner ID written as the lock value; TTL is fixed at bucket level.
// Returns: nil on acquisition or ErrRunLocked while the key exists.
func (s *NATSStore) AcquireRunLock(_ context.Context, ownerID string, _ time.Duration) error {
	if _, err := s.lockKV.Create(runLockKey, []byte(ownerID)); err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return ErrRunLocked
		}
		return fmt.Errorf("acquire run lock: %w", err)
	}
	return nil
}

// ReleaseRunLock deletes the run lock key when held by owner.
// Params: owner ID that acquired the lock.
// Returns: release error; a lock owned by someone else is left untouched.
func (s *NATSStore) ReleaseRunLock(_ context.Context, ownerID string) error {
	entry, err := s.lockKV.Get(runLockKey)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("read run lock: %w", err)
	}
	if string(entry.Value()) != ownerID {
		return nil
	}
	if err := s.lockKV.Delete(runLockKey, nats.LastRevision(entry.Revision())); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}

// Close closes the underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}
