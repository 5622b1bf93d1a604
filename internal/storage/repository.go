package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConfigured indicates the backing client or pool was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
	// ErrSnapshotNotFound is returned when no live snapshot matches the lookup.
	ErrSnapshotNotFound = errors.New("storage: snapshot not found")
	// ErrAuditNotFound is returned for unknown transaction ids.
	ErrAuditNotFound = errors.New("storage: audit record not found")
	// ErrAuditExists signals a transaction id collision on insert.
	ErrAuditExists = errors.New("storage: audit record already exists")
)

// RateStore persists immutable rate snapshots keyed by snapshot id.
type RateStore interface {
	SnapshotExists(ctx context.Context, id string) (bool, error)
	// PutSnapshot writes the snapshot only if the id is absent. created is
	// false when another writer got there first.
	PutSnapshot(ctx context.Context, snapshot RateSnapshot) (created bool, err error)
	GetSnapshot(ctx context.Context, id string) (RateSnapshot, error)
	// LatestSnapshotID returns the id of the most recently captured snapshot
	// that has not expired at now.
	LatestSnapshotID(ctx context.Context, now time.Time) (string, error)
	ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]RateSnapshot, error)
	ListRecentSnapshots(ctx context.Context, limit int) ([]RateSnapshot, error)
	Ping(ctx context.Context) error
}

// AuditStore is the append-only conversion trail.
type AuditStore interface {
	InsertAudit(ctx context.Context, record AuditRecord) error
	GetAudit(ctx context.Context, transactionID string) (AuditRecord, error)
	Ping(ctx context.Context) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// SnapshotPurger removes snapshots whose expiry has passed. Redis expires keys
// natively; postgres needs an explicit sweep.
type SnapshotPurger interface {
	PurgeExpiredSnapshots(ctx context.Context, now time.Time) (int64, error)
}

const latestLookupAttempts = 3

// LatestSnapshot resolves the newest live snapshot. A snapshot that expires
// between the id lookup and the read is skipped and the lookup repeated.
func LatestSnapshot(ctx context.Context, store RateStore, now time.Time) (RateSnapshot, error) {
	for attempt := 0; attempt < latestLookupAttempts; attempt++ {
		id, err := store.LatestSnapshotID(ctx, now)
		if err != nil {
			return RateSnapshot{}, err
		}
		snapshot, err := store.GetSnapshot(ctx, id)
		if errors.Is(err, ErrSnapshotNotFound) {
			continue
		}
		if err != nil {
			return RateSnapshot{}, fmt.Errorf("read snapshot %s: %w", id, err)
		}
		if snapshot.Expired(now) {
			continue
		}
		return snapshot, nil
	}
	return RateSnapshot{}, ErrSnapshotNotFound
}
