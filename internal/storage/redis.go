package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const latestScanBatch = 16

var (
	_ RateStore  = (*RedisStore)(nil)
	_ AuditStore = (*RedisStore)(nil)
)

// RedisStore keeps snapshots as TTL'd keys with a sorted-set index scored by
// capture time, and audit records as keys without expiry.
//
//	{prefix}:snapshot:{id}     snapshot JSON, EX = expires_at - now
//	{prefix}:snapshots         zset member=id score=captured_at unix
//	{prefix}:audit:{txid}      audit JSON
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore wraps a redis client. prefix namespaces every key.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) snapshotKey(id string) string {
	return s.prefix + ":snapshot:" + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":snapshots"
}

func (s *RedisStore) auditKey(id string) string {
	return s.prefix + ":audit:" + id
}

func (s *RedisStore) getClient() (redis.UniversalClient, error) {
	if s == nil || s.client == nil {
		return nil, ErrNotConfigured
	}
	return s.client, nil
}

// Ping checks redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	client, err := s.getClient()
	if err != nil {
		return err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// SnapshotExists reports whether the snapshot key is present.
func (s *RedisStore) SnapshotExists(ctx context.Context, id string) (bool, error) {
	client, err := s.getClient()
	if err != nil {
		return false, err
	}
	n, err := client.Exists(ctx, s.snapshotKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("snapshot exists %s: %w", id, err)
	}
	return n > 0, nil
}

// PutSnapshot writes the snapshot with SET NX and indexes it in one MULTI.
func (s *RedisStore) PutSnapshot(ctx context.Context, snapshot RateSnapshot) (bool, error) {
	client, err := s.getClient()
	if err != nil {
		return false, err
	}

	ttl := snapshot.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return false, fmt.Errorf("snapshot %s already expired at %s", snapshot.SnapshotID, snapshot.ExpiresAt.Format(time.RFC3339))
	}

	body, err := marshalSnapshot(snapshot)
	if err != nil {
		return false, err
	}

	pipe := client.TxPipeline()
	setCmd := pipe.SetNX(ctx, s.snapshotKey(snapshot.SnapshotID), body, ttl)
	pipe.ZAddNX(ctx, s.indexKey(), redis.Z{
		Score:  float64(snapshot.CapturedAt.Unix()),
		Member: snapshot.SnapshotID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("put snapshot %s: %w", snapshot.SnapshotID, err)
	}
	return setCmd.Val(), nil
}

// GetSnapshot reads one snapshot key.
func (s *RedisStore) GetSnapshot(ctx context.Context, id string) (RateSnapshot, error) {
	client, err := s.getClient()
	if err != nil {
		return RateSnapshot{}, err
	}
	body, err := client.Get(ctx, s.snapshotKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return RateSnapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return RateSnapshot{}, fmt.Errorf("get snapshot %s: %w", id, err)
	}
	return unmarshalSnapshot(body)
}

// LatestSnapshotID walks the index newest first and drops members whose key
// has expired.
func (s *RedisStore) LatestSnapshotID(ctx context.Context, _ time.Time) (string, error) {
	client, err := s.getClient()
	if err != nil {
		return "", err
	}

	for {
		ids, err := client.ZRevRange(ctx, s.indexKey(), 0, latestScanBatch-1).Result()
		if err != nil {
			return "", fmt.Errorf("scan snapshot index: %w", err)
		}
		if len(ids) == 0 {
			return "", ErrSnapshotNotFound
		}

		stale := make([]any, 0, len(ids))
		for _, id := range ids {
			n, err := client.Exists(ctx, s.snapshotKey(id)).Result()
			if err != nil {
				return "", fmt.Errorf("check snapshot %s: %w", id, err)
			}
			if n > 0 {
				s.dropStale(ctx, client, stale)
				return id, nil
			}
			stale = append(stale, id)
		}
		// 整批都已过期, 清理后继续下一批
		if err := client.ZRem(ctx, s.indexKey(), stale...).Err(); err != nil {
			return "", fmt.Errorf("prune snapshot index: %w", err)
		}
	}
}

func (s *RedisStore) dropStale(ctx context.Context, client redis.UniversalClient, stale []any) {
	if len(stale) == 0 {
		return
	}
	_ = client.ZRem(ctx, s.indexKey(), stale...).Err()
}

// ListSnapshotsBetween lists live snapshots captured within [from, to).
func (s *RedisStore) ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]RateSnapshot, error) {
	client, err := s.getClient()
	if err != nil {
		return nil, err
	}
	ids, err := client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.Unix(), 10),
		Max: "(" + strconv.FormatInt(to.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list snapshots between: %w", err)
	}
	return s.loadSnapshots(ctx, ids)
}

// ListRecentSnapshots lists up to limit live snapshots, newest first.
func (s *RedisStore) ListRecentSnapshots(ctx context.Context, limit int) ([]RateSnapshot, error) {
	client, err := s.getClient()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []RateSnapshot{}, nil
	}
	ids, err := client.ZRevRange(ctx, s.indexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", err)
	}
	return s.loadSnapshots(ctx, ids)
}

func (s *RedisStore) loadSnapshots(ctx context.Context, ids []string) ([]RateSnapshot, error) {
	snapshots := make([]RateSnapshot, 0, len(ids))
	for _, id := range ids {
		snapshot, err := s.GetSnapshot(ctx, id)
		if errors.Is(err, ErrSnapshotNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

// InsertAudit writes the record with SET NX; an existing key is never replaced.
func (s *RedisStore) InsertAudit(ctx context.Context, record AuditRecord) error {
	client, err := s.getClient()
	if err != nil {
		return err
	}
	body, err := marshalAudit(record)
	if err != nil {
		return err
	}
	created, err := client.SetNX(ctx, s.auditKey(record.TransactionID), body, 0).Result()
	if err != nil {
		return fmt.Errorf("insert audit %s: %w", record.TransactionID, err)
	}
	if !created {
		return ErrAuditExists
	}
	return nil
}

// GetAudit reads one audit record.
func (s *RedisStore) GetAudit(ctx context.Context, transactionID string) (AuditRecord, error) {
	client, err := s.getClient()
	if err != nil {
		return AuditRecord{}, err
	}
	body, err := client.Get(ctx, s.auditKey(transactionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return AuditRecord{}, ErrAuditNotFound
	}
	if err != nil {
		return AuditRecord{}, fmt.Errorf("get audit %s: %w", transactionID, err)
	}
	return unmarshalAudit(body)
}
