package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	insertSnapshotSQL = `INSERT INTO rate_snapshots (
        snapshot_id,
        base_currency,
        provider,
        provider_date,
        captured_at,
        expires_at,
        rates
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (snapshot_id) DO NOTHING;`

	snapshotExistsSQL = `SELECT EXISTS (
        SELECT 1 FROM rate_snapshots WHERE snapshot_id = $1 AND expires_at > now()
    );`

	selectSnapshotColumns = `SELECT
        snapshot_id,
        base_currency,
        provider,
        provider_date,
        captured_at,
        expires_at,
        rates
    FROM rate_snapshots`

	getSnapshotSQL = selectSnapshotColumns + `
    WHERE snapshot_id = $1;`

	latestSnapshotIDSQL = `SELECT snapshot_id
    FROM rate_snapshots
    WHERE expires_at > $1
    ORDER BY captured_at DESC, snapshot_id DESC
    LIMIT 1;`

	listSnapshotsBetweenSQL = selectSnapshotColumns + `
    WHERE captured_at >= $1
      AND captured_at < $2
    ORDER BY captured_at;`

	listRecentSnapshotsSQL = selectSnapshotColumns + `
    ORDER BY captured_at DESC
    LIMIT $1;`

	purgeExpiredSnapshotsSQL = `DELETE FROM rate_snapshots WHERE expires_at <= $1;`

	insertAuditSQL = `INSERT INTO conversion_audit_log (
        transaction_id,
        from_currency,
        to_currency,
        original_amount,
        converted_amount,
        rate_snapshot_id,
        calculation_method,
        rates_used,
        conversion_timestamp,
        service_version
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (transaction_id) DO NOTHING;`

	getAuditSQL = `SELECT
        transaction_id,
        from_currency,
        to_currency,
        original_amount::text,
        converted_amount::text,
        rate_snapshot_id,
        calculation_method,
        rates_used,
        conversion_timestamp,
        service_version
    FROM conversion_audit_log
    WHERE transaction_id = $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

var (
	_ RateStore      = (*Store)(nil)
	_ AuditStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
	_ SnapshotPurger = (*Store)(nil)
)

// Store is the postgres implementation of the rate and audit stores.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Ping checks the pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// 释放失败时连接归还后 session 结束, 锁随之释放
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// SnapshotExists reports whether a live snapshot with id is stored.
func (s *Store) SnapshotExists(ctx context.Context, id string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var exists bool
	if err := pool.QueryRow(ctx, snapshotExistsSQL, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("snapshot exists %s: %w", id, err)
	}
	return exists, nil
}

// PutSnapshot inserts the snapshot unless the id already exists.
func (s *Store) PutSnapshot(ctx context.Context, snapshot RateSnapshot) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	rates, err := json.Marshal(encodeRates(snapshot.Rates))
	if err != nil {
		return false, fmt.Errorf("marshal rates: %w", err)
	}

	tag, execErr := pool.Exec(ctx, insertSnapshotSQL,
		snapshot.SnapshotID,
		snapshot.BaseCurrency,
		snapshot.Provider,
		snapshot.ProviderDate,
		snapshot.CapturedAt.UTC(),
		snapshot.ExpiresAt.UTC(),
		rates,
	)
	if execErr != nil {
		return false, fmt.Errorf("insert snapshot %s: %w", snapshot.SnapshotID, execErr)
	}
	return tag.RowsAffected() == 1, nil
}

// GetSnapshot reads one snapshot by id.
func (s *Store) GetSnapshot(ctx context.Context, id string) (RateSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return RateSnapshot{}, err
	}
	snapshot, err := scanSnapshot(pool.QueryRow(ctx, getSnapshotSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return RateSnapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return RateSnapshot{}, fmt.Errorf("get snapshot %s: %w", id, err)
	}
	return snapshot, nil
}

// LatestSnapshotID returns the newest snapshot id not yet expired at now.
func (s *Store) LatestSnapshotID(ctx context.Context, now time.Time) (string, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", err
	}
	var id string
	err = pool.QueryRow(ctx, latestSnapshotIDSQL, now.UTC()).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrSnapshotNotFound
	}
	if err != nil {
		return "", fmt.Errorf("latest snapshot id: %w", err)
	}
	return id, nil
}

// ListSnapshotsBetween lists snapshots captured within [from, to).
func (s *Store) ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]RateSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, from.UTC(), to.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	return collectSnapshots(rows)
}

// ListRecentSnapshots lists the newest snapshots first.
func (s *Store) ListRecentSnapshots(ctx context.Context, limit int) ([]RateSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecentSnapshotsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", queryErr)
	}
	return collectSnapshots(rows)
}

// PurgeExpiredSnapshots deletes snapshots expired at now.
func (s *Store) PurgeExpiredSnapshots(ctx context.Context, now time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, purgeExpiredSnapshotsSQL, now.UTC())
	if execErr != nil {
		return 0, fmt.Errorf("purge expired snapshots: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// InsertAudit appends a conversion record. Existing ids are never overwritten.
func (s *Store) InsertAudit(ctx context.Context, record AuditRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	ratesUsed, err := json.Marshal(encodeRates(record.RatesUsed))
	if err != nil {
		return fmt.Errorf("marshal rates used: %w", err)
	}

	tag, execErr := pool.Exec(ctx, insertAuditSQL,
		record.TransactionID,
		record.FromCurrency,
		record.ToCurrency,
		record.OriginalAmount.String(),
		record.ConvertedAmount.String(),
		record.RateSnapshotID,
		string(record.CalculationMethod),
		ratesUsed,
		record.ConversionTimestamp.UTC(),
		record.ServiceVersion,
	)
	if execErr != nil {
		return fmt.Errorf("insert audit %s: %w", record.TransactionID, execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrAuditExists
	}
	return nil
}

// GetAudit reads one audit record by transaction id.
func (s *Store) GetAudit(ctx context.Context, transactionID string) (AuditRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AuditRecord{}, err
	}

	var (
		rec          AuditRecord
		originalStr  string
		convertedStr string
		method       string
		ratesRaw     []byte
	)
	scanErr := pool.QueryRow(ctx, getAuditSQL, transactionID).Scan(
		&rec.TransactionID,
		&rec.FromCurrency,
		&rec.ToCurrency,
		&originalStr,
		&convertedStr,
		&rec.RateSnapshotID,
		&method,
		&ratesRaw,
		&rec.ConversionTimestamp,
		&rec.ServiceVersion,
	)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return AuditRecord{}, ErrAuditNotFound
	}
	if scanErr != nil {
		return AuditRecord{}, fmt.Errorf("get audit %s: %w", transactionID, scanErr)
	}

	if rec.OriginalAmount, err = decimal.NewFromString(originalStr); err != nil {
		return AuditRecord{}, fmt.Errorf("parse original amount: %w", err)
	}
	if rec.ConvertedAmount, err = decimal.NewFromString(convertedStr); err != nil {
		return AuditRecord{}, fmt.Errorf("parse converted amount: %w", err)
	}
	var raw map[string]string
	if err := json.Unmarshal(ratesRaw, &raw); err != nil {
		return AuditRecord{}, fmt.Errorf("parse rates used: %w", err)
	}
	if rec.RatesUsed, err = decodeRates(raw); err != nil {
		return AuditRecord{}, err
	}
	rec.CalculationMethod = CalculationMethod(method)
	rec.ConversionTimestamp = rec.ConversionTimestamp.UTC()
	return rec, nil
}

func collectSnapshots(rows pgx.Rows) ([]RateSnapshot, error) {
	defer rows.Close()

	snapshots := make([]RateSnapshot, 0)
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

func scanSnapshot(row pgx.Row) (RateSnapshot, error) {
	var (
		snapshot RateSnapshot
		ratesRaw []byte
	)
	if err := row.Scan(
		&snapshot.SnapshotID,
		&snapshot.BaseCurrency,
		&snapshot.Provider,
		&snapshot.ProviderDate,
		&snapshot.CapturedAt,
		&snapshot.ExpiresAt,
		&ratesRaw,
	); err != nil {
		return RateSnapshot{}, err
	}

	var raw map[string]string
	if err := json.Unmarshal(ratesRaw, &raw); err != nil {
		return RateSnapshot{}, fmt.Errorf("parse rates %s: %w", snapshot.SnapshotID, err)
	}
	rates, err := decodeRates(raw)
	if err != nil {
		return RateSnapshot{}, fmt.Errorf("snapshot %s: %w", snapshot.SnapshotID, err)
	}
	snapshot.Rates = rates
	snapshot.CapturedAt = snapshot.CapturedAt.UTC()
	snapshot.ExpiresAt = snapshot.ExpiresAt.UTC()
	return snapshot, nil
}
