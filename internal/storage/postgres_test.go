package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ratelock/internal/config"
)

// newPostgresStoreForTest 需要 RATELOCK_TEST_DSN 指向一个可丢弃的数据库, 每个测试都会清空两张表。
func newPostgresStoreForTest(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("RATELOCK_TEST_DSN")
	if dsn == "" {
		t.Skip("RATELOCK_TEST_DSN not set")
	}

	if _, err := MigrateUp(dsn); err != nil {
		t.Fatalf("迁移失败: %v", err)
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 4})
	if err != nil {
		t.Fatalf("连接数据库失败: %v", err)
	}
	store := NewStore(pool)
	t.Cleanup(store.Close)

	// TRUNCATE 不触发逐行的 append-only trigger
	if _, err := pool.Exec(ctx, `TRUNCATE rate_snapshots, conversion_audit_log;`); err != nil {
		t.Fatalf("清空表失败: %v", err)
	}
	return store
}

func TestPostgresPutSnapshotIfAbsent(t *testing.T) {
	store := newPostgresStoreForTest(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	first := testSnapshot("20251007-013000UTC", now, time.Hour)
	created, err := store.PutSnapshot(ctx, first)
	if err != nil || !created {
		t.Fatalf("首次写入应成功: created=%v err=%v", created, err)
	}

	second := testSnapshot("20251007-013000UTC", now, time.Hour)
	second.Rates["USD"] = decimal.RequireFromString("9.9999")
	created, err = store.PutSnapshot(ctx, second)
	if err != nil || created {
		t.Fatalf("同 id 重复写入应返回 created=false: created=%v err=%v", created, err)
	}

	got, err := store.GetSnapshot(ctx, first.SnapshotID)
	if err != nil {
		t.Fatalf("读取快照失败: %v", err)
	}
	if !got.Rates["USD"].Equal(decimal.RequireFromString("1.1678")) {
		t.Fatalf("已有快照不应被覆盖, 实际 USD=%s", got.Rates["USD"])
	}
	if !got.CapturedAt.Equal(now) || got.ProviderDate != first.ProviderDate || got.BaseCurrency != "EUR" {
		t.Fatalf("快照字段不一致: %+v", got)
	}

	exists, err := store.SnapshotExists(ctx, first.SnapshotID)
	if err != nil || !exists {
		t.Fatalf("SnapshotExists 应为 true: exists=%v err=%v", exists, err)
	}
	if _, err := store.GetSnapshot(ctx, "19990101-000000UTC"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("不存在的快照应返回 ErrSnapshotNotFound, 实际 %v", err)
	}
}

func TestPostgresLatestSnapshotSkipsExpired(t *testing.T) {
	store := newPostgresStoreForTest(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Minute)

	older := testSnapshot("a-older", base, 10*time.Hour)
	newer := testSnapshot("b-newer", base.Add(time.Hour), 9*time.Hour)
	expired := testSnapshot("c-expired", base.Add(90*time.Minute), 10*time.Minute)
	for _, snapshot := range []RateSnapshot{older, newer, expired} {
		if _, err := store.PutSnapshot(ctx, snapshot); err != nil {
			t.Fatalf("写入 %s 失败: %v", snapshot.SnapshotID, err)
		}
	}

	id, err := store.LatestSnapshotID(ctx, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("查询最新快照失败: %v", err)
	}
	if id != newer.SnapshotID {
		t.Fatalf("应跳过已过期的快照, 期望 %s, 实际 %s", newer.SnapshotID, id)
	}

	id, err = store.LatestSnapshotID(ctx, base.Add(95*time.Minute))
	if err != nil || id != expired.SnapshotID {
		t.Fatalf("未过期时应选最新的快照, 实际 %s err=%v", id, err)
	}

	if _, err := store.LatestSnapshotID(ctx, base.Add(11*time.Hour)); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("全部过期时应返回 ErrSnapshotNotFound, 实际 %v", err)
	}
}

func TestPostgresListAndPurgeSnapshots(t *testing.T) {
	store := newPostgresStoreForTest(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Minute)

	ids := []string{"s1", "s2", "s3"}
	for i, id := range ids {
		ttl := 10 * time.Hour
		if i == 0 {
			ttl = time.Minute
		}
		if _, err := store.PutSnapshot(ctx, testSnapshot(id, base.Add(time.Duration(i)*time.Hour), ttl)); err != nil {
			t.Fatalf("写入 %s 失败: %v", id, err)
		}
	}

	between, err := store.ListSnapshotsBetween(ctx, base, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ListSnapshotsBetween 失败: %v", err)
	}
	if len(between) != 2 || between[0].SnapshotID != "s1" || between[1].SnapshotID != "s2" {
		t.Fatalf("区间应为 [from, to) 且按时间升序, 实际 %v", snapshotIDs(between))
	}

	recent, err := store.ListRecentSnapshots(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecentSnapshots 失败: %v", err)
	}
	if len(recent) != 2 || recent[0].SnapshotID != "s3" || recent[1].SnapshotID != "s2" {
		t.Fatalf("应按时间倒序返回, 实际 %v", snapshotIDs(recent))
	}

	purged, err := store.PurgeExpiredSnapshots(ctx, base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("清理失败: %v", err)
	}
	if purged != 1 {
		t.Fatalf("应只清理 1 个过期快照, 实际 %d", purged)
	}
	if _, err := store.GetSnapshot(ctx, "s1"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("过期快照应已删除, 实际 %v", err)
	}
}

func TestPostgresAuditRoundTrip(t *testing.T) {
	store := newPostgresStoreForTest(t)
	ctx := context.Background()

	ts := time.Date(2025, 10, 7, 1, 30, 12, 123456789, time.UTC)
	record := AuditRecord{
		TransactionID:     "audit-1759800612-a1b2c3d4e5f6",
		FromCurrency:      "USD",
		ToCurrency:        "GBP",
		OriginalAmount:    decimal.RequireFromString("50.0001"),
		ConvertedAmount:   decimal.RequireFromString("36.86"),
		RateSnapshotID:    "20251007-013000UTC",
		CalculationMethod: MethodTriangulated,
		RatesUsed: map[string]decimal.Decimal{
			"USD": decimal.RequireFromString("1.1678"),
			"GBP": decimal.RequireFromString("0.8608"),
		},
		ConversionTimestamp: ts,
		ServiceVersion:      "test",
	}
	if err := store.InsertAudit(ctx, record); err != nil {
		t.Fatalf("写入审计失败: %v", err)
	}

	got, err := store.GetAudit(ctx, record.TransactionID)
	if err != nil {
		t.Fatalf("读取审计失败: %v", err)
	}
	if got.OriginalAmount.String() != "50.0001" || got.ConvertedAmount.String() != "36.86" {
		t.Fatalf("NUMERIC 金额应原样读回, 实际 %s / %s", got.OriginalAmount, got.ConvertedAmount)
	}
	if got.CalculationMethod != MethodTriangulated || got.RateSnapshotID != record.RateSnapshotID || got.ServiceVersion != "test" {
		t.Fatalf("审计字段不一致: %+v", got)
	}
	if len(got.RatesUsed) != 2 || !got.RatesUsed["GBP"].Equal(record.RatesUsed["GBP"]) {
		t.Fatalf("rates_used 不一致: %v", got.RatesUsed)
	}
	if !got.ConversionTimestamp.Equal(ts.Truncate(time.Microsecond)) {
		t.Fatalf("TIMESTAMPTZ 保存到微秒, 期望 %s, 实际 %s", ts.Truncate(time.Microsecond), got.ConversionTimestamp)
	}
	if got.ConversionTimestamp.Location() != time.UTC {
		t.Fatal("读回的时间应为 UTC")
	}
}

func TestPostgresAuditAppendOnly(t *testing.T) {
	store := newPostgresStoreForTest(t)
	ctx := context.Background()

	record := AuditRecord{
		TransactionID:       "audit-1759800612-000000000001",
		FromCurrency:        "USD",
		ToCurrency:          "EUR",
		OriginalAmount:      decimal.NewFromInt(100),
		ConvertedAmount:     decimal.RequireFromString("85.63"),
		RateSnapshotID:      "20251007-013000UTC",
		CalculationMethod:   MethodDirectPivot,
		RatesUsed:           map[string]decimal.Decimal{"USD": decimal.RequireFromString("1.1678")},
		ConversionTimestamp: time.Now().UTC(),
	}
	if err := store.InsertAudit(ctx, record); err != nil {
		t.Fatalf("写入审计失败: %v", err)
	}

	clash := record
	clash.OriginalAmount = decimal.NewFromInt(999)
	if err := store.InsertAudit(ctx, clash); !errors.Is(err, ErrAuditExists) {
		t.Fatalf("重复 id 应返回 ErrAuditExists, 实际 %v", err)
	}
	got, err := store.GetAudit(ctx, record.TransactionID)
	if err != nil {
		t.Fatalf("读取审计失败: %v", err)
	}
	if !got.OriginalAmount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("已有记录不应被覆盖, 实际 %s", got.OriginalAmount)
	}

	if _, err := store.pool.Exec(ctx, `UPDATE conversion_audit_log SET service_version = 'x' WHERE transaction_id = $1`, record.TransactionID); err == nil {
		t.Fatal("审计表应拒绝 UPDATE")
	}
	if _, err := store.GetAudit(ctx, "audit-0-000000000000"); !errors.Is(err, ErrAuditNotFound) {
		t.Fatalf("未知 id 应返回 ErrAuditNotFound, 实际 %v", err)
	}
}

func TestPostgresAdvisoryLockIsExclusive(t *testing.T) {
	store := newPostgresStoreForTest(t)
	ctx := context.Background()

	unlock, ok, err := store.TryAdvisoryLock(ctx, 424242)
	if err != nil || !ok {
		t.Fatalf("首次加锁应成功: ok=%v err=%v", ok, err)
	}
	if _, ok, err := store.TryAdvisoryLock(ctx, 424242); err != nil || ok {
		t.Fatalf("锁已被持有时应返回 false: ok=%v err=%v", ok, err)
	}
	unlock()

	unlock, ok, err = store.TryAdvisoryLock(ctx, 424242)
	if err != nil || !ok {
		t.Fatalf("释放后应能再次加锁: ok=%v err=%v", ok, err)
	}
	unlock()
}

func snapshotIDs(snapshots []RateSnapshot) []string {
	ids := make([]string, len(snapshots))
	for i, snapshot := range snapshots {
		ids[i] = snapshot.SnapshotID
	}
	return ids
}
