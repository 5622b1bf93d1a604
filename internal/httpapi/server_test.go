package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratelock/internal/apperrors"
	"ratelock/internal/conversion"
	"ratelock/internal/metrics"
	"ratelock/internal/ratesync"
	"ratelock/internal/storage"
)

type fakeConverter struct {
	convert func(conversion.Request) (conversion.Result, error)
	audit   func(string) (storage.AuditRecord, error)
	latest  func() (conversion.RatesSummary, error)
}

func (f fakeConverter) Convert(_ context.Context, req conversion.Request) (conversion.Result, error) {
	return f.convert(req)
}

func (f fakeConverter) GetAudit(_ context.Context, id string) (storage.AuditRecord, error) {
	return f.audit(id)
}

func (f fakeConverter) LatestRates(context.Context) (conversion.RatesSummary, error) {
	if f.latest == nil {
		return conversion.RatesSummary{}, apperrors.New(apperrors.KindNoRateDataAvailable, "no valid rate snapshot available")
	}
	return f.latest()
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeSyncer struct {
	result ratesync.Result
	err    error
}

func (s fakeSyncer) Sync(context.Context) (ratesync.Result, error) { return s.result, s.err }

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func errorKind(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "响应缺少 error 对象: %s", rec.Body.String())
	return errObj["kind"].(string)
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestConvertErrorStatuses(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{apperrors.New(apperrors.KindInvalidCurrencyCode, "bad"), http.StatusBadRequest, "InvalidCurrencyCode"},
		{apperrors.New(apperrors.KindUnknownCurrencyInSnapshot, "bad"), http.StatusBadRequest, "UnknownCurrencyInSnapshot"},
		{apperrors.New(apperrors.KindInvalidAmount, "bad"), http.StatusBadRequest, "InvalidAmount"},
		{apperrors.New(apperrors.KindNoRateDataAvailable, "none"), http.StatusServiceUnavailable, "NoRateDataAvailable"},
		{apperrors.Wrap(apperrors.KindAuditPersistenceFailed, errors.New("io"), "audit logging failed"), http.StatusInternalServerError, "AuditPersistenceFailed"},
		{errors.New("boom"), http.StatusInternalServerError, "Internal"},
	}

	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			conv := fakeConverter{convert: func(conversion.Request) (conversion.Result, error) { return conversion.Result{}, tc.err }}
			router := NewRouter(Options{}, Deps{Engine: conv}, zerolog.Nop())

			rec := serve(router, http.MethodGet, "/v1/convert?from=USD&to=EUR&amount=1")
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.kind, errorKind(t, rec))
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestInternalErrorTextIsHidden(t *testing.T) {
	conv := fakeConverter{convert: func(conversion.Request) (conversion.Result, error) {
		return conversion.Result{}, errors.New("dial tcp 10.0.0.5:5432: connection refused")
	}}
	router := NewRouter(Options{}, Deps{Engine: conv}, zerolog.Nop())

	rec := serve(router, http.MethodGet, "/v1/convert?from=USD&to=EUR&amount=1")
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}

func TestConvertPassesQuery(t *testing.T) {
	var got conversion.Request
	conv := fakeConverter{convert: func(req conversion.Request) (conversion.Result, error) {
		got = req
		return conversion.Result{
			ConvertedAmount:       decimal.RequireFromString("85.63"),
			RateSnapshotID:        "20251007-013000UTC",
			AuditLogTransactionID: "audit-1759800600-0123456789ab",
			CalculationMethod:     storage.MethodDirectPivot,
		}, nil
	}}
	router := NewRouter(Options{}, Deps{Engine: conv}, zerolog.Nop())

	rec := serve(router, http.MethodGet, "/v1/convert?from=usd&to=EUR&amount=100.00")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, conversion.Request{From: "usd", To: "EUR", Amount: "100.00"}, got)

	body := decodeBody(t, rec)
	assert.Equal(t, "85.63", body["converted_amount"])
	assert.Equal(t, "direct_pivot", body["calculation_method"])
	assert.Equal(t, "audit-1759800600-0123456789ab", body["audit_log_transaction_id"])
}

func TestAuditRoute(t *testing.T) {
	conv := fakeConverter{audit: func(id string) (storage.AuditRecord, error) {
		if id == "audit-1-aaaaaaaaaaaa" {
			return storage.AuditRecord{TransactionID: id, RateSnapshotID: "20251007-013000UTC"}, nil
		}
		return storage.AuditRecord{}, apperrors.New(apperrors.KindAuditNotFound, "audit record %s not found", id)
	}}
	router := NewRouter(Options{}, Deps{Engine: conv}, zerolog.Nop())

	rec := serve(router, http.MethodGet, "/v1/audit/audit-1-aaaaaaaaaaaa")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "20251007-013000UTC", decodeBody(t, rec)["rate_snapshot_id"])

	rec = serve(router, http.MethodGet, "/v1/audit/audit-2-bbbbbbbbbbbb")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "AuditNotFound", errorKind(t, rec))
}

func TestRatesRoute(t *testing.T) {
	router := NewRouter(Options{}, Deps{Engine: fakeConverter{}}, zerolog.Nop())
	rec := serve(router, http.MethodGet, "/v1/rates")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "NoRateDataAvailable", errorKind(t, rec))
}

func TestHealth(t *testing.T) {
	latest := func() (conversion.RatesSummary, error) {
		return conversion.RatesSummary{RateSnapshotID: "20251007-013000UTC"}, nil
	}

	router := NewRouter(Options{Version: "v1.2.3"}, Deps{
		Engine:     fakeConverter{latest: latest},
		RateStore:  fakePinger{},
		AuditStore: fakePinger{},
	}, zerolog.Nop())
	rec := serve(router, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "20251007-013000UTC", body["latest_snapshot_id"])
	assert.Equal(t, "v1.2.3", body["version"])

	router = NewRouter(Options{}, Deps{
		Engine:     fakeConverter{},
		RateStore:  fakePinger{},
		AuditStore: fakePinger{err: errors.New("connection refused")},
	}, zerolog.Nop())
	rec = serve(router, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body = decodeBody(t, rec)
	assert.Nil(t, body["latest_snapshot_id"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["rate_store"])
	assert.Equal(t, "connection refused", checks["audit_store"])
}

func TestHealthWithoutSnapshotIsStillHealthy(t *testing.T) {
	router := NewRouter(Options{}, Deps{Engine: fakeConverter{}, RateStore: fakePinger{}, AuditStore: fakePinger{}}, zerolog.Nop())
	rec := serve(router, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decodeBody(t, rec)["latest_snapshot_id"])
}

func TestSyncRoute(t *testing.T) {
	deps := Deps{Engine: fakeConverter{}, Syncer: fakeSyncer{result: ratesync.Result{
		SnapshotID: "20251007-013000UTC",
		State:      ratesync.StateWritten,
		Path:       []ratesync.State{ratesync.StateChecking, ratesync.StateWritingIfAbsent, ratesync.StateWritten},
		Currencies: 4,
		Attempts:   1,
	}}}

	disabled := NewRouter(Options{}, deps, zerolog.Nop())
	assert.Equal(t, http.StatusNotFound, serve(disabled, http.MethodPost, "/v1/sync").Code)

	enabled := NewRouter(Options{EnableSync: true}, deps, zerolog.Nop())
	rec := serve(enabled, http.MethodPost, "/v1/sync")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "written", body["state"])
	assert.Equal(t, []any{"checking", "writing_if_absent", "written"}, body["path"])

	deps.Syncer = fakeSyncer{err: apperrors.Wrap(apperrors.KindProviderUnavailable, errors.New("503"), "rate provider unavailable after 3 attempts")}
	failing := NewRouter(Options{EnableSync: true}, deps, zerolog.Nop())
	rec = serve(failing, http.MethodPost, "/v1/sync")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "ProviderUnavailable", errorKind(t, rec))
}

func TestMetricsUseRoutePatterns(t *testing.T) {
	m := metrics.New()
	conv := fakeConverter{audit: func(id string) (storage.AuditRecord, error) {
		return storage.AuditRecord{}, apperrors.New(apperrors.KindAuditNotFound, "missing")
	}}
	router := NewRouter(Options{MetricsPath: "/metrics"}, Deps{Engine: conv, Metrics: m}, zerolog.Nop())

	serve(router, http.MethodGet, "/v1/audit/audit-1-aaaaaaaaaaaa")
	serve(router, http.MethodGet, "/v1/audit/audit-2-bbbbbbbbbbbb")

	rec := serve(router, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `ratelock_http_requests_total{route="/v1/audit/{transactionID}",status="4xx"} 2`), string(body))
}

func TestConvertEndToEnd(t *testing.T) {
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := storage.NewRedisStore(client, "http_test")

	now := time.Now().UTC().Truncate(time.Second)
	_, err := store.PutSnapshot(context.Background(), storage.RateSnapshot{
		SnapshotID:   "20251007-013000UTC",
		BaseCurrency: "EUR",
		Provider:     "frankfurter",
		ProviderDate: "2025-10-07",
		CapturedAt:   now,
		ExpiresAt:    now.Add(30 * 24 * time.Hour),
		Rates: map[string]decimal.Decimal{
			"EUR": decimal.NewFromInt(1),
			"USD": decimal.RequireFromString("1.1678"),
			"GBP": decimal.RequireFromString("0.8608"),
		},
	})
	require.NoError(t, err)

	engine := conversion.New(conversion.Options{
		Pivot:           "EUR",
		Currencies:      []string{"EUR", "USD", "GBP"},
		ResultPlaces:    2,
		MaxAmountPlaces: 4,
		MaxAmount:       decimal.NewFromInt(1_000_000_000),
		WriteAttempts:   2,
	}, store, store, nil, nil, zerolog.Nop())
	router := NewRouter(Options{}, Deps{Engine: engine, RateStore: store, AuditStore: store}, zerolog.Nop())

	rec := serve(router, http.MethodGet, "/v1/convert?from=USD&to=GBP&amount=50")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "36.86", body["converted_amount"])
	assert.Equal(t, "triangulated", body["calculation_method"])

	txid := body["audit_log_transaction_id"].(string)
	rec = serve(router, http.MethodGet, "/v1/audit/"+txid)
	require.Equal(t, http.StatusOK, rec.Code)
	audit := decodeBody(t, rec)
	assert.Equal(t, "36.86", audit["converted_amount"])
	assert.Equal(t, "20251007-013000UTC", audit["rate_snapshot_id"])

	rec = serve(router, http.MethodGet, "/v1/convert?from=ZZZ&to=GBP&amount=50")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = serve(router, http.MethodGet, "/v1/convert?from=USD&to=GBP&amount=-5")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidAmount", errorKind(t, rec))

	for _, amount := range []string{"1e50000000", "1e-50000000", strings.Repeat("9", 5000)} {
		start := time.Now()
		rec = serve(router, http.MethodGet, "/v1/convert?from=USD&to=GBP&amount="+amount)
		assert.Equal(t, http.StatusBadRequest, rec.Code, amount[:10])
		assert.Equal(t, "InvalidAmount", errorKind(t, rec))
		assert.Less(t, time.Since(start), 2*time.Second)
	}

	rec = serve(router, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "20251007-013000UTC", decodeBody(t, rec)["latest_snapshot_id"])
}
