// Package conversion converts amounts against the latest rate snapshot and
// records every conversion in the audit store before answering.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ratelock/internal/apperrors"
	"ratelock/internal/events"
	"ratelock/internal/metrics"
	"ratelock/internal/storage"
)

var (
	codePattern = regexp.MustCompile(`^[A-Z]{3}$`)
	// 只接受普通十进制写法; 指数形式在比较时会构造 10^|exp| 的大整数
	amountPattern = regexp.MustCompile(`^([0-9]+)(?:\.([0-9]+))?$`)
)

// Request is an unvalidated conversion request as received from a caller.
type Request struct {
	From   string
	To     string
	Amount string
}

// Result is returned to the caller once the audit record is committed.
type Result struct {
	ConvertedAmount       decimal.Decimal           `json:"converted_amount"`
	RateSnapshotID        string                    `json:"rate_snapshot_id"`
	AuditLogTransactionID string                    `json:"audit_log_transaction_id"`
	FromCurrency          string                    `json:"from_currency"`
	ToCurrency            string                    `json:"to_currency"`
	OriginalAmount        decimal.Decimal           `json:"original_amount"`
	ConversionTimestamp   time.Time                 `json:"conversion_timestamp"`
	CalculationMethod     storage.CalculationMethod `json:"calculation_method"`
}

// RatesSummary describes the snapshot currently used for conversions.
type RatesSummary struct {
	RateSnapshotID string                     `json:"rate_snapshot_id"`
	BaseCurrency   string                     `json:"base_currency"`
	FetchDate      string                     `json:"fetch_date"`
	FetchTimestamp time.Time                  `json:"fetch_timestamp"`
	ExpiresAt      time.Time                  `json:"expires_at"`
	RatesCount     int                        `json:"rates_count"`
	Rates          map[string]decimal.Decimal `json:"rates"`
}

// Options hold the conversion rules from config.
type Options struct {
	Pivot           string
	Currencies      []string
	ResultPlaces    int32
	MaxAmountPlaces int32
	MaxAmount       decimal.Decimal
	StoreTimeout    time.Duration
	WriteAttempts   int
	ServiceVersion  string
}

// Engine keeps no conversion state between requests; all of it lives in the
// two stores.
type Engine struct {
	opts           Options
	supported      map[string]struct{}
	maxWholeDigits int
	rates          storage.RateStore
	audits         storage.AuditStore
	events         events.Publisher
	metrics        metrics.Recorder
	logger         zerolog.Logger
	pending        sync.WaitGroup

	Now              func() time.Time
	NewTransactionID func(now time.Time) string
}

// New constructs an Engine. publisher and rec may be nil.
func New(opts Options, rates storage.RateStore, audits storage.AuditStore, publisher events.Publisher, rec metrics.Recorder, logger zerolog.Logger) *Engine {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 3 * time.Second
	}
	if opts.WriteAttempts <= 0 {
		opts.WriteAttempts = 1
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	if rec == nil {
		rec = metrics.Noop{}
	}

	supported := make(map[string]struct{}, len(opts.Currencies))
	for _, code := range opts.Currencies {
		supported[code] = struct{}{}
	}

	return &Engine{
		opts:             opts,
		supported:        supported,
		maxWholeDigits:   len(opts.MaxAmount.Abs().Truncate(0).String()),
		rates:            rates,
		audits:           audits,
		events:           publisher,
		metrics:          rec,
		logger:           logger.With().Str("component", "conversion").Logger(),
		Now:              time.Now,
		NewTransactionID: newTransactionID,
	}
}

// Convert validates the request, converts against the latest snapshot and
// persists the audit record before returning.
//
// Converting a result back to its source currency lands within one rounding
// unit u of the original only when the first leg does not shrink the amount
// (to/from rate ratio k >= 1). For k < 1 the first rounding error is scaled by
// 1/k on the way back, so the round trip is bounded by u/2*(1+1/k) instead:
// 1 JPY -> EUR -> JPY at 172.5 JPY/EUR returns 1.72.
func (e *Engine) Convert(ctx context.Context, req Request) (Result, error) {
	result, err := e.convert(ctx, req)
	if err != nil {
		e.metrics.ObserveConversion("none", string(kindOrInternal(err)))
		return Result{}, err
	}
	e.metrics.ObserveConversion(string(result.CalculationMethod), "ok")
	return result, nil
}

func (e *Engine) convert(ctx context.Context, req Request) (Result, error) {
	from, err := e.normaliseCode(req.From)
	if err != nil {
		return Result{}, err
	}
	to, err := e.normaliseCode(req.To)
	if err != nil {
		return Result{}, err
	}

	// 审计库 TIMESTAMPTZ 只保存到微秒
	now := e.Now().UTC().Truncate(time.Microsecond)
	snapshot, err := e.latestSnapshot(ctx, now)
	if err != nil {
		return Result{}, err
	}

	for _, code := range []string{from, to} {
		if _, ok := snapshot.Rate(code); !ok {
			return Result{}, apperrors.New(apperrors.KindUnknownCurrencyInSnapshot,
				"currency %s is not present in rate snapshot %s", code, snapshot.SnapshotID)
		}
	}

	amount, err := e.parseAmount(req.Amount)
	if err != nil {
		return Result{}, err
	}

	calc := compute(amount, from, to, snapshot.BaseCurrency, snapshot.Rates, e.opts.ResultPlaces)

	record := storage.AuditRecord{
		FromCurrency:        from,
		ToCurrency:          to,
		OriginalAmount:      amount,
		ConvertedAmount:     calc.Amount,
		RateSnapshotID:      snapshot.SnapshotID,
		CalculationMethod:   calc.Method,
		RatesUsed:           calc.RatesUsed,
		ConversionTimestamp: now,
		ServiceVersion:      e.opts.ServiceVersion,
	}
	record, err = e.persistAudit(ctx, record)
	if err != nil {
		return Result{}, err
	}

	e.publish(ctx, record)

	e.logger.Info().
		Str("transaction_id", record.TransactionID).
		Str("from", from).
		Str("to", to).
		Str("amount", amount.String()).
		Str("converted", calc.Amount.String()).
		Str("method", string(calc.Method)).
		Str("snapshot_id", snapshot.SnapshotID).
		Msg("conversion recorded")

	return Result{
		ConvertedAmount:       record.ConvertedAmount,
		RateSnapshotID:        record.RateSnapshotID,
		AuditLogTransactionID: record.TransactionID,
		FromCurrency:          record.FromCurrency,
		ToCurrency:            record.ToCurrency,
		OriginalAmount:        record.OriginalAmount,
		ConversionTimestamp:   record.ConversionTimestamp,
		CalculationMethod:     record.CalculationMethod,
	}, nil
}

// persistAudit writes the record, regenerating the id on collision and
// retrying store failures up to WriteAttempts.
func (e *Engine) persistAudit(ctx context.Context, record storage.AuditRecord) (storage.AuditRecord, error) {
	record.TransactionID = e.NewTransactionID(record.ConversionTimestamp)

	var (
		lastErr   error
		ambiguous bool
	)
	for attempt := 1; attempt <= e.opts.WriteAttempts; attempt++ {
		err := e.insertAudit(ctx, record)
		if err == nil {
			return record, nil
		}

		if errors.Is(err, storage.ErrAuditExists) {
			// 之前的写入可能已超时落库, 先确认是不是自己的记录
			if ambiguous && e.isOwnRecord(ctx, record) {
				return record, nil
			}
			record.TransactionID = e.NewTransactionID(record.ConversionTimestamp)
			ambiguous = false
			lastErr = err
			continue
		}

		lastErr = err
		ambiguous = true
		if ctx.Err() != nil {
			break
		}
		if attempt < e.opts.WriteAttempts {
			e.metrics.IncAuditWriteRetries()
			e.logger.Warn().Err(err).Int("attempt", attempt).Str("transaction_id", record.TransactionID).Msg("audit write failed, retrying")
		}
	}

	e.logger.Error().Err(lastErr).Str("transaction_id", record.TransactionID).Msg("audit write failed")
	return storage.AuditRecord{}, apperrors.Wrap(apperrors.KindAuditPersistenceFailed, lastErr, "audit logging failed")
}

func (e *Engine) insertAudit(ctx context.Context, record storage.AuditRecord) error {
	ctx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
	defer cancel()
	return e.audits.InsertAudit(ctx, record)
}

func (e *Engine) isOwnRecord(ctx context.Context, record storage.AuditRecord) bool {
	ctx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
	defer cancel()
	stored, err := e.audits.GetAudit(ctx, record.TransactionID)
	if err != nil {
		return false
	}
	return stored.RateSnapshotID == record.RateSnapshotID &&
		stored.FromCurrency == record.FromCurrency &&
		stored.ToCurrency == record.ToCurrency &&
		stored.OriginalAmount.Equal(record.OriginalAmount) &&
		stored.ConvertedAmount.Equal(record.ConvertedAmount) &&
		stored.ConversionTimestamp.Equal(record.ConversionTimestamp)
}

// publish hands the committed record to the event publisher without holding
// up the response. The request's cancellation does not reach the publisher;
// the publisher bounds its own write.
func (e *Engine) publish(ctx context.Context, record storage.AuditRecord) {
	ctx = context.WithoutCancel(ctx)
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		if err := e.events.PublishConversion(ctx, record); err != nil {
			e.logger.Warn().Err(err).Str("transaction_id", record.TransactionID).Msg("conversion event not published")
		}
	}()
}

// Wait blocks until every in-flight conversion event has been handed off.
// Call it before closing the publisher.
func (e *Engine) Wait() {
	e.pending.Wait()
}

// GetAudit returns the stored record for transactionID.
func (e *Engine) GetAudit(ctx context.Context, transactionID string) (storage.AuditRecord, error) {
	id := strings.TrimSpace(transactionID)
	if id == "" {
		return storage.AuditRecord{}, apperrors.New(apperrors.KindAuditNotFound, "transaction id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
	defer cancel()

	record, err := e.audits.GetAudit(ctx, id)
	if errors.Is(err, storage.ErrAuditNotFound) {
		return storage.AuditRecord{}, apperrors.New(apperrors.KindAuditNotFound, "audit record %s not found", id)
	}
	if err != nil {
		return storage.AuditRecord{}, fmt.Errorf("read audit %s: %w", id, err)
	}
	return record, nil
}

// LatestRates summarises the snapshot conversions would use right now.
func (e *Engine) LatestRates(ctx context.Context) (RatesSummary, error) {
	snapshot, err := e.latestSnapshot(ctx, e.Now().UTC())
	if err != nil {
		return RatesSummary{}, err
	}
	return RatesSummary{
		RateSnapshotID: snapshot.SnapshotID,
		BaseCurrency:   snapshot.BaseCurrency,
		FetchDate:      snapshot.ProviderDate,
		FetchTimestamp: snapshot.CapturedAt,
		ExpiresAt:      snapshot.ExpiresAt,
		RatesCount:     len(snapshot.Rates),
		Rates:          snapshot.Rates,
	}, nil
}

func (e *Engine) latestSnapshot(ctx context.Context, now time.Time) (storage.RateSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
	defer cancel()

	snapshot, err := storage.LatestSnapshot(ctx, e.rates, now)
	if errors.Is(err, storage.ErrSnapshotNotFound) {
		return storage.RateSnapshot{}, apperrors.New(apperrors.KindNoRateDataAvailable, "no valid rate snapshot available")
	}
	if err != nil {
		return storage.RateSnapshot{}, apperrors.Wrap(apperrors.KindNoRateDataAvailable, err, "rate store unavailable")
	}
	return snapshot, nil
}

func (e *Engine) normaliseCode(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if !codePattern.MatchString(code) {
		return "", apperrors.New(apperrors.KindInvalidCurrencyCode, "currency code %q must be three letters", raw)
	}
	if _, ok := e.supported[code]; !ok {
		return "", apperrors.New(apperrors.KindInvalidCurrencyCode, "currency %s is not supported", code)
	}
	return code, nil
}

func (e *Engine) parseAmount(raw string) (decimal.Decimal, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return decimal.Decimal{}, apperrors.New(apperrors.KindInvalidAmount, "amount is required")
	}
	parts := amountPattern.FindStringSubmatch(text)
	if parts == nil {
		if strings.HasPrefix(text, "-") {
			return decimal.Decimal{}, apperrors.New(apperrors.KindInvalidAmount, "amount must be greater than zero")
		}
		return decimal.Decimal{}, apperrors.New(apperrors.KindInvalidAmount, "amount %q is not a plain decimal number", raw)
	}

	// 位数在解析前按文本检查, 之后的比较只处理有界的数
	whole := strings.TrimLeft(parts[1], "0")
	frac := strings.TrimRight(parts[2], "0")
	if len(whole) > e.maxWholeDigits {
		return decimal.Decimal{}, apperrors.New(apperrors.KindInvalidAmount, "amount exceeds maximum of %s", e.opts.MaxAmount.String())
	}
	if len(frac) > int(e.opts.MaxAmountPlaces) {
		return decimal.Decimal{}, apperrors.New(apperrors.KindInvalidAmount, "amount has more than %d decimal places", e.opts.MaxAmountPlaces)
	}
	if whole == "" {
		whole = "0"
	}
	if frac != "" {
		whole += "." + frac
	}

	amount, err := decimal.NewFromString(whole)
	if err != nil {
		return decimal.Decimal{}, apperrors.New(apperrors.KindInvalidAmount, "amount %q is not a decimal number", raw)
	}
	if !amount.IsPositive() {
		return decimal.Decimal{}, apperrors.New(apperrors.KindInvalidAmount, "amount must be greater than zero")
	}
	if amount.GreaterThan(e.opts.MaxAmount) {
		return decimal.Decimal{}, apperrors.New(apperrors.KindInvalidAmount, "amount exceeds maximum of %s", e.opts.MaxAmount.String())
	}
	return amount, nil
}

func kindOrInternal(err error) apperrors.Kind {
	if kind := apperrors.KindOf(err); kind != "" {
		return kind
	}
	return "Internal"
}
