// Package ratesync turns provider quotes into immutable, deduplicated rate
// snapshots.
package ratesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ratelock/internal/alerting"
	"ratelock/internal/fetcher"
	"ratelock/internal/metrics"
	"ratelock/internal/storage"
)

// SnapshotResolution is the width of one dedup window. Two syncs inside the
// same window produce the same snapshot id.
const SnapshotResolution = time.Minute

const snapshotIDLayout = "20060102-150405UTC"

// SnapshotID renders the deterministic id for a capture time.
func SnapshotID(t time.Time) string {
	return t.UTC().Truncate(SnapshotResolution).Format(snapshotIDLayout)
}

// State is a step of the dedup state machine.
//
//	Checking -> Skipped                      (id already stored)
//	Checking -> WritingIfAbsent -> Written
//	Checking -> WritingIfAbsent -> Skipped   (lost the conditional write)
//	any      -> Failed
type State int

const (
	StateChecking State = iota
	StateWritingIfAbsent
	StateWritten
	StateSkipped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateWritingIfAbsent:
		return "writing_if_absent"
	case StateWritten:
		return "written"
	case StateSkipped:
		return "skipped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Skip reasons reported in Result.Reason.
const (
	ReasonExists   = "exists"
	ReasonLostRace = "lost_race"
	ReasonLockHeld = "lock_held"
)

// Result describes one sync run.
type Result struct {
	SnapshotID string
	State      State
	Reason     string
	Path       []State
	CapturedAt time.Time
	ExpiresAt  time.Time
	Currencies int
	Missing    []string
	Attempts   int
}

func (r *Result) enter(state State) {
	r.State = state
	r.Path = append(r.Path, state)
}

// Options carry the sync settings taken from config.
type Options struct {
	Pivot        string
	Currencies   []string
	SnapshotTTL  time.Duration
	StoreTimeout time.Duration
	LockKey      int64
	Environment  string
}

// Deps are the collaborators of a Synchronizer. Only Fetcher and Store are required.
type Deps struct {
	Fetcher  fetcher.RateFetcher
	Store    storage.RateStore
	Locker   storage.AdvisoryLocker
	Purger   storage.SnapshotPurger
	Notifier alerting.Notifier
	Metrics  metrics.Recorder
}

// Synchronizer fetches rates and persists them as snapshots.
type Synchronizer struct {
	opts   Options
	deps   Deps
	logger zerolog.Logger

	// Now and Sleep are replaceable in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a Synchronizer.
func New(opts Options, deps Deps, logger zerolog.Logger) *Synchronizer {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop{}
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 3 * time.Second
	}
	return &Synchronizer{
		opts:   opts,
		deps:   deps,
		logger: logger.With().Str("component", "ratesync").Logger(),
		Now:    time.Now,
		Sleep:  sleepContext,
	}
}

// Tick adapts Sync to the scheduler; the result is logged by Sync itself.
func (s *Synchronizer) Tick(ctx context.Context, _ time.Time) error {
	_, err := s.Sync(ctx)
	return err
}

// Sync performs one fetch-and-persist cycle. A failure leaves previously
// stored snapshots untouched.
func (s *Synchronizer) Sync(ctx context.Context) (Result, error) {
	started := s.Now()

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		result := Result{}
		result.enter(StateFailed)
		s.finish(ctx, started, result, err)
		return result, err
	}
	if !proceed {
		result := Result{Reason: ReasonLockHeld}
		result.enter(StateSkipped)
		s.logger.Debug().Msg("skip sync because advisory lock held elsewhere")
		s.deps.Metrics.ObserveSync(result.State.String(), s.Now().Sub(started))
		return result, nil
	}
	if unlock != nil {
		defer unlock()
	}

	result, err := s.run(ctx)
	s.finish(ctx, started, result, err)
	return result, err
}

func (s *Synchronizer) run(ctx context.Context) (Result, error) {
	var result Result

	quote, err := s.deps.Fetcher.FetchRates(ctx, s.opts.Pivot, s.opts.Currencies)
	if err != nil {
		result.enter(StateFailed)
		return result, err
	}
	result.Attempts = quote.Attempts

	captured := s.Now().UTC()
	snapshot := storage.RateSnapshot{
		SnapshotID:   SnapshotID(captured),
		BaseCurrency: s.opts.Pivot,
		Provider:     quote.Provider,
		ProviderDate: quote.Date,
		CapturedAt:   captured,
		ExpiresAt:    captured.Add(s.opts.SnapshotTTL),
		Rates:        quote.Rates,
	}
	result.SnapshotID = snapshot.SnapshotID
	result.CapturedAt = snapshot.CapturedAt
	result.ExpiresAt = snapshot.ExpiresAt
	result.Currencies = len(snapshot.Rates)
	result.Missing = missingCodes(s.opts.Currencies, snapshot.Rates)

	if err := validateSnapshot(snapshot); err != nil {
		result.enter(StateFailed)
		return result, err
	}

	result.enter(StateChecking)
	exists, err := s.snapshotExists(ctx, snapshot.SnapshotID)
	if err != nil {
		result.enter(StateFailed)
		return result, fmt.Errorf("check snapshot %s: %w", snapshot.SnapshotID, err)
	}
	if exists {
		result.Reason = ReasonExists
		result.enter(StateSkipped)
		return result, nil
	}

	result.enter(StateWritingIfAbsent)
	created, err := s.putSnapshot(ctx, snapshot)
	if err != nil {
		result.enter(StateFailed)
		return result, fmt.Errorf("write snapshot %s: %w", snapshot.SnapshotID, err)
	}
	if !created {
		result.Reason = ReasonLostRace
		result.enter(StateSkipped)
		return result, nil
	}

	result.enter(StateWritten)
	s.deps.Metrics.SetLatestSnapshot(snapshot.CapturedAt)
	s.purgeExpired(ctx)
	return result, nil
}

func (s *Synchronizer) snapshotExists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	return s.deps.Store.SnapshotExists(ctx, id)
}

func (s *Synchronizer) putSnapshot(ctx context.Context, snapshot storage.RateSnapshot) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	return s.deps.Store.PutSnapshot(ctx, snapshot)
}

func (s *Synchronizer) purgeExpired(ctx context.Context) {
	if s.deps.Purger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	n, err := s.deps.Purger.PurgeExpiredSnapshots(ctx, s.Now().UTC())
	if err != nil {
		s.logger.Warn().Err(err).Msg("purge expired snapshots failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int64("purged", n).Msg("expired snapshots purged")
	}
}

func (s *Synchronizer) finish(ctx context.Context, started time.Time, result Result, err error) {
	s.deps.Metrics.ObserveSync(result.State.String(), s.Now().Sub(started))

	if err != nil {
		s.logger.Error().Err(err).
			Str("snapshot_id", result.SnapshotID).
			Str("state", result.State.String()).
			Msg("rate sync failed")
		s.alert(ctx, result, err)
		return
	}

	event := s.logger.Info()
	if result.State == StateSkipped {
		event = s.logger.Debug()
	}
	event.Str("snapshot_id", result.SnapshotID).
		Str("state", result.State.String()).
		Str("reason", result.Reason).
		Int("currencies", result.Currencies).
		Strs("missing", result.Missing).
		Int("attempts", result.Attempts).
		Msg("rate sync finished")
	if len(result.Missing) > 0 {
		s.logger.Warn().Strs("missing", result.Missing).Msg("provider did not quote every configured currency")
	}
}

func (s *Synchronizer) alert(ctx context.Context, result Result, cause error) {
	if s.deps.Notifier == nil {
		return
	}

	note := alerting.Notification{
		At:          s.Now().UTC(),
		SnapshotID:  result.SnapshotID,
		Outcome:     result.State.String(),
		Error:       cause.Error(),
		Attempts:    result.Attempts,
		Environment: s.opts.Environment,
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	if id, err := s.deps.Store.LatestSnapshotID(lookupCtx, note.At); err == nil {
		note.LatestSnapshot = id
	}
	cancel()

	if err := s.deps.Notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Msg("failed to dispatch sync alert")
	}
}

// SyncUntilReady retries Sync until it succeeds or attempts run out. Used at
// startup so the engine has a snapshot before traffic arrives.
func (s *Synchronizer) SyncUntilReady(ctx context.Context, attempts int, delay time.Duration) (Result, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var (
		result Result
		err    error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = s.Sync(ctx)
		if err == nil {
			return result, nil
		}
		if attempt == attempts {
			break
		}
		s.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("initial sync failed")
		if sleepErr := s.Sleep(ctx, delay); sleepErr != nil {
			return result, sleepErr
		}
	}
	return result, fmt.Errorf("initial sync failed after %d attempts: %w", attempts, err)
}

func (s *Synchronizer) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

var errInvalidSnapshot = errors.New("invalid snapshot")

// validateSnapshot enforces: pivot present at exactly 1, every rate positive.
func validateSnapshot(snapshot storage.RateSnapshot) error {
	pivot, ok := snapshot.Rates[snapshot.BaseCurrency]
	if !ok || !pivot.Equal(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: pivot %s must be present at 1", errInvalidSnapshot, snapshot.BaseCurrency)
	}
	for code, rate := range snapshot.Rates {
		if !rate.IsPositive() {
			return fmt.Errorf("%w: rate %s must be positive", errInvalidSnapshot, code)
		}
	}
	return nil
}

func missingCodes(wanted []string, rates map[string]decimal.Decimal) []string {
	var missing []string
	for _, code := range wanted {
		if _, ok := rates[code]; !ok {
			missing = append(missing, code)
		}
	}
	return missing
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
