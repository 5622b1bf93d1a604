package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ratelock/internal/alerting"
	"ratelock/internal/config"
	"ratelock/internal/conversion"
	"ratelock/internal/events"
	"ratelock/internal/fetcher"
	"ratelock/internal/httpapi"
	"ratelock/internal/metrics"
	"ratelock/internal/ratesync"
	"ratelock/internal/scheduler"
	"ratelock/internal/storage"
	"ratelock/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output; logs go to Logger.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// stores 持有按配置选出的存储实现以及关闭函数。
type stores struct {
	rates  storage.RateStore
	audits storage.AuditStore
	locker storage.AdvisoryLocker
	purger storage.SnapshotPurger
	cache  *storage.CachedRateStore

	closers []func()
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStores connects only the backends the config selects.
func (a *App) openStores(ctx context.Context) (*stores, error) {
	out := &stores{}

	var pg *storage.Store
	if a.Config.UsesBackend(config.BackendPostgres) {
		pool, err := storage.NewPool(ctx, a.Config.Database)
		if err != nil {
			return nil, err
		}
		pg = storage.NewStore(pool)
		out.closers = append(out.closers, pg.Close)
	}

	var rs *storage.RedisStore
	if a.Config.UsesBackend(config.BackendRedis) {
		client, err := storage.NewRedisClient(ctx, a.Config.Redis)
		if err != nil {
			out.Close()
			return nil, err
		}
		rs = storage.NewRedisStore(client, a.Config.Redis.KeyPrefix)
		out.closers = append(out.closers, func() { _ = client.Close() })
	}

	switch a.Config.Storage.RateBackend {
	case config.BackendPostgres:
		out.rates = pg
		out.purger = pg
	default:
		out.rates = rs
	}
	switch a.Config.Storage.AuditBackend {
	case config.BackendRedis:
		out.audits = rs
	default:
		out.audits = pg
	}
	if pg != nil && a.Config.Scheduler.AdvisoryLockKey != 0 {
		out.locker = pg
	}

	if a.Config.Cache.Enabled {
		out.cache = storage.NewCachedRateStore(out.rates, a.Config.Cache.SizeMB, a.Config.Cache.TTL)
		out.rates = out.cache
	}
	return out, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled || !a.Config.Alerting.Telegram.Enabled {
		return nil
	}
	cfg := a.Config.Alerting.Telegram
	telegram := alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	if a.Config.Alerting.Cooldown <= 0 {
		return telegram
	}
	return alerting.NewCooldown(telegram, a.Config.Alerting.Cooldown)
}

func (a *App) newPublisher() events.Publisher {
	if !a.Config.Events.Enabled {
		return events.Noop{}
	}
	return events.NewKafkaPublisher(a.Config.Events)
}

func (a *App) newFetcher(rec metrics.Recorder) fetcher.RateFetcher {
	return fetcher.NewFrankfurter(fetcher.Options{
		BaseURL:     a.Config.Provider.BaseURL,
		Timeout:     a.Config.Provider.RequestTimeout,
		MaxAttempts: a.Config.Provider.MaxAttempts,
		BaseDelay:   a.Config.Provider.BaseDelay,
		UserAgent:   a.Config.Provider.UserAgent,
		OnTransition: func(t fetcher.Transition) {
			rec.ObserveProviderAttempt(t.State.String())
		},
	}, a.Logger)
}

func (a *App) newSynchronizer(st *stores, rec metrics.Recorder, notifier alerting.Notifier) *ratesync.Synchronizer {
	return ratesync.New(ratesync.Options{
		Pivot:        a.Config.Sync.Pivot,
		Currencies:   a.Config.Sync.Currencies,
		SnapshotTTL:  a.Config.Sync.SnapshotTTL,
		StoreTimeout: a.Config.Storage.Timeout,
		LockKey:      a.Config.Scheduler.AdvisoryLockKey,
		Environment:  a.Config.App.Environment,
	}, ratesync.Deps{
		Fetcher:  a.newFetcher(rec),
		Store:    st.rates,
		Locker:   st.locker,
		Purger:   st.purger,
		Notifier: notifier,
		Metrics:  rec,
	}, a.Logger)
}

func (a *App) newEngine(st *stores, publisher events.Publisher, rec metrics.Recorder) (*conversion.Engine, error) {
	maxAmount, err := decimal.NewFromString(a.Config.Conversion.MaxAmount)
	if err != nil {
		return nil, fmt.Errorf("parse conversion.max_amount: %w", err)
	}
	return conversion.New(conversion.Options{
		Pivot:           a.Config.Sync.Pivot,
		Currencies:      a.Config.Sync.Currencies,
		ResultPlaces:    a.Config.Conversion.ResultPlaces,
		MaxAmountPlaces: a.Config.Conversion.MaxAmountPlaces,
		MaxAmount:       maxAmount,
		StoreTimeout:    a.Config.Storage.Timeout,
		WriteAttempts:   a.Config.Storage.WriteAttempts,
		ServiceVersion:  version.Version,
	}, st.rates, st.audits, publisher, rec, a.Logger), nil
}

func (a *App) schedulerOptions() scheduler.Options {
	return scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: a.Config.Sync.InitialAttempts == 0,
	}
}

func (a *App) migrateIfConfigured() error {
	if !a.Config.Database.AutoMigrate || !a.Config.UsesBackend(config.BackendPostgres) {
		return nil
	}
	applied, err := storage.MigrateUp(a.Config.Database.DSN)
	if err != nil {
		return err
	}
	if applied {
		a.Logger.Info().Msg("database migrations applied")
	}
	return nil
}

// Serve runs the scheduler and the HTTP API until SIGINT/SIGTERM.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.migrateIfConfigured(); err != nil {
		return err
	}

	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	var rec metrics.Recorder = metrics.Noop{}
	if a.Config.Metrics.Enabled {
		m := metrics.New()
		if st.cache != nil {
			m.RegisterCacheStats(st.cache.Stats)
		}
		rec = m
	}

	publisher := a.newPublisher()
	defer func() {
		if err := publisher.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close event publisher")
		}
	}()

	syncer := a.newSynchronizer(st, rec, a.newNotifier())
	engine, err := a.newEngine(st, publisher, rec)
	if err != nil {
		return err
	}
	defer engine.Wait()

	// initial_attempts 为 0 时不阻塞启动, 由调度器立即补一次同步
	if a.Config.Sync.InitialAttempts > 0 {
		if _, err := syncer.SyncUntilReady(ctx, a.Config.Sync.InitialAttempts, a.Config.Sync.InitialRetryDelay); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			// 已有未过期快照时仍可对外服务
			a.Logger.Warn().Err(err).Msg("starting without a fresh snapshot")
		}
	}

	metricsPath := ""
	if a.Config.Metrics.Enabled {
		metricsPath = a.Config.Metrics.Path
	}
	router := httpapi.NewRouter(httpapi.Options{
		RequestTimeout: a.Config.HTTP.RequestTimeout,
		PingTimeout:    a.Config.Storage.Timeout,
		EnableSync:     a.Config.HTTP.EnableSyncEndpoint,
		MetricsPath:    metricsPath,
		Version:        version.Version,
	}, httpapi.Deps{
		Engine:     engine,
		Syncer:     syncer,
		RateStore:  st.rates,
		AuditStore: st.audits,
		Metrics:    rec,
	}, a.Logger)

	server := &http.Server{
		Addr:         a.Config.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  a.Config.HTTP.ReadTimeout,
		WriteTimeout: a.Config.HTTP.WriteTimeout,
	}

	sched := scheduler.New(a.schedulerOptions(), a.Logger)

	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(ctx, syncer.Tick) }()

	serveErr := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", server.Addr).Msg("http api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.Config.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error().Err(err).Msg("http shutdown")
	}
	if err := <-schedDone; err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("scheduler terminated with error")
	}

	a.Logger.Info().Msg("ratelock stopped")
	return runErr
}

// ExportOptions hold parameters for exporting rate history.
type ExportOptions struct {
	From       *time.Time
	To         *time.Time
	PNGPath    string
	CSVPath    string
	MaxPoints  int
	Currencies []string
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit      int
	Currencies []string
}

// ConvertOptions carry one CLI conversion request.
type ConvertOptions struct {
	From   string
	To     string
	Amount string
}
