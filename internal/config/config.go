package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"ratelock/internal/logging"
)

// Storage backends understood by the rate and audit stores.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Conversion ConversionConfig `mapstructure:"conversion"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Events     EventsConfig     `mapstructure:"events"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Environment string `mapstructure:"environment"`
}

// HTTPConfig controls the public API listener.
type HTTPConfig struct {
	Addr               string        `mapstructure:"addr" validate:"required"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	EnableSyncEndpoint bool          `mapstructure:"enable_sync_endpoint"`
}

// SchedulerConfig governs sync cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval" validate:"gt=0"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay" validate:"gte=0"`
}

// ProviderConfig 描述外部汇率源。
type ProviderConfig struct {
	BaseURL        string        `mapstructure:"base_url" validate:"required,url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"min=1,max=10"`
	BaseDelay      time.Duration `mapstructure:"base_delay" validate:"gte=0"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// SyncConfig covers snapshot production.
type SyncConfig struct {
	Pivot             string        `mapstructure:"pivot" validate:"required,len=3,uppercase,alpha"`
	Currencies        []string      `mapstructure:"currencies" validate:"min=1,dive,len=3,uppercase,alpha"`
	SnapshotTTL       time.Duration `mapstructure:"snapshot_ttl" validate:"gt=0"`
	InitialAttempts   int           `mapstructure:"initial_attempts" validate:"min=0"`
	InitialRetryDelay time.Duration `mapstructure:"initial_retry_delay" validate:"gte=0"`
}

// ConversionConfig holds decimal scale rules.
type ConversionConfig struct {
	ResultPlaces    int32  `mapstructure:"result_places" validate:"min=0,max=8"`
	MaxAmountPlaces int32  `mapstructure:"max_amount_places" validate:"min=0,max=8"`
	MaxAmount       string `mapstructure:"max_amount" validate:"required,number"`
}

// StorageConfig selects backends and bounds store calls.
type StorageConfig struct {
	RateBackend   string        `mapstructure:"rate_backend" validate:"oneof=redis postgres"`
	AuditBackend  string        `mapstructure:"audit_backend" validate:"oneof=redis postgres"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gt=0"`
	WriteAttempts int           `mapstructure:"write_attempts" validate:"min=1,max=5"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"min=0"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// CacheConfig sizes the in-process snapshot cache.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	SizeMB  int           `mapstructure:"size_mb" validate:"min=0"`
	TTL     time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

// MetricsConfig toggles Prometheus instrumentation.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// EventsConfig 描述审计事件的 Kafka 投递。
type EventsConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// AlertingConfig defines sync-failure alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown" validate:"gte=0"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points" validate:"gt=0"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RATELOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ratelock")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.request_timeout", "5s")
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("http.enable_sync_endpoint", false)

	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x7261746c))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("provider.base_url", "https://api.frankfurter.app")
	v.SetDefault("provider.request_timeout", "5s")
	v.SetDefault("provider.max_attempts", 3)
	v.SetDefault("provider.base_delay", "1s")
	v.SetDefault("provider.user_agent", "ratelock/1.0")

	v.SetDefault("sync.pivot", "EUR")
	v.SetDefault("sync.currencies", []string{"EUR", "USD", "GBP", "JPY", "CHF", "CAD", "AUD", "CNY", "SEK", "NOK"})
	v.SetDefault("sync.snapshot_ttl", "720h")
	v.SetDefault("sync.initial_attempts", 10)
	v.SetDefault("sync.initial_retry_delay", "30s")

	v.SetDefault("conversion.result_places", 2)
	v.SetDefault("conversion.max_amount_places", 4)
	v.SetDefault("conversion.max_amount", "1000000000")

	v.SetDefault("storage.rate_backend", BackendRedis)
	v.SetDefault("storage.audit_backend", BackendPostgres)
	v.SetDefault("storage.timeout", "3s")
	v.SetDefault("storage.write_attempts", 3)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "ratelock")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.size_mb", 8)
	v.SetDefault("cache.ttl", "1h")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("events.enabled", false)
	v.SetDefault("events.topic", "ratelock.conversions")
	v.SetDefault("events.write_timeout", "2s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "3h")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 10000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

func (c *Config) normalise() {
	c.Sync.Pivot = strings.ToUpper(strings.TrimSpace(c.Sync.Pivot))
	codes := make([]string, 0, len(c.Sync.Currencies))
	for _, code := range c.Sync.Currencies {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code == "" || slices.Contains(codes, code) {
			continue
		}
		codes = append(codes, code)
	}
	c.Sync.Currencies = codes
	c.Storage.RateBackend = strings.ToLower(strings.TrimSpace(c.Storage.RateBackend))
	c.Storage.AuditBackend = strings.ToLower(strings.TrimSpace(c.Storage.AuditBackend))
}

var validate = validator.New()

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !slices.Contains(c.Sync.Currencies, c.Sync.Pivot) {
		return fmt.Errorf("sync.currencies must include pivot %s", c.Sync.Pivot)
	}
	if len(c.Sync.Currencies) < 2 {
		return fmt.Errorf("sync.currencies must list at least one currency besides the pivot")
	}
	if c.UsesBackend(BackendPostgres) && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when a store uses the postgres backend")
	}
	if c.UsesBackend(BackendRedis) && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when a store uses the redis backend")
	}
	if c.Events.Enabled {
		if len(c.Events.Brokers) == 0 {
			return fmt.Errorf("events.brokers 必须配置")
		}
		if c.Events.Topic == "" {
			return fmt.Errorf("events.topic 必须配置")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// UsesBackend reports whether either store is configured with backend.
func (c *Config) UsesBackend(backend string) bool {
	return c.Storage.RateBackend == backend || c.Storage.AuditBackend == backend
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
