package domain

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the complete CardGuard configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Rule thresholds and evaluation resources
	Evaluation EvaluationConfig `json:"evaluation"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// EvaluationConfig tunes the fraud rule battery.
type EvaluationConfig struct {
	// ZScoreThreshold is the |z| above which a charge is a spending outlier.
	ZScoreThreshold float64 `json:"zScoreThreshold"`

	// MinimumAge gates RestrictedCategories.
	MinimumAge int `json:"minimumAge"`

	// RestrictedCategories are age-gated merchant categories.
	RestrictedCategories []Category `json:"restrictedCategories"`

	// LookupTimeout bounds every store read made while scoring.
	LookupTimeout time.Duration `json:"lookupTimeout"`

	// Workers is the batch pool size.
	Workers int `json:"workers"`
}

// DefaultRestrictedCategories are the age-gated categories used when none are configured.
var DefaultRestrictedCategories = []Category{
	CategoryNightClub, CategoryBarService, CategoryGambling, CategoryCarRental,
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-process cache and channels.
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS.
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:            "sqlite",
			SQLitePath:        "./cardguard.db",
			TransactionsTable: "transactions",
			CustomersTable:    "customers",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			ProfileTTL:   5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Evaluation: EvaluationConfig{
			ZScoreThreshold:      2.0,
			MinimumAge:           21,
			RestrictedCategories: append([]Category(nil), DefaultRestrictedCategories...),
			LookupTimeout:        2 * time.Second,
			Workers:              4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "cardguard",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository.Driver = "postgres"
	cfg.Repository.PostgresHost = "localhost"
	cfg.Repository.PostgresPort = 5432
	cfg.Repository.PostgresDB = "cardguard"
	cfg.Repository.MaxOpenConns = 25
	cfg.Repository.MaxIdleConns = 5
	cfg.Repository.ConnMaxLifetime = 30 * time.Minute
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		ProfileTTL:     5 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Evaluation.Workers = 16
	cfg.Tracing.Enabled = true
	return cfg
}

// Load reads an optional .env file, picks the tier from CARDGUARD_TIER and
// applies CARDGUARD_* overrides.
func Load(envFiles ...string) (*Config, error) {
	// A missing .env file is normal outside development.
	_ = godotenv.Load(envFiles...)

	cfg := DefaultConfig()
	if strings.EqualFold(os.Getenv("CARDGUARD_TIER"), string(TierPro)) {
		cfg = ProConfig()
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from environment values returned by lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.str("CARDGUARD_SERVER_HOST", &cfg.Server.Host)
	e.int("CARDGUARD_SERVER_PORT", &cfg.Server.Port)

	e.str("CARDGUARD_DB_DRIVER", &cfg.Repository.Driver)
	e.str("CARDGUARD_SQLITE_PATH", &cfg.Repository.SQLitePath)
	e.str("CARDGUARD_PG_HOST", &cfg.Repository.PostgresHost)
	e.int("CARDGUARD_PG_PORT", &cfg.Repository.PostgresPort)
	e.str("CARDGUARD_PG_USER", &cfg.Repository.PostgresUser)
	e.str("CARDGUARD_PG_PASSWORD", &cfg.Repository.PostgresPassword)
	e.str("CARDGUARD_PG_DB", &cfg.Repository.PostgresDB)
	e.str("CARDGUARD_PG_SSLMODE", &cfg.Repository.PostgresSSLMode)
	e.str("CARDGUARD_TRANSACTIONS_TABLE", &cfg.Repository.TransactionsTable)
	e.str("CARDGUARD_CUSTOMERS_TABLE", &cfg.Repository.CustomersTable)

	e.str("CARDGUARD_CACHE", &cfg.Cache.Type)
	e.str("CARDGUARD_REDIS_ADDR", &cfg.Cache.RedisAddr)
	e.str("CARDGUARD_REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	e.int("CARDGUARD_REDIS_DB", &cfg.Cache.RedisDB)
	e.duration("CARDGUARD_PROFILE_TTL", &cfg.Cache.ProfileTTL)

	e.str("CARDGUARD_BUS", &cfg.EventBus.Type)
	e.str("CARDGUARD_NATS_URL", &cfg.EventBus.NATSUrl)
	e.str("CARDGUARD_NATS_TOKEN", &cfg.EventBus.NATSToken)

	e.float("CARDGUARD_ZSCORE_THRESHOLD", &cfg.Evaluation.ZScoreThreshold)
	e.int("CARDGUARD_MIN_AGE", &cfg.Evaluation.MinimumAge)
	e.duration("CARDGUARD_LOOKUP_TIMEOUT", &cfg.Evaluation.LookupTimeout)
	e.int("CARDGUARD_WORKERS", &cfg.Evaluation.Workers)
	if v, ok := lookup("CARDGUARD_RESTRICTED_CATEGORIES"); ok {
		cfg.Evaluation.RestrictedCategories = ParseCategoryList(v)
	}

	e.str("CARDGUARD_LOG_LEVEL", &cfg.Logging.Level)
	e.str("CARDGUARD_LOG_FORMAT", &cfg.Logging.Format)
	if v, ok := lookup("CARDGUARD_DEBUG"); ok && v == "true" {
		cfg.Logging.Level = "debug"
	}
	e.bool("CARDGUARD_TRACING", &cfg.Tracing.Enabled)

	return e.err
}

// ParseCategoryList splits a comma-separated list of categories. Entries
// that are not known categories are dropped.
func ParseCategoryList(s string) []Category {
	var out []Category
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		c := ParseCategory(part)
		if c == CategoryOther && !strings.EqualFold(part, string(CategoryOther)) {
			continue
		}
		out = append(out, c)
	}
	return out
}

type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) fail(key, v string, err error) {
	e.err = fmt.Errorf("%w: %s=%q: %v", ErrInvalidInput, key, v, err)
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) bool(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}
