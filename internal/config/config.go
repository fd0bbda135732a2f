// Package config loads the engine's configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates the engine's settings.
type Config struct {
	HTTP    HTTPConfig
	Store   StoreConfig
	NATS    NATSConfig
	Graph   GraphConfig
	Logging LoggingConfig
	Rank    RankConfig
	Jobs    JobsConfig
}

// HTTPConfig governs the HTTP server.
type HTTPConfig struct {
	Port               int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	AdminRatePerMinute int
}

// StoreConfig selects PostgreSQL and the Redis cache. Empty URLs fall back
// to the in-memory store and no cache.
type StoreConfig struct {
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration
}

// NATSConfig enables NATS notifications when URL is set.
type NATSConfig struct {
	URL     string
	Subject string
}

// GraphConfig enables the Neo4j referral graph when URI is set.
type GraphConfig struct {
	URI      string
	Database string
	Username string
	Password string
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level         string
	Format        string // text|json
	IncludeCaller bool
}

// RankConfig holds the rank policy knobs.
type RankConfig struct {
	PolicyFile        string
	QualifyingSymbols []string // priority order
	PayoutSymbol      string
	GracePeriod       time.Duration // zero disables the WARNING state
	MaintenanceCycle  time.Duration
}

// JobsConfig controls the job runner.
type JobsConfig struct {
	Workers     int
	Interval    time.Duration
	MaxAttempts int
}

const (
	defaultPort               = 8080
	defaultCacheTTL           = 30 * time.Second
	defaultNATSSubject        = "rank"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultQualifyingSymbols  = "USDT,USDC,DAI"
	defaultPayoutSymbol       = "USDT"
	defaultGracePeriod        = 7 * 24 * time.Hour
	defaultMaintenanceCycle   = 30 * 24 * time.Hour
	defaultJobWorkers         = 8
	defaultJobInterval        = 24 * time.Hour
	defaultJobMaxAttempts     = 3
	defaultAdminRatePerMinute = 60
)

// Load reads configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTP: HTTPConfig{
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			DatabaseURL: os.Getenv("DATABASE_URL"),
			RedisURL:    os.Getenv("REDIS_URL"),
		},
		NATS: NATSConfig{
			URL:     os.Getenv("NATS_URL"),
			Subject: valueOrDefault("NATS_SUBJECT", defaultNATSSubject),
		},
		Graph: GraphConfig{
			URI:      os.Getenv("GRAPH_URI"),
			Database: os.Getenv("GRAPH_DATABASE"),
			Username: os.Getenv("GRAPH_USERNAME"),
			Password: os.Getenv("GRAPH_PASSWORD"),
		},
		Logging: LoggingConfig{
			Level:         valueOrDefault("LOG_LEVEL", defaultLogLevel),
			Format:        valueOrDefault("LOG_FORMAT", defaultLogFormat),
			IncludeCaller: parseBoolWithDefault("LOG_INCLUDE_CALLER", false),
		},
		Rank: RankConfig{
			PolicyFile:        os.Getenv("RANK_POLICY_FILE"),
			QualifyingSymbols: splitCSV(valueOrDefault("QUALIFYING_SYMBOLS", defaultQualifyingSymbols)),
			PayoutSymbol:      strings.ToUpper(valueOrDefault("PAYOUT_SYMBOL", defaultPayoutSymbol)),
		},
	}

	var err error
	if cfg.HTTP.Port, err = parseInt("PORT", defaultPort); err != nil {
		return Config{}, err
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return Config{}, fmt.Errorf("invalid PORT %d: out of range", cfg.HTTP.Port)
	}
	if cfg.HTTP.AdminRatePerMinute, err = parseInt("ADMIN_RATE_PER_MINUTE", defaultAdminRatePerMinute); err != nil {
		return Config{}, err
	}
	if cfg.Store.CacheTTL, err = parseDuration("CACHE_TTL", defaultCacheTTL); err != nil {
		return Config{}, err
	}
	if cfg.Rank.GracePeriod, err = parseDuration("GRACE_PERIOD", defaultGracePeriod); err != nil {
		return Config{}, err
	}
	if cfg.Rank.MaintenanceCycle, err = parseDuration("MAINTENANCE_CYCLE", defaultMaintenanceCycle); err != nil {
		return Config{}, err
	}
	if cfg.Jobs.Workers, err = parseInt("JOB_WORKERS", defaultJobWorkers); err != nil {
		return Config{}, err
	}
	if cfg.Jobs.Interval, err = parseDuration("JOB_INTERVAL", defaultJobInterval); err != nil {
		return Config{}, err
	}
	if cfg.Jobs.MaxAttempts, err = parseInt("JOB_MAX_ATTEMPTS", defaultJobMaxAttempts); err != nil {
		return Config{}, err
	}

	if len(cfg.Rank.QualifyingSymbols) == 0 {
		return Config{}, fmt.Errorf("QUALIFYING_SYMBOLS must list at least one symbol")
	}
	if cfg.Rank.MaintenanceCycle <= 0 {
		return Config{}, fmt.Errorf("MAINTENANCE_CYCLE must be positive")
	}
	if cfg.Rank.GracePeriod < 0 || cfg.Rank.GracePeriod >= cfg.Rank.MaintenanceCycle {
		return Config{}, fmt.Errorf("GRACE_PERIOD must be between 0 and MAINTENANCE_CYCLE")
	}
	return cfg, nil
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolWithDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return val
	}
	return fallback
}

func parseInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	return n, nil
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
