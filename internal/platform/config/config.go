package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Group store backends.
const (
	GroupStorePostgres = "postgres"
	GroupStoreRedis    = "redis"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"local"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	PostgresDSN string `env:"POSTGRES_DSN,required"`
	HTTPPort    int    `env:"HTTP_PORT" envDefault:"8000"`
	HealthPort  int    `env:"HEALTH_PORT" envDefault:"8080"`

	// Database pool
	DBMaxConnections    int32         `env:"DB_MAX_CONNECTIONS" envDefault:"25"`
	DBMinConnections    int32         `env:"DB_MIN_CONNECTIONS" envDefault:"5"`
	DBMaxConnIdleTime   time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"30m"`
	DBMaxConnLifetime   time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"1h"`
	DBHealthCheckPeriod time.Duration `env:"DB_HEALTH_CHECK_PERIOD" envDefault:"1m"`

	// Group store
	GroupStore  string        `env:"GROUP_STORE" envDefault:"postgres"`
	RedisAddr   string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPrefix string        `env:"REDIS_PREFIX" envDefault:"relay:"`
	RedisTTL    time.Duration `env:"REDIS_TTL" envDefault:"10m"`

	// Aggregation
	AggWindow        time.Duration `env:"AGG_WINDOW" envDefault:"5s"`
	AggMaxFragments  int           `env:"AGG_MAX_FRAGMENTS" envDefault:"3"`
	AggMaxMedia      int           `env:"AGG_MAX_MEDIA" envDefault:"3"`
	AggMaxWait       time.Duration `env:"AGG_MAX_WAIT" envDefault:"3s"`
	AggAppendRetries int           `env:"AGG_APPEND_RETRIES" envDefault:"3"`

	// Sweeper
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"5s"`
	SweepReleaseAge time.Duration `env:"SWEEP_RELEASE_AGE" envDefault:"5s"`
	SweepExpiryAge  time.Duration `env:"SWEEP_EXPIRY_AGE" envDefault:"5m"`
	SweepBatchLimit int           `env:"SWEEP_BATCH_LIMIT" envDefault:"500"`

	// Analysis worker
	WorkerPollInterval   time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"2s"`
	WorkerStuckThreshold time.Duration `env:"WORKER_STUCK_THRESHOLD" envDefault:"10m"`
	AnalysisMaxAttempts  int           `env:"ANALYSIS_MAX_ATTEMPTS" envDefault:"3"`
	AnalysisRetryDelay   time.Duration `env:"ANALYSIS_RETRY_DELAY" envDefault:"30s"`
	LLMAPIKey            string        `env:"LLM_API_KEY"`
	LLMBaseURL           string        `env:"LLM_BASE_URL"`
	LLMModel             string        `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`
	LLMRPS               float64       `env:"LLM_RPS" envDefault:"1"`
	LLMTimeout           time.Duration `env:"LLM_TIMEOUT" envDefault:"60s"`

	// Per-sender analyses allowed in a rolling 24h window, 0 disables.
	UsageDailyLimit int `env:"USAGE_DAILY_LIMIT" envDefault:"10"`

	// Webhook
	WebhookMaxBodyBytes int64   `env:"WEBHOOK_MAX_BODY_BYTES" envDefault:"1048576"`
	WebhookRPS          float64 `env:"WEBHOOK_RPS" envDefault:"2"`
	WebhookBurst        int     `env:"WEBHOOK_BURST" envDefault:"10"`
}

func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional, error is expected when not present

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment config: %w", err)
	}

	applyLegacyAliases(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyLegacyAliases maps variable names used by older deployments. The
// current name always wins when both are set.
func applyLegacyAliases(cfg *Config) {
	if !hasEnv("SWEEP_RELEASE_AGE") {
		setSecondsFromEnv("STALE_MAX_AGE_SECONDS", &cfg.SweepReleaseAge)
	}

	if !hasEnv("LLM_API_KEY") {
		setStringFromEnv("AI_API_KEY", &cfg.LLMAPIKey)
	}

	if !hasEnv("APP_ENV") {
		setStringFromEnv("ENVIRONMENT", &cfg.AppEnv)
	}
}

func (c *Config) validate() error {
	switch c.GroupStore {
	case GroupStorePostgres, GroupStoreRedis:
	default:
		return fmt.Errorf("invalid GROUP_STORE %q: want %s or %s", c.GroupStore, GroupStorePostgres, GroupStoreRedis)
	}

	if c.AggMaxFragments < 1 {
		return fmt.Errorf("invalid AGG_MAX_FRAGMENTS %d: must be at least 1", c.AggMaxFragments)
	}

	if c.AggWindow <= 0 || c.AggMaxWait <= 0 {
		return fmt.Errorf("AGG_WINDOW and AGG_MAX_WAIT must be positive")
	}

	if c.UsageDailyLimit < 0 {
		return fmt.Errorf("invalid USAGE_DAILY_LIMIT %d: must not be negative", c.UsageDailyLimit)
	}

	if c.SweepExpiryAge > 0 && c.SweepExpiryAge < c.SweepReleaseAge {
		return fmt.Errorf("SWEEP_EXPIRY_AGE %s must not be shorter than SWEEP_RELEASE_AGE %s", c.SweepExpiryAge, c.SweepReleaseAge)
	}

	return nil
}

// IsLocal reports whether the process runs in a developer environment.
func (c *Config) IsLocal() bool {
	return c.AppEnv == "local"
}

func hasEnv(key string) bool {
	_, ok := os.LookupEnv(key)
	return ok
}

func setStringFromEnv(key string, target *string) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return
	}

	val = strings.TrimSpace(val)
	if val == "" {
		return
	}

	*target = val
}

func setSecondsFromEnv(key string, target *time.Duration) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return
	}

	parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil || parsed <= 0 {
		return
	}

	*target = time.Duration(parsed * float64(time.Second))
}
