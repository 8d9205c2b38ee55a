package config

import (
	"os"
	"testing"
	"time"
)

// Test environment variable keys.
const (
	testEnvPostgresDSN = "POSTGRES_DSN"
	testEnvReleaseAge  = "SWEEP_RELEASE_AGE"
	testEnvLegacyAge   = "STALE_MAX_AGE_SECONDS"
	testEnvGroupStore  = "GROUP_STORE"
	testEnvDailyLimit  = "USAGE_DAILY_LIMIT"
)

// Test values.
const (
	testPostgresDSN  = "postgres://localhost/test"
	testErrLoad      = "Load() error = %v"
	testDefaultEnv   = "local"
	testDefaultModel = "gpt-4o-mini"
)

func setRequiredEnvVars(t *testing.T) {
	t.Helper()

	t.Setenv(testEnvPostgresDSN, testPostgresDSN)
}

// unsetEnv clears a variable for the duration of the test.
func unsetEnv(t *testing.T, key string) {
	t.Helper()

	t.Setenv(key, "")
	os.Unsetenv(key)
}

func TestLoad_MissingRequired(t *testing.T) {
	unsetEnv(t, testEnvPostgresDSN)

	_, err := Load()
	if err == nil {
		t.Error("expected error for missing required env vars")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnvVars(t)

	// Explicitly unset variables that might be in .env to test actual defaults
	for _, key := range []string{
		"APP_ENV", "ENVIRONMENT", "LLM_MODEL", "HEALTH_PORT", "HTTP_PORT", "GROUP_STORE",
		"AGG_WINDOW", "AGG_MAX_FRAGMENTS", "AGG_MAX_MEDIA", "AGG_MAX_WAIT", "AGG_APPEND_RETRIES",
		"SWEEP_INTERVAL", testEnvReleaseAge, testEnvLegacyAge, "SWEEP_EXPIRY_AGE", testEnvDailyLimit,
	} {
		unsetEnv(t, key)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf(testErrLoad, err)
	}

	if cfg.AppEnv != testDefaultEnv || !cfg.IsLocal() {
		t.Errorf("AppEnv default = %q, want %q", cfg.AppEnv, testDefaultEnv)
	}

	if cfg.LLMModel != testDefaultModel {
		t.Errorf("LLMModel default = %q, want %q", cfg.LLMModel, testDefaultModel)
	}

	if cfg.HealthPort != 8080 || cfg.HTTPPort != 8000 {
		t.Errorf("ports = %d/%d, want 8000/8080", cfg.HTTPPort, cfg.HealthPort)
	}

	if cfg.GroupStore != GroupStorePostgres {
		t.Errorf("GroupStore default = %q, want %q", cfg.GroupStore, GroupStorePostgres)
	}

	if cfg.AggWindow != 5*time.Second || cfg.AggMaxWait != 3*time.Second {
		t.Errorf("aggregation window/max wait = %s/%s, want 5s/3s", cfg.AggWindow, cfg.AggMaxWait)
	}

	if cfg.AggMaxFragments != 3 || cfg.AggMaxMedia != 3 || cfg.AggAppendRetries != 3 {
		t.Errorf("aggregation limits = %d/%d/%d, want 3/3/3", cfg.AggMaxFragments, cfg.AggMaxMedia, cfg.AggAppendRetries)
	}

	if cfg.SweepInterval != 5*time.Second || cfg.SweepReleaseAge != 5*time.Second || cfg.SweepExpiryAge != 5*time.Minute {
		t.Errorf("sweep = %s/%s/%s, want 5s/5s/5m", cfg.SweepInterval, cfg.SweepReleaseAge, cfg.SweepExpiryAge)
	}

	if cfg.UsageDailyLimit != 10 {
		t.Errorf("UsageDailyLimit default = %d, want 10", cfg.UsageDailyLimit)
	}
}

func TestLoad_DailyLimitDisabled(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv(testEnvDailyLimit, "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf(testErrLoad, err)
	}

	if cfg.UsageDailyLimit != 0 {
		t.Errorf("UsageDailyLimit = %d, want 0", cfg.UsageDailyLimit)
	}
}

func TestLoad_LegacyStaleAge(t *testing.T) {
	setRequiredEnvVars(t)
	unsetEnv(t, testEnvReleaseAge)
	t.Setenv(testEnvLegacyAge, "7.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf(testErrLoad, err)
	}

	if cfg.SweepReleaseAge != 7500*time.Millisecond {
		t.Errorf("SweepReleaseAge = %s, want 7.5s", cfg.SweepReleaseAge)
	}
}

func TestLoad_CurrentNameWinsOverLegacy(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv(testEnvReleaseAge, "4s")
	t.Setenv(testEnvLegacyAge, "30")

	cfg, err := Load()
	if err != nil {
		t.Fatalf(testErrLoad, err)
	}

	if cfg.SweepReleaseAge != 4*time.Second {
		t.Errorf("SweepReleaseAge = %s, want 4s", cfg.SweepReleaseAge)
	}
}

func TestLoad_LegacyAPIKey(t *testing.T) {
	setRequiredEnvVars(t)
	unsetEnv(t, "LLM_API_KEY")
	t.Setenv("AI_API_KEY", "sk-legacy")

	cfg, err := Load()
	if err != nil {
		t.Fatalf(testErrLoad, err)
	}

	if cfg.LLMAPIKey != "sk-legacy" {
		t.Errorf("LLMAPIKey = %q, want %q", cfg.LLMAPIKey, "sk-legacy")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown store", testEnvGroupStore, "memcached"},
		{"zero max fragments", "AGG_MAX_FRAGMENTS", "0"},
		{"bad duration", "AGG_WINDOW", "soon"},
		{"expiry shorter than release", "SWEEP_EXPIRY_AGE", "1s"},
		{"negative daily limit", testEnvDailyLimit, "-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnvVars(t)
			t.Setenv(testEnvReleaseAge, "5s")
			t.Setenv(tt.key, tt.value)

			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}
