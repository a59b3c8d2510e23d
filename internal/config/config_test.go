package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsInDevelopment(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "CoinLedger", cfg.AppName)
	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, time.Hour, cfg.IdempotencySweepInterval)
	assert.Equal(t, 3*time.Second, cfg.LockTimeout)
	assert.Equal(t, 10*time.Second, cfg.ShutdownPeriod)
	assert.Equal(t, 50, cfg.HistoryDefaultLimit)
	assert.Equal(t, 500, cfg.HistoryMaxLimit)
	assert.Equal(t, "treasury", cfg.TreasurySubject)
	assert.Equal(t, "bonus_pool", cfg.BonusPoolSubject)
	assert.Equal(t, "revenue", cfg.RevenueSubject)
	assert.True(t, cfg.RunMigrations)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://ledger@db/ledger")
	t.Setenv("PORT", ":9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("IDEMPOTENCY_TTL", "2h")
	t.Setenv("LOCK_TIMEOUT", "750ms")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("HISTORY_DEFAULT_LIMIT", "20")
	t.Setenv("RUN_MIGRATIONS", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Address())
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, 750*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 20, cfg.HistoryDefaultLimit)
	assert.False(t, cfg.RunMigrations)
	assert.False(t, cfg.IsDevelopment())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"database required in production": {"APP_ENV": "production", "DATABASE_URL": ""},
		"bad duration":                    {"APP_ENV": "development", "LOCK_TIMEOUT": "soon"},
		"non-positive ttl":                {"APP_ENV": "development", "IDEMPOTENCY_TTL": "0s"},
		"default above max":               {"APP_ENV": "development", "HISTORY_DEFAULT_LIMIT": "600"},
		"negative limit":                  {"APP_ENV": "development", "HISTORY_MAX_LIMIT": "-1"},
		"limit with trailing junk":        {"APP_ENV": "development", "HISTORY_DEFAULT_LIMIT": "50abc"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
