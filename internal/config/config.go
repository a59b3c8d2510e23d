package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultAppName = "CoinLedger"
	defaultAppEnv  = "development"
)

// Config captures application runtime configuration loaded from the
// environment, optionally seeded from a .env file.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	KafkaBrokers   []string
	KafkaTopic     string
	ShutdownPeriod time.Duration
	RunMigrations  bool

	IdempotencyTTL           time.Duration
	IdempotencySweepInterval time.Duration
	LockTimeout              time.Duration

	HistoryDefaultLimit int
	HistoryMaxLimit     int

	TreasurySubject  string
	BonusPoolSubject string
	RevenueSubject   string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_NAME", defaultAppName)
	v.SetDefault("APP_ENV", defaultAppEnv)
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "wallet.transactions")
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")
	v.SetDefault("RUN_MIGRATIONS", true)
	v.SetDefault("IDEMPOTENCY_TTL", "24h")
	v.SetDefault("IDEMPOTENCY_SWEEP_INTERVAL", "1h")
	v.SetDefault("LOCK_TIMEOUT", "3s")
	v.SetDefault("HISTORY_DEFAULT_LIMIT", 50)
	v.SetDefault("HISTORY_MAX_LIMIT", 500)
	v.SetDefault("SYSTEM_TREASURY_SUBJECT", "treasury")
	v.SetDefault("SYSTEM_BONUS_POOL_SUBJECT", "bonus_pool")
	v.SetDefault("SYSTEM_REVENUE_SUBJECT", "revenue")
}

// Load reads configuration values from the environment and populates a
// Config instance. A .env file in the working directory is loaded first if
// present; real environment variables win over it.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg := Config{
		AppName:          v.GetString("APP_NAME"),
		AppEnv:           v.GetString("APP_ENV"),
		Port:             v.GetString("PORT"),
		LogLevel:         strings.ToLower(v.GetString("LOG_LEVEL")),
		DatabaseURL:      v.GetString("DATABASE_URL"),
		RedisURL:         v.GetString("REDIS_URL"),
		KafkaBrokers:     splitList(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:       v.GetString("KAFKA_TOPIC"),
		RunMigrations:    v.GetBool("RUN_MIGRATIONS"),
		TreasurySubject:  v.GetString("SYSTEM_TREASURY_SUBJECT"),
		BonusPoolSubject: v.GetString("SYSTEM_BONUS_POOL_SUBJECT"),
		RevenueSubject:   v.GetString("SYSTEM_REVENUE_SUBJECT"),
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownPeriod},
		{"IDEMPOTENCY_TTL", &cfg.IdempotencyTTL},
		{"IDEMPOTENCY_SWEEP_INTERVAL", &cfg.IdempotencySweepInterval},
		{"LOCK_TIMEOUT", &cfg.LockTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = positiveDuration(v, d.key); err != nil {
			return Config{}, err
		}
	}

	if cfg.HistoryDefaultLimit, err = positiveInt(v, "HISTORY_DEFAULT_LIMIT"); err != nil {
		return Config{}, err
	}
	if cfg.HistoryMaxLimit, err = positiveInt(v, "HISTORY_MAX_LIMIT"); err != nil {
		return Config{}, err
	}
	if cfg.HistoryDefaultLimit > cfg.HistoryMaxLimit {
		return Config{}, fmt.Errorf("HISTORY_DEFAULT_LIMIT (%d) exceeds HISTORY_MAX_LIMIT (%d)", cfg.HistoryDefaultLimit, cfg.HistoryMaxLimit)
	}

	if cfg.DatabaseURL == "" && !cfg.IsDevelopment() {
		return Config{}, errors.New("DATABASE_URL must be set")
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic == "" {
		return Config{}, errors.New("KAFKA_TOPIC must be set when KAFKA_BROKERS is")
	}

	return cfg, nil
}

// IsDevelopment reports whether the app runs in a local environment, where
// Postgres and Redis are optional.
func (c Config) IsDevelopment() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func positiveDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := v.GetString(key)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, raw)
	}
	return d, nil
}

func positiveInt(v *viper.Viper, key string) (int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, raw)
	}
	return n, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
