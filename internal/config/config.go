package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultAppName        = "DispatchPay"
	defaultAppEnv         = "development"
	defaultPort           = "8080"
	defaultLogLevel       = "info"
	defaultCurrency       = "EUR"
	defaultFeeRate        = "0.02"
	defaultMinimumFee     = "1"
	defaultMinWithdrawal  = "10"
	defaultMaxWithdrawal  = "10000"
	defaultShutdownDelay  = 10 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
	defaultPayoutAttempts = 3
	defaultPayoutBackoff  = 2 * time.Second
	defaultReconcileEvery = time.Hour
	defaultDailyCap       = 1
)

// GatewayStatic and GatewayStripe select the payout gateway implementation.
const (
	GatewayStatic = "static"
	GatewayStripe = "stripe"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName  string
	AppEnv   string
	Port     string
	LogLevel string

	DatabaseURL string
	RedisURL    string

	Currency      string
	FeeRate       decimal.Decimal
	MinimumFee    decimal.Decimal
	MinWithdrawal decimal.Decimal
	MaxWithdrawal decimal.Decimal

	// DailyWithdrawalCap limits withdrawal requests per wallet per day.
	// Zero disables the limit.
	DailyWithdrawalCap int

	PayoutGateway  string
	StripeAPIKey   string
	PayoutAttempts int
	PayoutBackoff  time.Duration

	// ReconcileInterval drives the background reconciliation sweep.
	// Zero disables the loop (on-demand checks remain available).
	ReconcileInterval time.Duration

	// AdminKeyHash is the bcrypt hash of the admin API key guarding
	// administrative endpoints.
	AdminKeyHash string

	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:            getEnv("APP_NAME", defaultAppName),
		AppEnv:             getEnv("APP_ENV", defaultAppEnv),
		Port:               getEnv("PORT", defaultPort),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		Currency:           getEnv("CURRENCY", defaultCurrency),
		DailyWithdrawalCap: defaultDailyCap,
		PayoutGateway:      strings.ToLower(getEnv("PAYOUT_GATEWAY", GatewayStatic)),
		StripeAPIKey:       os.Getenv("STRIPE_API_KEY"),
		PayoutAttempts:     defaultPayoutAttempts,
		PayoutBackoff:      defaultPayoutBackoff,
		ReconcileInterval:  defaultReconcileEvery,
		AdminKeyHash:       os.Getenv("ADMIN_KEY_HASH"),
		ShutdownPeriod:     defaultShutdownDelay,
		IdempotencyTTL:     defaultIdempotencyTTL,
	}

	var err error
	if cfg.FeeRate, err = decimalEnv("FEE_RATE", defaultFeeRate); err != nil {
		return Config{}, err
	}
	if cfg.MinimumFee, err = decimalEnv("MINIMUM_FEE", defaultMinimumFee); err != nil {
		return Config{}, err
	}
	if cfg.MinWithdrawal, err = decimalEnv("MIN_WITHDRAWAL", defaultMinWithdrawal); err != nil {
		return Config{}, err
	}
	if cfg.MaxWithdrawal, err = decimalEnv("MAX_WITHDRAWAL", defaultMaxWithdrawal); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("DAILY_WITHDRAWAL_CAP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DAILY_WITHDRAWAL_CAP: %w", err)
		}
		cfg.DailyWithdrawalCap = n
	}
	if v := os.Getenv("PAYOUT_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("invalid PAYOUT_ATTEMPTS: %q", v)
		}
		cfg.PayoutAttempts = n
	}
	if cfg.PayoutBackoff, err = durationEnv("PAYOUT_BACKOFF", cfg.PayoutBackoff); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileInterval, err = durationEnv("RECONCILE_INTERVAL", cfg.ReconcileInterval); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownPeriod, err = durationEnv("SHUTDOWN_TIMEOUT", cfg.ShutdownPeriod); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationEnv("IDEMPOTENCY_TTL", cfg.IdempotencyTTL); err != nil {
		return Config{}, err
	}

	if cfg.FeeRate.IsNegative() || cfg.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Config{}, fmt.Errorf("FEE_RATE must be in [0, 1), got %s", cfg.FeeRate)
	}
	if cfg.MinWithdrawal.GreaterThan(cfg.MaxWithdrawal) {
		return Config{}, fmt.Errorf("MIN_WITHDRAWAL %s exceeds MAX_WITHDRAWAL %s", cfg.MinWithdrawal, cfg.MaxWithdrawal)
	}
	if cfg.PayoutGateway != GatewayStatic && cfg.PayoutGateway != GatewayStripe {
		return Config{}, fmt.Errorf("unknown PAYOUT_GATEWAY %q", cfg.PayoutGateway)
	}
	if cfg.PayoutGateway == GatewayStripe && cfg.StripeAPIKey == "" {
		return Config{}, fmt.Errorf("STRIPE_API_KEY must be set when PAYOUT_GATEWAY=stripe")
	}

	if !cfg.IsDev() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set")
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set")
		}
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// IsDev reports whether the app runs in a development environment, which
// relaxes the database/redis requirements and falls back to in-memory storage.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func decimalEnv(key, fallback string) (decimal.Decimal, error) {
	raw := getEnv(key, fallback)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
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
