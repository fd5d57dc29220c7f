package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fleetledger/internal/logger"
	"github.com/mcclellann/fleetledger/pkg/ledger"
	"github.com/shopspring/decimal"
)

type Config struct {
	// Storage
	DBPath string

	// HTTP server
	Addr string

	// Matching
	MatchAmountTolerance decimal.Decimal
	MatchDateWindowDays  int

	// Settlement
	SettlementMaxRetries int

	// Late fees
	LateFeeDailyRate decimal.Decimal
	LateFeeMax       decimal.Decimal
	LateFeeGraceDays int

	// Scheduled sweep, disabled when zero
	SweepInterval  time.Duration
	SweepCompanies []uuid.UUID

	// Logging Configuration
	LogLevel      string
	LogFormat     string
	LogTimeFormat string
	LogOutput     string
}

func Load() (*Config, error) {
	config := &Config{
		DBPath:        getEnv("DB_PATH", "fleetledger.db"),
		Addr:          getEnv("ADDR", ":8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "console"),
		LogTimeFormat: getEnv("LOG_TIME_FORMAT", "2006-01-02T15:04:05Z07:00"),
		LogOutput:     getEnv("LOG_OUTPUT", "stdout"),
	}

	var err error
	if config.MatchAmountTolerance, err = decimal.NewFromString(getEnv("MATCH_AMOUNT_TOLERANCE", "0.05")); err != nil {
		return nil, fmt.Errorf("invalid MATCH_AMOUNT_TOLERANCE: %w", err)
	}
	if config.MatchDateWindowDays, err = strconv.Atoi(getEnv("MATCH_DATE_WINDOW_DAYS", "15")); err != nil {
		return nil, fmt.Errorf("invalid MATCH_DATE_WINDOW_DAYS: %w", err)
	}
	if config.SettlementMaxRetries, err = strconv.Atoi(getEnv("SETTLEMENT_MAX_RETRIES", "3")); err != nil {
		return nil, fmt.Errorf("invalid SETTLEMENT_MAX_RETRIES: %w", err)
	}
	if config.LateFeeDailyRate, err = decimal.NewFromString(getEnv("LATE_FEE_DAILY_RATE", "120")); err != nil {
		return nil, fmt.Errorf("invalid LATE_FEE_DAILY_RATE: %w", err)
	}
	if config.LateFeeMax, err = decimal.NewFromString(getEnv("LATE_FEE_MAX", "3000")); err != nil {
		return nil, fmt.Errorf("invalid LATE_FEE_MAX: %w", err)
	}
	if config.LateFeeGraceDays, err = strconv.Atoi(getEnv("LATE_FEE_GRACE_DAYS", "0")); err != nil {
		return nil, fmt.Errorf("invalid LATE_FEE_GRACE_DAYS: %w", err)
	}
	if config.SweepInterval, err = time.ParseDuration(getEnv("SWEEP_INTERVAL", "0s")); err != nil {
		return nil, fmt.Errorf("invalid SWEEP_INTERVAL: %w", err)
	}
	if config.SweepCompanies, err = parseCompanies(getEnv("SWEEP_COMPANIES", "")); err != nil {
		return nil, fmt.Errorf("invalid SWEEP_COMPANIES: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func (c *Config) validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if c.MatchAmountTolerance.IsNegative() || c.MatchAmountTolerance.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("MATCH_AMOUNT_TOLERANCE must be in [0, 1)")
	}
	if c.MatchDateWindowDays < 0 {
		return fmt.Errorf("MATCH_DATE_WINDOW_DAYS must not be negative")
	}
	if c.SettlementMaxRetries < 1 {
		return fmt.Errorf("SETTLEMENT_MAX_RETRIES must be at least 1")
	}
	if c.LateFeeDailyRate.IsNegative() || c.LateFeeMax.IsNegative() {
		return fmt.Errorf("late fee amounts must not be negative")
	}
	if c.LateFeeGraceDays < 0 {
		return fmt.Errorf("LATE_FEE_GRACE_DAYS must not be negative")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("SWEEP_INTERVAL must not be negative")
	}
	return nil
}

// GetLoggerConfig returns a logger configuration from the main config
func (c *Config) GetLoggerConfig() logger.LogConfig {
	return logger.LogConfig{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		TimeFormat: c.LogTimeFormat,
		Output:     c.LogOutput,
	}
}

// LedgerOptions returns the ledger tuning carried by the config
func (c *Config) LedgerOptions() []ledger.Option {
	return []ledger.Option{
		ledger.WithMatchingConfig(ledger.MatchingConfig{
			AmountTolerance: c.MatchAmountTolerance,
			DateWindowDays:  c.MatchDateWindowDays,
		}),
		ledger.WithLateFeePolicy(ledger.LateFeePolicy{
			DailyRate: c.LateFeeDailyRate,
			MaxFine:   c.LateFeeMax,
			GraceDays: c.LateFeeGraceDays,
		}),
		ledger.WithMaxRetries(c.SettlementMaxRetries),
	}
}

func parseCompanies(raw string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := uuid.Parse(part)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
