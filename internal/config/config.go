package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hongminglow/all-in-ledger/internal/ledger"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds runtime configuration sourced from env vars.
type Config struct {
	Port        string
	StoreDriver string
	DatabaseURL string
	JWTSecret   string
	JWTIssuer   string
	JWTTTL      time.Duration
	CORSOrigins []string
	InitBalance decimal.Decimal

	Policy        ledger.Policy
	LockTimeout   time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
	ReportZone    *time.Location

	// Admin bootstrap; skipped when AdminEmail is empty.
	AdminUsername string
	AdminEmail    string
	AdminPassword string
	AdminPhone    string
}

// Load reads configuration from the environment and performs minimal validation.
func Load() (Config, error) {
	cfg := Config{
		Port:        fallback(os.Getenv("PORT"), "8080"),
		StoreDriver: strings.ToLower(fallback(os.Getenv("STORE_DRIVER"), DriverPostgres)),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		JWTSecret:   strings.TrimSpace(os.Getenv("JWT_SECRET")),
		JWTIssuer:   fallback(os.Getenv("JWT_ISSUER"), "all-in-ledger"),
		CORSOrigins: parseCSV(fallback(os.Getenv("CORS_ALLOWED_ORIGINS"), "*")),
		JWTTTL:      minutes(os.Getenv("JWT_TTL_MINUTES"), 60),
		LockTimeout: millis(os.Getenv("LOCK_TIMEOUT_MS"), 2000),
	}
	cfg.RetryAttempts = positiveInt(os.Getenv("RETRY_ATTEMPTS"), 3)
	cfg.RetryBackoff = millis(os.Getenv("RETRY_BACKOFF_MS"), 25)
	cfg.AdminEmail = strings.TrimSpace(os.Getenv("ADMIN_EMAIL"))
	cfg.AdminUsername = fallback(os.Getenv("ADMIN_USERNAME"), "admin")
	cfg.AdminPassword = os.Getenv("ADMIN_PASSWORD")
	cfg.AdminPhone = fallback(os.Getenv("ADMIN_PHONE"), "0000000000")

	defaults := ledger.DefaultPolicy()
	var err error
	if cfg.InitBalance, err = amount("INIT_BALANCE", decimal.Zero); err != nil {
		return Config{}, err
	}
	if cfg.Policy.MinDeposit, err = amount("MIN_DEPOSIT", defaults.MinDeposit); err != nil {
		return Config{}, err
	}
	if cfg.Policy.MinWithdrawal, err = amount("MIN_WITHDRAWAL", defaults.MinWithdrawal); err != nil {
		return Config{}, err
	}
	if cfg.Policy.MaxWithdrawal, err = amount("MAX_WITHDRAWAL", defaults.MaxWithdrawal); err != nil {
		return Config{}, err
	}
	cfg.Policy.LoanCeiling = positiveInt(os.Getenv("LOAN_CEILING"), defaults.LoanCeiling)

	if cfg.Policy.MaxWithdrawal.LessThan(cfg.Policy.MinWithdrawal) {
		return Config{}, errors.New("MAX_WITHDRAWAL must not be below MIN_WITHDRAWAL")
	}

	zone := fallback(os.Getenv("REPORT_TIMEZONE"), "UTC")
	if cfg.ReportZone, err = time.LoadLocation(zone); err != nil {
		return Config{}, fmt.Errorf("REPORT_TIMEZONE: %w", err)
	}

	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, errors.New("DATABASE_URL is required")
		}
	case DriverMemory:
	default:
		return Config{}, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	if cfg.JWTSecret == "" {
		return Config{}, errors.New("JWT_SECRET is required")
	}
	if cfg.AdminEmail != "" && len(cfg.AdminPassword) < 8 {
		return Config{}, errors.New("ADMIN_PASSWORD must be at least 8 characters when ADMIN_EMAIL is set")
	}

	return cfg, nil
}

// HTTPAddress returns the host:port pair for the HTTP server to bind to.
func (c Config) HTTPAddress() string {
	return fmt.Sprintf(":%s", c.Port)
}

func fallback(value, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return strings.TrimSpace(value)
}

func positiveInt(value string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && n > 0 {
		return n
	}
	return def
}

func minutes(value string, def int) time.Duration {
	return time.Duration(positiveInt(value, def)) * time.Minute
}

func millis(value string, def int) time.Duration {
	return time.Duration(positiveInt(value, def)) * time.Millisecond
}

func amount(key string, def decimal.Decimal) (decimal.Decimal, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must be a non-negative decimal, got %q", key, raw)
	}
	return d, nil
}

func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
