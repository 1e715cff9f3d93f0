// Package config loads the engine's runtime configuration from the
// environment. A .env file is honored when present (local dev).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/btx/trading-engine/internal/pricing"
)

// Config is the full server configuration.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	// AdminEmails is the organizer allow-list for /btx/admin endpoints.
	AdminEmails []string

	// OfflineUserID is the stub identity used when no auth header is
	// present. Empty disables the fallback (auth becomes mandatory).
	OfflineUserID string

	Market pricing.Config
}

// Load reads configuration from the environment, seeding market knobs
// from their defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	market := pricing.DefaultConfig()
	market.MinPrice = envDecimal("BTX_MIN_PRICE", market.MinPrice)
	market.DefaultBasePrice = envDecimal("BTX_DEFAULT_BASE_PRICE", market.DefaultBasePrice)
	market.SeedToPriceFactor = envDecimal("BTX_SEED_TO_PRICE_FACTOR", market.SeedToPriceFactor)
	market.SensitivityPerShare = envDecimal("BTX_PRICE_SENSITIVITY_PER_SHARE", market.SensitivityPerShare)
	market.EquilibriumFactor = envDecimal("BTX_EQUILIBRIUM_FACTOR", market.EquilibriumFactor)
	market.ExecutionNoiseMaxPct = envFloat("BTX_EXECUTION_NOISE_MAX_PCT", market.ExecutionNoiseMaxPct)
	market.FeeBps = envInt64("BTX_FEE_BPS", market.FeeBps)
	market.MeanReversionRate = envFloat("BTX_MEAN_REVERSION_RATE", market.MeanReversionRate)
	market.DriftMaxPctPerTick = envFloat("BTX_DRIFT_MAX_PCT_PER_TICK", market.DriftMaxPctPerTick)
	market.DriftMinInterval = envDuration("BTX_DRIFT_MIN_INTERVAL", market.DriftMinInterval)
	market.InitialCashBalance = envDecimal("BTX_INITIAL_CASH", market.InitialCashBalance)

	cfg := Config{
		Port:          envDefault("PORT", "8080"),
		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:      strings.TrimSpace(os.Getenv("REDIS_URL")),
		AdminEmails:   splitList(os.Getenv("BTX_ADMIN_EMAILS")),
		OfflineUserID: envDefault("BTX_OFFLINE_USER", "offline-user"),
		Market:        market,
	}

	if err := cfg.Market.Validate(); err != nil {
		return cfg, fmt.Errorf("market config: %w", err)
	}
	return cfg, nil
}

func envDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

func envInt64(key string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
