// Package pricing implements the BTX bonding-curve price model: a linear
// curve over cumulative net shares, a seed-derived base price, and a small
// uniform execution-noise draw modeling microstructure slippage.
//
// All monetary values use shopspring/decimal — never float64 for money.
// The noise draw happens in float64 and is converted to decimal and
// clamped immediately.
package pricing

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidConfig is returned when a Config fails validation.
var ErrInvalidConfig = errors.New("pricing: invalid market config")

// PriceScale is the number of decimal places for all stored and displayed
// prices. Rounding to cents on every step keeps repeated trades from
// accumulating float-style drift.
const PriceScale int32 = 2

// Config carries every pricing and drift knob. It is passed explicitly
// into the model, the drift simulator, and the trade executor so tests
// and individual events can tune the market without module-level state.
type Config struct {
	// MinPrice is the hard floor for every stored or displayed price.
	MinPrice decimal.Decimal

	// DefaultBasePrice is the base price of a project with zero seed.
	DefaultBasePrice decimal.Decimal

	// SeedToPriceFactor converts seed funding into base-price uplift.
	SeedToPriceFactor decimal.Decimal

	// SensitivityPerShare is the linear curve slope: price change per
	// net share traded.
	SensitivityPerShare decimal.Decimal

	// EquilibriumFactor scales the net-shares term when deriving the
	// drift equilibrium price from the base price.
	EquilibriumFactor decimal.Decimal

	// ExecutionNoiseMaxPct bounds the uniform execution-noise multiplier.
	// Zero disables noise entirely.
	ExecutionNoiseMaxPct float64

	// FeeBps is the transaction fee in basis points, applied on top of a
	// buy's cost and subtracted from a sell's revenue.
	FeeBps int64

	// MeanReversionRate is the per-second pull toward equilibrium applied
	// by drift.
	MeanReversionRate float64

	// DriftMaxPctPerTick bounds the random-walk step per sqrt-second.
	DriftMaxPctPerTick float64

	// DriftMinInterval rate-limits drift so rapid polls of the same
	// project don't amplify writes.
	DriftMinInterval time.Duration

	// InitialCashBalance funds a lazily created account.
	InitialCashBalance decimal.Decimal
}

// DefaultConfig returns the stock market knobs.
func DefaultConfig() Config {
	return Config{
		MinPrice:             decimal.NewFromFloat(0.01),
		DefaultBasePrice:     decimal.NewFromInt(1),
		SeedToPriceFactor:    decimal.NewFromFloat(0.0001),
		SensitivityPerShare:  decimal.NewFromFloat(0.02),
		EquilibriumFactor:    decimal.NewFromFloat(0.5),
		ExecutionNoiseMaxPct: 0.005,
		FeeBps:               200,
		MeanReversionRate:    0.01,
		DriftMaxPctPerTick:   0.004,
		DriftMinInterval:     15 * time.Second,
		InitialCashBalance:   decimal.NewFromInt(10000),
	}
}

// Validate rejects configs that would produce degenerate markets.
func (c Config) Validate() error {
	if c.MinPrice.Sign() <= 0 {
		return fmt.Errorf("%w: min price must be positive", ErrInvalidConfig)
	}
	if c.SensitivityPerShare.Sign() < 0 {
		return fmt.Errorf("%w: sensitivity must be non-negative", ErrInvalidConfig)
	}
	if c.FeeBps < 0 || c.FeeBps >= 10000 {
		return fmt.Errorf("%w: fee bps out of range [0, 10000)", ErrInvalidConfig)
	}
	if c.ExecutionNoiseMaxPct < 0 || c.ExecutionNoiseMaxPct >= 1 {
		return fmt.Errorf("%w: execution noise pct out of range [0, 1)", ErrInvalidConfig)
	}
	return nil
}

// FeeFactor returns the fee as a decimal fraction (bps / 10000).
func (c Config) FeeFactor() decimal.Decimal {
	return decimal.NewFromInt(c.FeeBps).Div(decimal.NewFromInt(10000))
}

// Model computes prices from the bonding curve. It is stateless apart
// from its noise source — project state is passed as arguments.
type Model struct {
	cfg Config
	uni func() float64 // uniform draw in [-1, 1]
}

// NewModel creates a price model with the default noise source.
func NewModel(cfg Config) *Model {
	return NewModelWithNoise(cfg, func() float64 { return rand.Float64()*2 - 1 })
}

// NewModelWithNoise creates a price model with an injected uniform
// [-1, 1] source, for deterministic tests.
func NewModelWithNoise(cfg Config, uni func() float64) *Model {
	return &Model{cfg: cfg, uni: uni}
}

// Config returns the model's knobs.
func (m *Model) Config() Config {
	return m.cfg
}

// Clamp rounds to cents and enforces the price floor. Every stored or
// displayed price passes through here.
func (m *Model) Clamp(x decimal.Decimal) decimal.Decimal {
	x = x.Round(PriceScale)
	if x.LessThan(m.cfg.MinPrice) {
		return m.cfg.MinPrice
	}
	return x
}

// BasePriceFromSeed derives a project's base price from its seed funding:
// base = clamp(defaultBase + seed × seedToPriceFactor).
func (m *Model) BasePriceFromSeed(seed decimal.Decimal) decimal.Decimal {
	return m.Clamp(m.cfg.DefaultBasePrice.Add(seed.Mul(m.cfg.SeedToPriceFactor)))
}

// ApplyNetSharesDelta walks the linear bonding curve by sharesDelta
// (positive for buys, negative for sells) and returns the new net-shares
// total and the clamped post-trade price. A buy always raises the raw
// price; a sell always lowers it.
func (m *Model) ApplyNetSharesDelta(currentPrice, netShares, sharesDelta decimal.Decimal) (newNetShares, newPrice decimal.Decimal) {
	newNetShares = netShares.Add(sharesDelta)
	raw := currentPrice.Add(sharesDelta.Mul(m.cfg.SensitivityPerShare))
	return newNetShares, m.Clamp(raw)
}

// ApplyExecutionNoise multiplies a deterministic curve price by
// 1 + u × maxPct, u uniform in [-1, 1], then re-clamps. Disabled when
// the noise bound is zero.
func (m *Model) ApplyExecutionNoise(price decimal.Decimal) decimal.Decimal {
	if m.cfg.ExecutionNoiseMaxPct == 0 {
		return price
	}
	factor := 1 + m.uni()*m.cfg.ExecutionNoiseMaxPct
	return m.Clamp(price.Mul(decimal.NewFromFloat(factor)))
}

// EquilibriumPrice is the price the mean-reversion component of drift
// pulls toward: clamp(base + netShares × sensitivity × equilibriumFactor).
func (m *Model) EquilibriumPrice(basePrice, netShares decimal.Decimal) decimal.Decimal {
	return m.Clamp(basePrice.Add(netShares.Mul(m.cfg.SensitivityPerShare).Mul(m.cfg.EquilibriumFactor)))
}
