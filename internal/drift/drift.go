// Package drift applies time-based price movement to projects between
// trades: a mean-reversion pull toward the curve's equilibrium price plus
// a bounded random walk whose variance scales with elapsed time, so
// infrequently polled projects don't drift less in total.
package drift

import (
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/btx/trading-engine/internal/model"
	"github.com/btx/trading-engine/internal/pricing"
)

// Outcome reports what a drift pass decided for one project.
type Outcome struct {
	// Applied is false when the rate limit suppressed the tick; nothing
	// should be persisted.
	Applied bool

	// PriceChanged is false when clamping left the price where it was;
	// only the drift timestamp needs persisting, and no broadcast is due.
	PriceChanged bool

	NewPrice decimal.Decimal
	At       time.Time
}

// Simulator advances displayed prices between trades. It mutates nothing
// itself — callers persist the outcome and broadcast on price changes.
type Simulator struct {
	model *pricing.Model
	now   func() time.Time
	uni   func() float64 // uniform draw in [-1, 1]
}

// New creates a simulator with wall-clock time and the default noise
// source.
func New(m *pricing.Model) *Simulator {
	return NewWithSources(m, time.Now, func() float64 { return rand.Float64()*2 - 1 })
}

// NewWithSources creates a simulator with injected time and noise
// sources, for deterministic tests.
func NewWithSources(m *pricing.Model, now func() time.Time, uni func() float64) *Simulator {
	return &Simulator{model: m, now: now, uni: uni}
}

// Apply computes one drift tick for a project. Rate-limited: if less than
// the configured minimum interval elapsed since the last drift (falling
// back to updatedAt, then createdAt), it no-ops.
func (s *Simulator) Apply(p *model.Project) Outcome {
	cfg := s.model.Config()
	now := s.now()

	last := p.RandomDriftAt
	if last.IsZero() {
		last = p.UpdatedAt
	}
	if last.IsZero() {
		last = p.CreatedAt
	}

	elapsed := now.Sub(last)
	if elapsed < cfg.DriftMinInterval {
		return Outcome{Applied: false}
	}
	elapsedSec := elapsed.Seconds()

	equilibrium := s.model.EquilibriumPrice(p.BasePrice, p.NetShares)

	// Mean reversion: pull a fraction of the gap, saturating at the full
	// gap for long elapsed intervals.
	current := p.CurrentPrice.InexactFloat64()
	pull := math.Min(1, cfg.MeanReversionRate*elapsedSec)
	move := -(current - equilibrium.InexactFloat64()) * pull

	// Discretized random walk: step magnitude scales with sqrt(elapsed).
	noise := current * s.uni() * cfg.DriftMaxPctPerTick * math.Sqrt(elapsedSec)

	newPrice := s.model.Clamp(p.CurrentPrice.Add(decimal.NewFromFloat(move + noise)))

	return Outcome{
		Applied:      true,
		PriceChanged: !newPrice.Equal(p.CurrentPrice),
		NewPrice:     newPrice,
		At:           now,
	}
}
