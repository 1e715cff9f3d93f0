package drift

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/btx/trading-engine/internal/model"
	"github.com/btx/trading-engine/internal/pricing"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func quietConfig() pricing.Config {
	cfg := pricing.DefaultConfig()
	cfg.ExecutionNoiseMaxPct = 0
	cfg.DriftMaxPctPerTick = 0 // random walk off: pure mean reversion
	return cfg
}

func newSim(cfg pricing.Config, now time.Time, uni func() float64) *Simulator {
	m := pricing.NewModel(cfg)
	return NewWithSources(m, func() time.Time { return now }, uni)
}

func project(price, base float64, netShares float64, driftAt time.Time) *model.Project {
	return &model.Project{
		ProjectID:     "p1",
		EventID:       "ev1",
		BasePrice:     d(base),
		CurrentPrice:  d(price),
		NetShares:     d(netShares),
		RandomDriftAt: driftAt,
		CreatedAt:     driftAt,
		UpdatedAt:     driftAt,
	}
}

func TestApply_RateLimited(t *testing.T) {
	now := time.Now()
	sim := newSim(quietConfig(), now, func() float64 { return 0 })

	p := project(2.00, 1.00, 0, now.Add(-5*time.Second))
	out := sim.Apply(p)
	if out.Applied {
		t.Error("drift should be suppressed within the minimum interval")
	}
}

func TestApply_FallsBackToUpdatedAt(t *testing.T) {
	now := time.Now()
	sim := newSim(quietConfig(), now, func() float64 { return 0 })

	p := project(2.00, 1.00, 0, time.Time{})
	p.UpdatedAt = now.Add(-5 * time.Second)
	if out := sim.Apply(p); out.Applied {
		t.Error("fallback timestamp should also rate-limit")
	}
}

func TestApply_MeanRevertsTowardEquilibrium(t *testing.T) {
	now := time.Now()
	sim := newSim(quietConfig(), now, func() float64 { return 0 })

	// Equilibrium = base 1.00 (zero net shares); price starts high.
	p := project(2.00, 1.00, 0, now.Add(-30*time.Second))
	out := sim.Apply(p)

	if !out.Applied {
		t.Fatal("expected drift to apply after 30s")
	}
	if !out.PriceChanged {
		t.Fatal("expected the price to move")
	}
	if out.NewPrice.GreaterThanOrEqual(d(2.00)) {
		t.Errorf("price should revert downward, got %s", out.NewPrice)
	}
	if out.NewPrice.LessThan(d(1.00)) {
		t.Errorf("reversion overshot the equilibrium: %s", out.NewPrice)
	}
	// 30s × 0.01/s = 0.30 of the 1.00 gap.
	if !out.NewPrice.Equal(d(1.70)) {
		t.Errorf("expected 1.70 after 30s reversion, got %s", out.NewPrice)
	}
}

func TestApply_ReversionSaturatesAtFullGap(t *testing.T) {
	now := time.Now()
	sim := newSim(quietConfig(), now, func() float64 { return 0 })

	// Hours elapsed: pull saturates at min(1, rate × elapsed) = 1, so the
	// price lands exactly on the equilibrium instead of overshooting.
	p := project(5.00, 1.00, 0, now.Add(-2*time.Hour))
	out := sim.Apply(p)
	if !out.NewPrice.Equal(d(1.00)) {
		t.Errorf("expected full reversion to 1.00, got %s", out.NewPrice)
	}
}

func TestApply_AtEquilibriumOnlyTimestampMoves(t *testing.T) {
	now := time.Now()
	sim := newSim(quietConfig(), now, func() float64 { return 0 })

	p := project(1.00, 1.00, 0, now.Add(-30*time.Second))
	out := sim.Apply(p)
	if !out.Applied {
		t.Fatal("expected drift tick")
	}
	if out.PriceChanged {
		t.Errorf("price at equilibrium with no noise should not move, got %s", out.NewPrice)
	}
	if !out.At.Equal(now) {
		t.Error("outcome should carry the tick timestamp for persistence")
	}
}

func TestApply_RandomWalkScalesWithElapsed(t *testing.T) {
	cfg := quietConfig()
	cfg.MeanReversionRate = 0 // reversion off: pure random walk
	cfg.DriftMaxPctPerTick = 0.004
	now := time.Now()

	// u = 1 → deterministic upper-edge step: price × 0.004 × sqrt(elapsed).
	sim := newSim(cfg, now, func() float64 { return 1 })

	short := project(10.00, 1.00, 0, now.Add(-16*time.Second))
	long := project(10.00, 1.00, 0, now.Add(-64*time.Second))

	outShort := sim.Apply(short)
	outLong := sim.Apply(long)

	// sqrt(16)=4 → +0.16; sqrt(64)=8 → +0.32.
	if !outShort.NewPrice.Equal(d(10.16)) {
		t.Errorf("16s walk: got %s, want 10.16", outShort.NewPrice)
	}
	if !outLong.NewPrice.Equal(d(10.32)) {
		t.Errorf("64s walk: got %s, want 10.32", outLong.NewPrice)
	}
}

func TestApply_ClampsAtFloor(t *testing.T) {
	cfg := quietConfig()
	cfg.MeanReversionRate = 10 // aggressive pull
	now := time.Now()
	sim := newSim(cfg, now, func() float64 { return 0 })

	// Base far below the floor is impossible (base is clamped at create),
	// but a deep negative net-shares equilibrium still pulls down hard.
	p := project(0.05, 0.01, -500, now.Add(-time.Hour))
	out := sim.Apply(p)
	if out.NewPrice.LessThan(d(0.01)) {
		t.Errorf("drift broke the price floor: %s", out.NewPrice)
	}
}
