// Package market provides the business logic and HTTP handlers of the
// BTX virtual trading engine: order execution against the bonding curve,
// portfolio valuation, drift-advanced market snapshots, and organizer
// admin operations.
//
// All monetary values use shopspring/decimal — never float64 for money.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/btx/trading-engine/internal/drift"
	"github.com/btx/trading-engine/internal/metrics"
	"github.com/btx/trading-engine/internal/model"
	"github.com/btx/trading-engine/internal/pricing"
	"github.com/btx/trading-engine/internal/store"
)

// Notifier receives price-change notifications. Implemented by
// broadcast.Broadcaster; a nil Notifier disables fan-out (offline mode).
type Notifier interface {
	PriceUpdate(ctx context.Context, p *model.Project, source model.PriceSource)
}

// TeamRegistry resolves a project's display name from the external team
// registration system when an admin creates a project without one.
type TeamRegistry interface {
	TeamName(ctx context.Context, projectID string) (string, error)
}

// Service executes trades against the bonding curve and serves market
// reads. Uses a mutex for serialized trade and admin mutations
// (single-instance): every write derives from a read of current state,
// and an unserialized interleaving would let one commit overwrite
// another's cash and share mutations. For horizontal scaling, replace
// with distributed locking or database-level optimistic concurrency.
type Service struct {
	store    store.Store
	model    *pricing.Model
	drift    *drift.Simulator
	notifier Notifier
	registry TeamRegistry
	now      func() time.Time
	mu       sync.Mutex
}

// NewService creates a market service. notifier and registry may be nil.
func NewService(st store.Store, m *pricing.Model, sim *drift.Simulator, notifier Notifier, registry TeamRegistry) *Service {
	return &Service{
		store:    st,
		model:    m,
		drift:    sim,
		notifier: notifier,
		registry: registry,
		now:      time.Now,
	}
}

// TradeResult bundles everything a trade response needs.
type TradeResult struct {
	Trade   *model.Trade   `json:"trade"`
	Project *model.Project `json:"project"`
	Account *model.Account `json:"account"`
}

// newTradeID builds a trade ID whose lexical order matches execution
// recency: a zero-padded millisecond timestamp plus a random suffix for
// uniqueness under concurrent trades in the same millisecond.
func newTradeID(at time.Time) string {
	return fmt.Sprintf("%013d-%s", at.UnixMilli(), uuid.NewString()[:8])
}

// ExecuteTrade validates and executes one BUY or SELL order: walks the
// bonding curve, applies execution noise and the transaction fee, and
// commits project, account, trade, and holding mutations as a single
// atomic unit. On success the price update is broadcast asynchronously.
func (s *Service) ExecuteTrade(ctx context.Context, userID, projectID, side string, shares decimal.Decimal) (*TradeResult, error) {
	start := s.now()

	if userID == "" || projectID == "" {
		return nil, fmt.Errorf("%w: user and project are required", ErrInvalidInput)
	}
	if side != model.SideBuy && side != model.SideSell {
		return nil, fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidInput)
	}
	if shares.Sign() <= 0 || !shares.IsInteger() {
		metrics.TradeRejections.WithLabelValues("invalid_shares").Inc()
		return nil, fmt.Errorf("%w: shares must be a positive whole number", ErrInvalidInput)
	}

	// Serialize trade execution: the writes below are computed from the
	// state read here, so the read-to-commit window must not interleave.
	s.mu.Lock()
	defer s.mu.Unlock()

	project, account, holding, err := s.loadTradeState(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	if !project.IsActive {
		metrics.TradeRejections.WithLabelValues("inactive").Inc()
		return nil, fmt.Errorf("%w: %s", ErrInactiveProject, projectID)
	}

	sharesDelta := shares
	if side == model.SideSell {
		sharesDelta = shares.Neg()
	}

	// Midpoint execution: the curve moves in one discrete step, so the
	// trade clears halfway between pre- and post-trade price, with a
	// noise draw on the end price modeling slippage. The noise shades
	// only the execution price; the stored price stays on the curve, so
	// a buy never lowers it and a sell never raises it.
	startPrice := project.CurrentPrice
	newNetShares, deterministicEnd := s.model.ApplyNetSharesDelta(startPrice, project.NetShares, sharesDelta)
	noisyEnd := s.model.ApplyExecutionNoise(deterministicEnd)
	executionPrice := startPrice.Add(noisyEnd).Div(decimal.NewFromInt(2)).Round(pricing.PriceScale)

	feeFactor := s.model.Config().FeeFactor()
	one := decimal.NewFromInt(1)

	var cashDelta decimal.Decimal
	heldShares := decimal.Zero
	if holding != nil {
		heldShares = holding.Shares
	}

	if side == model.SideBuy {
		cost := executionPrice.Mul(shares).Mul(one.Add(feeFactor)).Round(pricing.PriceScale)
		if account.CashBalance.LessThan(cost) {
			metrics.TradeRejections.WithLabelValues("insufficient_funds").Inc()
			return nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, cost, account.CashBalance)
		}
		cashDelta = cost.Neg()
	} else {
		if shares.GreaterThan(heldShares) {
			metrics.TradeRejections.WithLabelValues("insufficient_shares").Inc()
			return nil, fmt.Errorf("%w: requested %s, held %s", ErrInsufficientShares, shares, heldShares)
		}
		revenue := executionPrice.Mul(shares).Mul(one.Sub(feeFactor)).Round(pricing.PriceScale)
		cashDelta = revenue
	}

	now := s.now().UTC()

	// Mutated copies; nothing is visible until the atomic commit lands.
	updated := *project
	updated.CurrentPrice = deterministicEnd
	updated.NetShares = newNetShares
	updated.TotalTrades++
	updated.TotalVolume = project.TotalVolume.Add(shares)
	updated.UpdatedAt = now
	if side == model.SideBuy {
		updated.TotalBuyShares = project.TotalBuyShares.Add(shares)
	} else {
		updated.TotalSellShares = project.TotalSellShares.Add(shares)
	}

	newAccount := *account
	newAccount.CashBalance = account.CashBalance.Add(cashDelta)

	trade := &model.Trade{
		TradeID:   newTradeID(now),
		ProjectID: projectID,
		UserID:    userID,
		EventID:   project.EventID,
		Side:      side,
		Shares:    shares,
		Price:     executionPrice,
		CashDelta: cashDelta,
		CreatedAt: now,
	}

	writes := []store.Write{
		store.PutProject{Project: &updated},
		store.PutAccount{Account: &newAccount},
		store.InsertTrade{Trade: trade},
		s.holdingWrite(side, userID, projectID, holding, shares, executionPrice, now),
	}

	if err := s.store.AtomicCommit(ctx, writes); err != nil {
		return nil, fmt.Errorf("commit trade: %w", err)
	}

	metrics.TradesTotal.WithLabelValues(side).Inc()
	metrics.TradeLatency.WithLabelValues(side).Observe(s.now().Sub(start).Seconds())

	slog.Info("trade executed",
		"trade_id", trade.TradeID,
		"user", userID,
		"project", projectID,
		"side", side,
		"shares", shares.String(),
		"price", executionPrice.String(),
		"cash_delta", cashDelta.String(),
		"new_price", updated.CurrentPrice.String(),
	)

	// Fire-and-forget: the response never waits on the broadcast, and
	// broadcast failures never reach the trading caller.
	if s.notifier != nil {
		project := updated
		go s.notifier.PriceUpdate(context.WithoutCancel(ctx), &project, model.SourceTrade)
	}

	return &TradeResult{Trade: trade, Project: &updated, Account: &newAccount}, nil
}

// loadTradeState fetches project, account (lazily created), and holding
// concurrently.
func (s *Service) loadTradeState(ctx context.Context, userID, projectID string) (*model.Project, *model.Account, *model.Holding, error) {
	var (
		wg      sync.WaitGroup
		project *model.Project
		account *model.Account
		holding *model.Holding
		errs    [3]error
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		project, errs[0] = s.store.GetProject(ctx, projectID)
	}()
	go func() {
		defer wg.Done()
		account, errs[1] = s.store.EnsureAccount(ctx, userID, s.model.Config().InitialCashBalance)
	}()
	go func() {
		defer wg.Done()
		holding, errs[2] = s.store.GetHolding(ctx, userID, projectID)
	}()
	wg.Wait()

	if errs[0] != nil {
		if errors.Is(errs[0], store.ErrNotFound) {
			metrics.TradeRejections.WithLabelValues("not_found").Inc()
			return nil, nil, nil, fmt.Errorf("%w: %s", ErrNotFound, projectID)
		}
		return nil, nil, nil, errs[0]
	}
	if errs[1] != nil {
		return nil, nil, nil, fmt.Errorf("ensure account: %w", errs[1])
	}
	if errs[2] != nil {
		return nil, nil, nil, fmt.Errorf("load holding: %w", errs[2])
	}
	return project, account, holding, nil
}

// holdingWrite builds the holding mutation for a trade. A buy recomputes
// the weighted-average execution price; a sell keeps the average and
// deletes the record when the position empties.
func (s *Service) holdingWrite(side, userID, projectID string, holding *model.Holding, shares, executionPrice decimal.Decimal, now time.Time) store.Write {
	if side == model.SideBuy {
		held := decimal.Zero
		avg := decimal.Zero
		if holding != nil {
			held = holding.Shares
			avg = holding.AvgPrice
		}
		newShares := held.Add(shares)
		newAvg := held.Mul(avg).Add(shares.Mul(executionPrice)).Div(newShares).Round(pricing.PriceScale)
		return store.PutHolding{Holding: &model.Holding{
			UserID:    userID,
			ProjectID: projectID,
			Shares:    newShares,
			AvgPrice:  newAvg,
			UpdatedAt: now,
		}}
	}

	remaining := holding.Shares.Sub(shares)
	if remaining.Sign() == 0 {
		return store.DeleteHolding{UserID: userID, ProjectID: projectID}
	}
	return store.PutHolding{Holding: &model.Holding{
		UserID:    userID,
		ProjectID: projectID,
		Shares:    remaining,
		AvgPrice:  holding.AvgPrice, // cost basis unchanged by partial sells
		UpdatedAt: now,
	}}
}

// Portfolio values a user's holdings at current prices. Pure read,
// idempotent. When eventID is non-empty, holdings in other events are
// skipped.
func (s *Service) Portfolio(ctx context.Context, userID, eventID string) (*model.Portfolio, error) {
	account, err := s.store.EnsureAccount(ctx, userID, s.model.Config().InitialCashBalance)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}

	holdings, err := s.store.ListHoldingsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}

	valuations := []model.HoldingValuation{}
	totalEquity := decimal.Zero
	for _, h := range holdings {
		project, err := s.store.GetProject(ctx, h.ProjectID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue // project delisted out from under the holding
			}
			return nil, err
		}
		if eventID != "" && project.EventID != eventID {
			continue
		}

		marketValue := project.CurrentPrice.Mul(h.Shares).Round(pricing.PriceScale)
		pnl := marketValue.Sub(h.Shares.Mul(h.AvgPrice)).Round(pricing.PriceScale)
		totalEquity = totalEquity.Add(marketValue)

		valuations = append(valuations, model.HoldingValuation{
			ProjectID:   h.ProjectID,
			Ticker:      project.Ticker,
			Name:        project.Name,
			Shares:      h.Shares,
			AvgPrice:    h.AvgPrice,
			Price:       project.CurrentPrice,
			MarketValue: marketValue,
			PnL:         pnl,
		})
	}

	return &model.Portfolio{
		Account:             account,
		Holdings:            valuations,
		TotalEquityValue:    totalEquity,
		TotalPortfolioValue: totalEquity.Add(account.CashBalance),
	}, nil
}

// ListProjects returns an event's projects without advancing drift.
func (s *Service) ListProjects(ctx context.Context, eventID string) ([]model.Project, error) {
	if eventID == "" {
		return nil, fmt.Errorf("%w: eventId is required", ErrInvalidInput)
	}
	projects, err := s.store.ListProjectsByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if projects == nil {
		projects = []model.Project{}
	}
	return projects, nil
}

// Snapshot advances simulated drift on every project of the event, then
// returns them sorted by market cap, highest first. Drift persistence is
// best-effort per project: a failed write logs and shows the stale price.
func (s *Service) Snapshot(ctx context.Context, eventID string) ([]model.Project, error) {
	projects, err := s.ListProjects(ctx, eventID)
	if err != nil {
		return nil, err
	}

	for i := range projects {
		p := &projects[i]
		out := s.drift.Apply(p)
		if !out.Applied {
			continue
		}
		if err := s.store.ApplyDrift(ctx, p.ProjectID, out.NewPrice, out.At, out.PriceChanged); err != nil {
			slog.Warn("drift persist failed", "project", p.ProjectID, "err", err)
			continue
		}
		p.RandomDriftAt = out.At
		if out.PriceChanged {
			p.CurrentPrice = out.NewPrice
			p.UpdatedAt = out.At
			metrics.DriftTicks.WithLabelValues("true").Inc()
			if s.notifier != nil {
				project := *p
				go s.notifier.PriceUpdate(context.WithoutCancel(ctx), &project, model.SourceDrift)
			}
		} else {
			metrics.DriftTicks.WithLabelValues("false").Inc()
		}
	}

	sort.SliceStable(projects, func(i, j int) bool {
		return projects[i].MarketCap().GreaterThan(projects[j].MarketCap())
	})
	return projects, nil
}

// Trades returns the recent trade tape for a project, newest first.
func (s *Service) Trades(ctx context.Context, projectID string, limit int) ([]model.Trade, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: projectId is required", ErrInvalidInput)
	}
	trades, err := s.store.ListTradesByProject(ctx, projectID, limit)
	if err != nil {
		return nil, err
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	return trades, nil
}

// PriceHistory returns chronological price points for a project.
func (s *Service) PriceHistory(ctx context.Context, projectID string, limit int, since time.Time) ([]model.PriceHistoryPoint, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: projectId is required", ErrInvalidInput)
	}
	points, err := s.store.ListPricePoints(ctx, projectID, limit, since)
	if err != nil {
		return nil, err
	}
	if points == nil {
		points = []model.PriceHistoryPoint{}
	}
	return points, nil
}
