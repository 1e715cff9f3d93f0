// Package model defines the core domain types shared across the BTX
// trading engine. All monetary values use shopspring/decimal — never
// float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// PriceSource tags the origin of a price mutation on the history trail
// and in broadcast payloads.
type PriceSource string

const (
	SourceTrade         PriceSource = "TRADE"
	SourceDrift         PriceSource = "DRIFT"
	SourceSeedUpdate    PriceSource = "SEED_UPDATE"
	SourcePhaseBump     PriceSource = "PHASE_BUMP"
	SourceProjectCreate PriceSource = "PROJECT_CREATE"
)

// Project is one tradable listing in an event's virtual market.
// BasePrice is the seed-derived floor the drift equilibrium builds on;
// CurrentPrice is the displayed/tradable price and never falls below the
// configured minimum.
type Project struct {
	ProjectID       string          `json:"project_id" db:"project_id"`
	EventID         string          `json:"event_id" db:"event_id"`
	Ticker          string          `json:"ticker" db:"ticker"`
	Name            string          `json:"name" db:"name"`
	Description     string          `json:"description" db:"description"`
	BasePrice       decimal.Decimal `json:"base_price" db:"base_price"`
	CurrentPrice    decimal.Decimal `json:"current_price" db:"current_price"`
	NetShares       decimal.Decimal `json:"net_shares" db:"net_shares"` // total bought - total sold
	TotalBuyShares  decimal.Decimal `json:"total_buy_shares" db:"total_buy_shares"`
	TotalSellShares decimal.Decimal `json:"total_sell_shares" db:"total_sell_shares"`
	TotalTrades     int64           `json:"total_trades" db:"total_trades"`
	TotalVolume     decimal.Decimal `json:"total_volume" db:"total_volume"`
	SeedAmount      decimal.Decimal `json:"seed_amount" db:"seed_amount"`
	IsActive        bool            `json:"is_active" db:"is_active"`
	RandomDriftAt   time.Time       `json:"random_drift_at" db:"random_drift_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// MarketCap is the display capitalization: price × max(|netShares|, 1).
// The floor of 1 avoids a zero-valued cap at launch.
func (p *Project) MarketCap() decimal.Decimal {
	shares := p.NetShares.Abs()
	one := decimal.NewFromInt(1)
	if shares.LessThan(one) {
		shares = one
	}
	return p.CurrentPrice.Mul(shares)
}

// Account holds a participant's virtual cash. Created lazily on first
// interaction; CashBalance never goes negative after a committed trade.
type Account struct {
	UserID         string          `json:"user_id" db:"user_id"`
	CashBalance    decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	InitialBalance decimal.Decimal `json:"initial_balance" db:"initial_balance"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Holding is a user's position in one project. It exists only while
// Shares > 0; a sell that empties it deletes the record. AvgPrice is the
// weighted-average execution price of the buys that built the position
// and is not recomputed on partial sells.
type Holding struct {
	UserID    string          `json:"user_id" db:"user_id"`
	ProjectID string          `json:"project_id" db:"project_id"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	AvgPrice  decimal.Decimal `json:"avg_price" db:"avg_price"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Trade is an immutable record of one executed order.
// TradeID embeds the execution timestamp so lexical order matches
// recency: "{unixMilli}-{random suffix}".
type Trade struct {
	TradeID   string          `json:"trade_id" db:"trade_id"`
	ProjectID string          `json:"project_id" db:"project_id"`
	UserID    string          `json:"user_id" db:"user_id"`
	EventID   string          `json:"event_id" db:"event_id"`
	Side      string          `json:"side" db:"side"` // BUY or SELL
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	Price     decimal.Decimal `json:"price" db:"price"`           // executed (midpoint) price
	CashDelta decimal.Decimal `json:"cash_delta" db:"cash_delta"` // signed: negative for buys
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// PriceHistoryPoint is one append-only sample on a project's price trail.
type PriceHistoryPoint struct {
	ProjectID string          `json:"project_id" db:"project_id"`
	EventID   string          `json:"event_id" db:"event_id"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Source    PriceSource     `json:"source" db:"source"`
	Ts        time.Time       `json:"ts" db:"ts"`
}

// Subscription is a live socket subscribed to an event's price feed.
// Deleted on disconnect or when a push reveals the connection is gone.
type Subscription struct {
	ConnectionID string    `json:"connection_id" db:"connection_id"`
	EventID      string    `json:"event_id" db:"event_id"`
	UserID       string    `json:"user_id" db:"user_id"`
	ConnectedAt  time.Time `json:"connected_at" db:"connected_at"`
}

// HoldingValuation is one holding marked to the current project price.
type HoldingValuation struct {
	ProjectID   string          `json:"project_id"`
	Ticker      string          `json:"ticker"`
	Name        string          `json:"name"`
	Shares      decimal.Decimal `json:"shares"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	Price       decimal.Decimal `json:"price"`
	MarketValue decimal.Decimal `json:"market_value"`
	PnL         decimal.Decimal `json:"pnl"`
}

// Portfolio aggregates a user's cash and marked-to-market holdings.
type Portfolio struct {
	Account             *Account           `json:"account"`
	Holdings            []HoldingValuation `json:"holdings"`
	TotalEquityValue    decimal.Decimal    `json:"total_equity_value"`
	TotalPortfolioValue decimal.Decimal    `json:"total_portfolio_value"` // equity + cash
}
