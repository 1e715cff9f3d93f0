// Package store defines the persistence interface for the BTX trading
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache for hot project reads), and in-memory (for tests).
//
// Trade and admin mutations flow through AtomicCommit, an all-or-nothing
// multi-entity write. Executor logic never branches on backend: the
// Postgres backend wraps the batch in a transaction, the in-memory
// backend validates then applies sequentially under its lock.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/btx/trading-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidWrite is returned by AtomicCommit when a write in the
	// batch would violate a data invariant (negative cash, non-positive
	// holding). The whole batch is rejected.
	ErrInvalidWrite = errors.New("store: invalid write")
)

// Default result limits applied by every backend when the caller passes
// a non-positive limit.
const (
	DefaultTradeLimit      = 50
	DefaultPricePointLimit = 200
)

// Write is one entity mutation inside an atomic batch.
type Write interface {
	isWrite()
}

// PutProject inserts or replaces a project.
type PutProject struct {
	Project *model.Project
}

// PutAccount replaces an account's balances.
type PutAccount struct {
	Account *model.Account
}

// InsertTrade appends an immutable trade record.
type InsertTrade struct {
	Trade *model.Trade
}

// PutHolding inserts or replaces a holding. Shares must be positive.
type PutHolding struct {
	Holding *model.Holding
}

// DeleteHolding removes a holding emptied by a sell.
type DeleteHolding struct {
	UserID    string
	ProjectID string
}

func (PutProject) isWrite()    {}
func (PutAccount) isWrite()    {}
func (InsertTrade) isWrite()   {}
func (PutHolding) isWrite()    {}
func (DeleteHolding) isWrite() {}

// Store is the persistence interface.
type Store interface {
	// --- Projects ---

	// UpsertProject inserts or replaces a project (admin path).
	UpsertProject(ctx context.Context, p *model.Project) error

	// GetProject retrieves a project by ID.
	GetProject(ctx context.Context, projectID string) (*model.Project, error)

	// ListProjectsByEvent returns all projects for an event.
	ListProjectsByEvent(ctx context.Context, eventID string) ([]model.Project, error)

	// ApplyDrift persists a drift tick. When priceChanged is false only
	// the drift timestamp is written (cheap write, no spurious update).
	ApplyDrift(ctx context.Context, projectID string, price decimal.Decimal, at time.Time, priceChanged bool) error

	// --- Accounts ---

	// EnsureAccount returns the account for userID, creating it with the
	// given starting cash if absent. Safe under concurrent first
	// touches: a create conflict falls back to re-reading, so exactly
	// one account results.
	EnsureAccount(ctx context.Context, userID string, initialCash decimal.Decimal) (*model.Account, error)

	// GetAccount retrieves an account by user ID.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// --- Holdings ---

	// GetHolding retrieves one holding. A missing holding is (nil, nil),
	// not an error — absence is an expected state.
	GetHolding(ctx context.Context, userID, projectID string) (*model.Holding, error)

	// ListHoldingsByUser returns all holdings for a user.
	ListHoldingsByUser(ctx context.Context, userID string) ([]model.Holding, error)

	// --- Trades ---

	// ListTradesByProject returns up to limit trades, newest first.
	ListTradesByProject(ctx context.Context, projectID string, limit int) ([]model.Trade, error)

	// --- Price history ---

	// InsertPricePoint appends one price-history sample.
	InsertPricePoint(ctx context.Context, pt *model.PriceHistoryPoint) error

	// ListPricePoints returns up to limit points at or after since,
	// oldest first. A zero since means no lower bound.
	ListPricePoints(ctx context.Context, projectID string, limit int, since time.Time) ([]model.PriceHistoryPoint, error)

	// --- Socket subscriptions ---

	PutSubscription(ctx context.Context, sub *model.Subscription) error
	DeleteSubscription(ctx context.Context, connectionID string) error
	ListSubscriptionsByEvent(ctx context.Context, eventID string) ([]model.Subscription, error)

	// --- Atomic multi-entity commit ---

	// AtomicCommit applies every write or none. A failure means nothing
	// was charged and the caller may safely retry.
	AtomicCommit(ctx context.Context, writes []Write) error
}

// validateWrites enforces data invariants shared by every backend before
// anything is applied.
func validateWrites(writes []Write) error {
	for _, w := range writes {
		switch w := w.(type) {
		case PutAccount:
			if w.Account.CashBalance.Sign() < 0 {
				return fmt.Errorf("%w: account %s cash would go negative", ErrInvalidWrite, w.Account.UserID)
			}
		case PutHolding:
			if w.Holding.Shares.Sign() <= 0 {
				return fmt.Errorf("%w: holding %s/%s shares must be positive",
					ErrInvalidWrite, w.Holding.UserID, w.Holding.ProjectID)
			}
		}
	}
	return nil
}
