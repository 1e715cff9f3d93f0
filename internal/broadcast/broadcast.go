// Package broadcast persists price-history points and fans price updates
// out to the sockets subscribed to an event. Broadcasting is strictly
// best-effort: failures are logged, never surfaced to the trading caller.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/btx/trading-engine/internal/metrics"
	"github.com/btx/trading-engine/internal/model"
	"github.com/btx/trading-engine/internal/store"
)

// ErrConnectionGone marks a push failure meaning the remote connection
// no longer exists. The subscription is deleted in response; any other
// push error is logged only.
var ErrConnectionGone = errors.New("broadcast: connection gone")

// Pusher delivers a payload to one connection.
type Pusher interface {
	Push(ctx context.Context, connectionID string, payload []byte) error
}

// PriceUpdate is the payload pushed to every subscriber of an event when
// a project's price changes.
type PriceUpdate struct {
	Type         string          `json:"type"` // always "priceUpdate"
	EventID      string          `json:"eventId"`
	ProjectID    string          `json:"projectId"`
	Ticker       string          `json:"ticker"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	NetShares    decimal.Decimal `json:"netShares"`
	MarketCap    decimal.Decimal `json:"marketCap"`
	Source       string          `json:"source"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Broadcaster appends history points and pushes live updates.
type Broadcaster struct {
	store  store.Store
	pusher Pusher
}

// New creates a broadcaster. Pass nil for pusher to persist history
// without socket fan-out (offline mode).
func New(st store.Store, pusher Pusher) *Broadcaster {
	return &Broadcaster{store: st, pusher: pusher}
}

// PriceUpdate records a price-history point and pushes the update to all
// subscribers of the project's event concurrently. Never returns an
// error: history and push failures are observability concerns, not
// correctness ones.
func (b *Broadcaster) PriceUpdate(ctx context.Context, p *model.Project, source model.PriceSource) {
	now := time.Now().UTC()

	point := &model.PriceHistoryPoint{
		ProjectID: p.ProjectID,
		EventID:   p.EventID,
		Price:     p.CurrentPrice,
		Source:    source,
		Ts:        now,
	}
	if err := b.store.InsertPricePoint(ctx, point); err != nil {
		slog.Error("price history append failed",
			"project", p.ProjectID, "source", string(source), "err", err)
	}

	if b.pusher == nil {
		return
	}

	payload, err := json.Marshal(PriceUpdate{
		Type:         "priceUpdate",
		EventID:      p.EventID,
		ProjectID:    p.ProjectID,
		Ticker:       p.Ticker,
		CurrentPrice: p.CurrentPrice,
		NetShares:    p.NetShares,
		MarketCap:    p.MarketCap(),
		Source:       string(source),
		UpdatedAt:    p.UpdatedAt,
	})
	if err != nil {
		return
	}

	subs, err := b.store.ListSubscriptionsByEvent(ctx, p.EventID)
	if err != nil {
		slog.Error("list subscriptions failed", "event", p.EventID, "err", err)
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub model.Subscription) {
			defer wg.Done()
			b.push(ctx, sub, payload)
		}(sub)
	}
	wg.Wait()
}

// push delivers to one subscriber and garbage-collects the subscription
// when the connection turned out to be gone.
func (b *Broadcaster) push(ctx context.Context, sub model.Subscription, payload []byte) {
	err := b.pusher.Push(ctx, sub.ConnectionID, payload)
	switch {
	case err == nil:
		metrics.BroadcastPushes.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrConnectionGone):
		metrics.BroadcastPushes.WithLabelValues("gone").Inc()
		if delErr := b.store.DeleteSubscription(ctx, sub.ConnectionID); delErr != nil {
			slog.Warn("stale subscription cleanup failed",
				"connection", sub.ConnectionID, "err", delErr)
		}
	default:
		metrics.BroadcastPushes.WithLabelValues("error").Inc()
		slog.Warn("socket push failed", "connection", sub.ConnectionID, "err", err)
	}
}
