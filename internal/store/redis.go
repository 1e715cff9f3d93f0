package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/btx/trading-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis
// read-through cache for the hot project reads (snapshot polling hits
// them hardest). Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

func projectKey(id string) string { return fmt.Sprintf("btx:project:%s", id) }

func eventListKey(eventID string) string { return fmt.Sprintf("btx:event:%s:projects", eventID) }

// --- Read-through ---

func (s *CachedStore) GetProject(ctx context.Context, projectID string) (*model.Project, error) {
	data, err := s.rdb.Get(ctx, projectKey(projectID)).Bytes()
	if err == nil {
		var p model.Project
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	s.cacheProject(ctx, p)
	return p, nil
}

func (s *CachedStore) ListProjectsByEvent(ctx context.Context, eventID string) ([]model.Project, error) {
	data, err := s.rdb.Get(ctx, eventListKey(eventID)).Bytes()
	if err == nil {
		var projects []model.Project
		if json.Unmarshal(data, &projects) == nil {
			return projects, nil
		}
	}

	projects, err := s.primary.ListProjectsByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(projects); err == nil {
		s.rdb.Set(ctx, eventListKey(eventID), data, s.ttl)
	}
	return projects, nil
}

// --- Writes (write to primary, invalidate) ---

func (s *CachedStore) UpsertProject(ctx context.Context, p *model.Project) error {
	if err := s.primary.UpsertProject(ctx, p); err != nil {
		return err
	}
	s.invalidateProject(ctx, p.ProjectID, p.EventID)
	return nil
}

func (s *CachedStore) ApplyDrift(ctx context.Context, projectID string, price decimal.Decimal, at time.Time, priceChanged bool) error {
	if err := s.primary.ApplyDrift(ctx, projectID, price, at, priceChanged); err != nil {
		return err
	}
	// Event list key is unknown here; drop the project entry and let the
	// list expire by TTL.
	s.rdb.Del(ctx, projectKey(projectID))
	return nil
}

func (s *CachedStore) AtomicCommit(ctx context.Context, writes []Write) error {
	if err := s.primary.AtomicCommit(ctx, writes); err != nil {
		return err
	}
	for _, w := range writes {
		if pp, ok := w.(PutProject); ok {
			s.invalidateProject(ctx, pp.Project.ProjectID, pp.Project.EventID)
		}
	}
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) EnsureAccount(ctx context.Context, userID string, initialCash decimal.Decimal) (*model.Account, error) {
	return s.primary.EnsureAccount(ctx, userID, initialCash)
}

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, userID)
}

func (s *CachedStore) GetHolding(ctx context.Context, userID, projectID string) (*model.Holding, error) {
	return s.primary.GetHolding(ctx, userID, projectID)
}

func (s *CachedStore) ListHoldingsByUser(ctx context.Context, userID string) ([]model.Holding, error) {
	return s.primary.ListHoldingsByUser(ctx, userID)
}

func (s *CachedStore) ListTradesByProject(ctx context.Context, projectID string, limit int) ([]model.Trade, error) {
	return s.primary.ListTradesByProject(ctx, projectID, limit)
}

func (s *CachedStore) InsertPricePoint(ctx context.Context, pt *model.PriceHistoryPoint) error {
	return s.primary.InsertPricePoint(ctx, pt)
}

func (s *CachedStore) ListPricePoints(ctx context.Context, projectID string, limit int, since time.Time) ([]model.PriceHistoryPoint, error) {
	return s.primary.ListPricePoints(ctx, projectID, limit, since)
}

func (s *CachedStore) PutSubscription(ctx context.Context, sub *model.Subscription) error {
	return s.primary.PutSubscription(ctx, sub)
}

func (s *CachedStore) DeleteSubscription(ctx context.Context, connectionID string) error {
	return s.primary.DeleteSubscription(ctx, connectionID)
}

func (s *CachedStore) ListSubscriptionsByEvent(ctx context.Context, eventID string) ([]model.Subscription, error) {
	return s.primary.ListSubscriptionsByEvent(ctx, eventID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheProject(ctx context.Context, p *model.Project) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, projectKey(p.ProjectID), data, s.ttl)
	}
}

func (s *CachedStore) invalidateProject(ctx context.Context, projectID, eventID string) {
	s.rdb.Del(ctx, projectKey(projectID), eventListKey(eventID))
}
