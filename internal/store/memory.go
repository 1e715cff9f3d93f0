package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/btx/trading-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// offline development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]*model.Project
	accounts map[string]*model.Account
	holdings map[string]*model.Holding // key: userID + "/" + projectID
	trades   []model.Trade
	points   []model.PriceHistoryPoint
	subs     map[string]*model.Subscription
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[string]*model.Project),
		accounts: make(map[string]*model.Account),
		holdings: make(map[string]*model.Holding),
		subs:     make(map[string]*model.Subscription),
	}
}

func holdingKey(userID, projectID string) string {
	return userID + "/" + projectID
}

func (s *MemoryStore) UpsertProject(_ context.Context, p *model.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.projects[p.ProjectID] = &cp
	return nil
}

func (s *MemoryStore) GetProject(_ context.Context, projectID string) (*model.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListProjectsByEvent(_ context.Context, eventID string) ([]model.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var projects []model.Project
	for _, p := range s.projects {
		if p.EventID == eventID {
			projects = append(projects, *p)
		}
	}
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].CreatedAt.Before(projects[j].CreatedAt)
	})
	return projects, nil
}

func (s *MemoryStore) ApplyDrift(_ context.Context, projectID string, price decimal.Decimal, at time.Time, priceChanged bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	p.RandomDriftAt = at
	if priceChanged {
		p.CurrentPrice = price
		p.UpdatedAt = at
	}
	return nil
}

func (s *MemoryStore) EnsureAccount(_ context.Context, userID string, initialCash decimal.Decimal) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.accounts[userID]; ok {
		cp := *a
		return &cp, nil
	}
	a := &model.Account{
		UserID:         userID,
		CashBalance:    initialCash,
		InitialBalance: initialCash,
		CreatedAt:      time.Now().UTC(),
	}
	s.accounts[userID] = a
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetHolding(_ context.Context, userID, projectID string) (*model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.holdings[holdingKey(userID, projectID)]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) ListHoldingsByUser(_ context.Context, userID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var holdings []model.Holding
	for _, h := range s.holdings {
		if h.UserID == userID {
			holdings = append(holdings, *h)
		}
	}
	sort.Slice(holdings, func(i, j int) bool {
		return holdings[i].ProjectID < holdings[j].ProjectID
	})
	return holdings, nil
}

func (s *MemoryStore) ListTradesByProject(_ context.Context, projectID string, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		limit = DefaultTradeLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var trades []model.Trade
	for _, t := range s.trades {
		if t.ProjectID == projectID {
			trades = append(trades, t)
		}
	}
	// Trade IDs embed the execution timestamp: lexically descending is
	// newest first.
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].TradeID > trades[j].TradeID
	})
	if len(trades) > limit {
		trades = trades[:limit]
	}
	return trades, nil
}

func (s *MemoryStore) InsertPricePoint(_ context.Context, pt *model.PriceHistoryPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.points = append(s.points, *pt)
	return nil
}

func (s *MemoryStore) ListPricePoints(_ context.Context, projectID string, limit int, since time.Time) ([]model.PriceHistoryPoint, error) {
	if limit <= 0 {
		limit = DefaultPricePointLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var points []model.PriceHistoryPoint
	for _, pt := range s.points {
		if pt.ProjectID != projectID {
			continue
		}
		if !since.IsZero() && pt.Ts.Before(since) {
			continue
		}
		points = append(points, pt)
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Ts.Before(points[j].Ts)
	})
	if len(points) > limit {
		points = points[:limit]
	}
	return points, nil
}

func (s *MemoryStore) PutSubscription(_ context.Context, sub *model.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sub
	s.subs[sub.ConnectionID] = &cp
	return nil
}

func (s *MemoryStore) DeleteSubscription(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.subs, connectionID)
	return nil
}

func (s *MemoryStore) ListSubscriptionsByEvent(_ context.Context, eventID string) ([]model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var subs []model.Subscription
	for _, sub := range s.subs {
		if sub.EventID == eventID {
			subs = append(subs, *sub)
		}
	}
	return subs, nil
}

// AtomicCommit validates the whole batch first, then applies it under the
// write lock, so a rejected write leaves nothing applied.
func (s *MemoryStore) AtomicCommit(_ context.Context, writes []Write) error {
	if err := validateWrites(writes); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range writes {
		switch w := w.(type) {
		case PutProject:
			cp := *w.Project
			s.projects[cp.ProjectID] = &cp
		case PutAccount:
			cp := *w.Account
			s.accounts[cp.UserID] = &cp
		case InsertTrade:
			s.trades = append(s.trades, *w.Trade)
		case PutHolding:
			cp := *w.Holding
			s.holdings[holdingKey(cp.UserID, cp.ProjectID)] = &cp
		case DeleteHolding:
			delete(s.holdings, holdingKey(w.UserID, w.ProjectID))
		}
	}
	return nil
}
