package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/btx/trading-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedProject(t *testing.T, s *MemoryStore, projectID, eventID string, price float64) *model.Project {
	t.Helper()
	now := time.Now().UTC()
	p := &model.Project{
		ProjectID:    projectID,
		EventID:      eventID,
		Ticker:       "TST",
		Name:         "Test Project",
		BasePrice:    d(1.00),
		CurrentPrice: d(price),
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.UpsertProject(context.Background(), p); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return p
}

func TestGetProject_NotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetProject(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetHolding_AbsentIsNilNil(t *testing.T) {
	s := NewMemoryStore()
	h, err := s.GetHolding(context.Background(), "u1", "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h != nil {
		t.Errorf("expected nil holding, got %+v", h)
	}
}

func TestEnsureAccount_ConcurrentFirstTouch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	accounts := make([]*model.Account, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := s.EnsureAccount(ctx, "racer", d(10000))
			if err != nil {
				t.Errorf("ensure account: %v", err)
				return
			}
			accounts[i] = a
		}(i)
	}
	wg.Wait()

	// All callers converge on one account with a single initialization.
	for i, a := range accounts {
		if a == nil {
			continue
		}
		if !a.CashBalance.Equal(d(10000)) {
			t.Errorf("worker %d saw cash %s, want 10000", i, a.CashBalance)
		}
	}
	final, err := s.GetAccount(ctx, "racer")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !final.CashBalance.Equal(d(10000)) {
		t.Errorf("final cash = %s, want 10000 (no double init)", final.CashBalance)
	}
}

func TestEnsureAccount_SecondTouchKeepsBalance(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a, _ := s.EnsureAccount(ctx, "u1", d(10000))
	a.CashBalance = d(5000)
	if err := s.AtomicCommit(ctx, []Write{PutAccount{Account: a}}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	again, err := s.EnsureAccount(ctx, "u1", d(10000))
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	if !again.CashBalance.Equal(d(5000)) {
		t.Errorf("re-ensure reset the balance: %s", again.CashBalance)
	}
}

func TestAtomicCommit_AppliesAllWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := seedProject(t, s, "p1", "ev1", 1.00)
	account, _ := s.EnsureAccount(ctx, "u1", d(10000))

	p.CurrentPrice = d(3.00)
	account.CashBalance = d(9796)
	now := time.Now().UTC()

	err := s.AtomicCommit(ctx, []Write{
		PutProject{Project: p},
		PutAccount{Account: account},
		InsertTrade{Trade: &model.Trade{
			TradeID: "0000000000001-aaaa", ProjectID: "p1", UserID: "u1",
			EventID: "ev1", Side: model.SideBuy,
			Shares: d(100), Price: d(2.00), CashDelta: d(-204), CreatedAt: now,
		}},
		PutHolding{Holding: &model.Holding{
			UserID: "u1", ProjectID: "p1", Shares: d(100), AvgPrice: d(2.00), UpdatedAt: now,
		}},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, _ := s.GetProject(ctx, "p1")
	if !got.CurrentPrice.Equal(d(3.00)) {
		t.Errorf("project price = %s, want 3", got.CurrentPrice)
	}
	h, _ := s.GetHolding(ctx, "u1", "p1")
	if h == nil || !h.Shares.Equal(d(100)) {
		t.Errorf("holding not applied: %+v", h)
	}
	trades, _ := s.ListTradesByProject(ctx, "p1", 10)
	if len(trades) != 1 {
		t.Errorf("expected 1 trade, got %d", len(trades))
	}
}

func TestAtomicCommit_RejectsBatchOnInvalidWrite(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := seedProject(t, s, "p1", "ev1", 1.00)
	account, _ := s.EnsureAccount(ctx, "u1", d(100))

	p.CurrentPrice = d(3.00)
	account.CashBalance = d(-104) // would go negative

	err := s.AtomicCommit(ctx, []Write{
		PutProject{Project: p},
		PutAccount{Account: account},
	})
	if !errors.Is(err, ErrInvalidWrite) {
		t.Fatalf("expected ErrInvalidWrite, got %v", err)
	}

	// Nothing from the batch may be visible.
	got, _ := s.GetProject(ctx, "p1")
	if !got.CurrentPrice.Equal(d(1.00)) {
		t.Errorf("rejected batch leaked a project write: %s", got.CurrentPrice)
	}
	a, _ := s.GetAccount(ctx, "u1")
	if !a.CashBalance.Equal(d(100)) {
		t.Errorf("rejected batch leaked an account write: %s", a.CashBalance)
	}
}

func TestAtomicCommit_RejectsNonPositiveHolding(t *testing.T) {
	s := NewMemoryStore()
	err := s.AtomicCommit(context.Background(), []Write{
		PutHolding{Holding: &model.Holding{UserID: "u1", ProjectID: "p1", Shares: decimal.Zero}},
	})
	if !errors.Is(err, ErrInvalidWrite) {
		t.Errorf("expected ErrInvalidWrite for zero-share holding, got %v", err)
	}
}

func TestListTradesByProject_NewestFirstWithLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i, id := range []string{"0000000000001-a", "0000000000003-c", "0000000000002-b"} {
		err := s.AtomicCommit(ctx, []Write{InsertTrade{Trade: &model.Trade{
			TradeID: id, ProjectID: "p1", UserID: "u1", Side: model.SideBuy,
			Shares: d(float64(i + 1)), Price: d(1), CashDelta: d(-1),
		}}})
		if err != nil {
			t.Fatalf("insert trade: %v", err)
		}
	}

	trades, err := s.ListTradesByProject(ctx, "p1", 2)
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if trades[0].TradeID != "0000000000003-c" || trades[1].TradeID != "0000000000002-b" {
		t.Errorf("wrong tape order: %s, %s", trades[0].TradeID, trades[1].TradeID)
	}
}

func TestList_DefaultLimits(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < DefaultTradeLimit+5; i++ {
		err := s.AtomicCommit(ctx, []Write{InsertTrade{Trade: &model.Trade{
			TradeID: fmt.Sprintf("%013d-%04d", i, i), ProjectID: "p1", UserID: "u1",
			Side: model.SideBuy, Shares: d(1), Price: d(1), CashDelta: d(-1),
		}}})
		if err != nil {
			t.Fatalf("insert trade %d: %v", i, err)
		}
	}
	for i := 0; i < DefaultPricePointLimit+5; i++ {
		pt := &model.PriceHistoryPoint{
			ProjectID: "p1", EventID: "ev1", Price: d(1), Source: model.SourceTrade,
			Ts: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.InsertPricePoint(ctx, pt); err != nil {
			t.Fatalf("insert point %d: %v", i, err)
		}
	}

	trades, err := s.ListTradesByProject(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != DefaultTradeLimit {
		t.Errorf("unlimited trade query returned %d, want default %d", len(trades), DefaultTradeLimit)
	}

	points, err := s.ListPricePoints(ctx, "p1", 0, time.Time{})
	if err != nil {
		t.Fatalf("list points: %v", err)
	}
	if len(points) != DefaultPricePointLimit {
		t.Errorf("unlimited point query returned %d, want default %d", len(points), DefaultPricePointLimit)
	}
}

func TestListPricePoints_SinceFilter(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		pt := &model.PriceHistoryPoint{
			ProjectID: "p1", EventID: "ev1",
			Price: d(1.00 + float64(i)), Source: model.SourceTrade,
			Ts: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.InsertPricePoint(ctx, pt); err != nil {
			t.Fatalf("insert point: %v", err)
		}
	}

	points, err := s.ListPricePoints(ctx, "p1", 0, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("list points: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("expected 3 points at or after since, got %d", len(points))
	}
	if !points[0].Ts.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("points not chronological from since: first at %s", points[0].Ts)
	}
}

func TestApplyDrift_TimestampOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedProject(t, s, "p1", "ev1", 2.00)
	at := time.Now().UTC().Add(time.Minute)

	if err := s.ApplyDrift(ctx, "p1", d(9.99), at, false); err != nil {
		t.Fatalf("apply drift: %v", err)
	}
	got, _ := s.GetProject(ctx, "p1")
	if !got.CurrentPrice.Equal(d(2.00)) {
		t.Errorf("timestamp-only drift changed the price: %s", got.CurrentPrice)
	}
	if !got.RandomDriftAt.Equal(at) {
		t.Errorf("drift timestamp not persisted: %s", got.RandomDriftAt)
	}
	if got.UpdatedAt.Equal(at) {
		t.Error("timestamp-only drift should not touch updatedAt")
	}
}

func TestSubscriptions_PutListDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, sub := range []*model.Subscription{
		{ConnectionID: "c1", EventID: "ev1", UserID: "u1"},
		{ConnectionID: "c2", EventID: "ev1", UserID: "u2"},
		{ConnectionID: "c3", EventID: "ev2", UserID: "u3"},
	} {
		if err := s.PutSubscription(ctx, sub); err != nil {
			t.Fatalf("put subscription: %v", err)
		}
	}

	subs, _ := s.ListSubscriptionsByEvent(ctx, "ev1")
	if len(subs) != 2 {
		t.Fatalf("expected 2 subscriptions for ev1, got %d", len(subs))
	}

	if err := s.DeleteSubscription(ctx, "c1"); err != nil {
		t.Fatalf("delete subscription: %v", err)
	}
	subs, _ = s.ListSubscriptionsByEvent(ctx, "ev1")
	if len(subs) != 1 || subs[0].ConnectionID != "c2" {
		t.Errorf("stale subscription survived: %+v", subs)
	}
}
