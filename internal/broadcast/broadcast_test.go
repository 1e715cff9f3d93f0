package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/btx/trading-engine/internal/model"
	"github.com/btx/trading-engine/internal/store"
)

// fakePusher records pushes and fails selected connections.
type fakePusher struct {
	mu     sync.Mutex
	pushed map[string][][]byte
	fail   map[string]error
}

func newFakePusher() *fakePusher {
	return &fakePusher{pushed: make(map[string][][]byte), fail: make(map[string]error)}
}

func (f *fakePusher) Push(_ context.Context, connectionID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[connectionID]; ok {
		return err
	}
	f.pushed[connectionID] = append(f.pushed[connectionID], payload)
	return nil
}

func (f *fakePusher) count(connectionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushed[connectionID])
}

func project() *model.Project {
	return &model.Project{
		ProjectID:    "p1",
		EventID:      "ev1",
		Ticker:       "TST",
		CurrentPrice: decimal.NewFromFloat(3.00),
		NetShares:    decimal.NewFromInt(100),
		UpdatedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func subscribe(t *testing.T, st store.Store, connectionID, eventID string) {
	t.Helper()
	err := st.PutSubscription(context.Background(), &model.Subscription{
		ConnectionID: connectionID,
		EventID:      eventID,
		UserID:       "u-" + connectionID,
		ConnectedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("subscribe %s: %v", connectionID, err)
	}
}

func TestPriceUpdate_AppendsHistoryAndPushes(t *testing.T) {
	st := store.NewMemoryStore()
	pusher := newFakePusher()
	b := New(st, pusher)
	ctx := context.Background()

	subscribe(t, st, "c1", "ev1")
	subscribe(t, st, "c2", "ev1")
	subscribe(t, st, "other", "ev2")

	b.PriceUpdate(ctx, project(), model.SourceTrade)

	points, err := st.ListPricePoints(ctx, "p1", 0, time.Time{})
	if err != nil {
		t.Fatalf("list points: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("expected 1 history point, got %d", len(points))
	}
	if points[0].Source != model.SourceTrade || !points[0].Price.Equal(decimal.NewFromFloat(3.00)) {
		t.Errorf("wrong history point: %+v", points[0])
	}

	if pusher.count("c1") != 1 || pusher.count("c2") != 1 {
		t.Errorf("event subscribers missed the push: c1=%d c2=%d",
			pusher.count("c1"), pusher.count("c2"))
	}
	if pusher.count("other") != 0 {
		t.Error("push leaked into another event")
	}

	var payload PriceUpdate
	if err := json.Unmarshal(pusher.pushed["c1"][0], &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Type != "priceUpdate" || payload.EventID != "ev1" || payload.ProjectID != "p1" {
		t.Errorf("payload envelope wrong: %+v", payload)
	}
	if !payload.MarketCap.Equal(decimal.NewFromInt(300)) {
		t.Errorf("market cap = %s, want 300", payload.MarketCap)
	}
	if payload.Source != string(model.SourceTrade) {
		t.Errorf("source = %s, want TRADE", payload.Source)
	}
}

func TestPriceUpdate_GoneConnectionIsGarbageCollected(t *testing.T) {
	st := store.NewMemoryStore()
	pusher := newFakePusher()
	pusher.fail["dead"] = ErrConnectionGone
	b := New(st, pusher)
	ctx := context.Background()

	subscribe(t, st, "dead", "ev1")
	subscribe(t, st, "live", "ev1")

	b.PriceUpdate(ctx, project(), model.SourceDrift)

	subs, _ := st.ListSubscriptionsByEvent(ctx, "ev1")
	if len(subs) != 1 || subs[0].ConnectionID != "live" {
		t.Errorf("gone connection not cleaned up: %+v", subs)
	}
	if pusher.count("live") != 1 {
		t.Error("healthy subscriber missed the push")
	}
}

func TestPriceUpdate_TransientPushErrorKeepsSubscription(t *testing.T) {
	st := store.NewMemoryStore()
	pusher := newFakePusher()
	pusher.fail["flaky"] = errors.New("write timeout")
	b := New(st, pusher)
	ctx := context.Background()

	subscribe(t, st, "flaky", "ev1")

	b.PriceUpdate(ctx, project(), model.SourceTrade)

	subs, _ := st.ListSubscriptionsByEvent(ctx, "ev1")
	if len(subs) != 1 {
		t.Errorf("transient failure dropped the subscription: %+v", subs)
	}
}

func TestPriceUpdate_NilPusherStillRecordsHistory(t *testing.T) {
	st := store.NewMemoryStore()
	b := New(st, nil)
	ctx := context.Background()

	subscribe(t, st, "c1", "ev1")
	b.PriceUpdate(ctx, project(), model.SourcePhaseBump)

	points, err := st.ListPricePoints(ctx, "p1", 0, time.Time{})
	if err != nil {
		t.Fatalf("list points: %v", err)
	}
	if len(points) != 1 {
		t.Errorf("offline mode skipped history: %d points", len(points))
	}
}
