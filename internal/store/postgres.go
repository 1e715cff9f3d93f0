package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/btx/trading-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision
// and scanned through TEXT into decimal.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const projectColumns = `project_id, event_id, ticker, name, description,
	base_price::TEXT, current_price::TEXT, net_shares::TEXT,
	total_buy_shares::TEXT, total_sell_shares::TEXT, total_trades,
	total_volume::TEXT, seed_amount::TEXT, is_active,
	random_drift_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*model.Project, error) {
	var p model.Project
	var basePrice, currentPrice, netShares, buyShares, sellShares, volume, seed string

	err := row.Scan(&p.ProjectID, &p.EventID, &p.Ticker, &p.Name, &p.Description,
		&basePrice, &currentPrice, &netShares,
		&buyShares, &sellShares, &p.TotalTrades,
		&volume, &seed, &p.IsActive,
		&p.RandomDriftAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.BasePrice, _ = decimal.NewFromString(basePrice)
	p.CurrentPrice, _ = decimal.NewFromString(currentPrice)
	p.NetShares, _ = decimal.NewFromString(netShares)
	p.TotalBuyShares, _ = decimal.NewFromString(buyShares)
	p.TotalSellShares, _ = decimal.NewFromString(sellShares)
	p.TotalVolume, _ = decimal.NewFromString(volume)
	p.SeedAmount, _ = decimal.NewFromString(seed)
	return &p, nil
}

func (s *PostgresStore) UpsertProject(ctx context.Context, p *model.Project) error {
	_, err := s.pool.Exec(ctx, upsertProjectStmt, upsertProjectArgs(p)...)
	return err
}

const upsertProjectStmt = `INSERT INTO btx_projects
	(project_id, event_id, ticker, name, description,
	 base_price, current_price, net_shares,
	 total_buy_shares, total_sell_shares, total_trades, total_volume,
	 seed_amount, is_active, random_drift_at, created_at, updated_at)
	 VALUES ($1, $2, $3, $4, $5,
	         $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
	         $9::NUMERIC, $10::NUMERIC, $11, $12::NUMERIC,
	         $13::NUMERIC, $14, $15, $16, $17)
	 ON CONFLICT (project_id) DO UPDATE SET
	   event_id = EXCLUDED.event_id,
	   ticker = EXCLUDED.ticker,
	   name = EXCLUDED.name,
	   description = EXCLUDED.description,
	   base_price = EXCLUDED.base_price,
	   current_price = EXCLUDED.current_price,
	   net_shares = EXCLUDED.net_shares,
	   total_buy_shares = EXCLUDED.total_buy_shares,
	   total_sell_shares = EXCLUDED.total_sell_shares,
	   total_trades = EXCLUDED.total_trades,
	   total_volume = EXCLUDED.total_volume,
	   seed_amount = EXCLUDED.seed_amount,
	   is_active = EXCLUDED.is_active,
	   random_drift_at = EXCLUDED.random_drift_at,
	   updated_at = EXCLUDED.updated_at`

func upsertProjectArgs(p *model.Project) []any {
	return []any{
		p.ProjectID, p.EventID, p.Ticker, p.Name, p.Description,
		p.BasePrice.String(), p.CurrentPrice.String(), p.NetShares.String(),
		p.TotalBuyShares.String(), p.TotalSellShares.String(), p.TotalTrades, p.TotalVolume.String(),
		p.SeedAmount.String(), p.IsActive, p.RandomDriftAt, p.CreatedAt, p.UpdatedAt,
	}
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (*model.Project, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM btx_projects WHERE project_id = $1`, projectID)
	p, err := scanProject(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", projectID, err)
	}
	return p, nil
}

func (s *PostgresStore) ListProjectsByEvent(ctx context.Context, eventID string) ([]model.Project, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+projectColumns+` FROM btx_projects WHERE event_id = $1 ORDER BY created_at`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

func (s *PostgresStore) ApplyDrift(ctx context.Context, projectID string, price decimal.Decimal, at time.Time, priceChanged bool) error {
	var tag pgconn.CommandTag
	var err error
	if priceChanged {
		tag, err = s.pool.Exec(ctx,
			`UPDATE btx_projects
			 SET current_price = $2::NUMERIC, random_drift_at = $3, updated_at = $3
			 WHERE project_id = $1`,
			projectID, price.String(), at)
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE btx_projects SET random_drift_at = $2 WHERE project_id = $1`,
			projectID, at)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) EnsureAccount(ctx context.Context, userID string, initialCash decimal.Decimal) (*model.Account, error) {
	// Conditional create: a concurrent first touch loses the insert race
	// and converges on the winner's row via the re-read below.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO btx_accounts (user_id, cash_balance, initial_balance, created_at)
		 VALUES ($1, $2::NUMERIC, $2::NUMERIC, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, initialCash.String(), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("ensure account %s: %w", userID, err)
	}
	return s.GetAccount(ctx, userID)
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	var cash, initial string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, cash_balance::TEXT, initial_balance::TEXT, created_at
		 FROM btx_accounts WHERE user_id = $1`, userID).
		Scan(&a.UserID, &cash, &initial, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}

	a.CashBalance, _ = decimal.NewFromString(cash)
	a.InitialBalance, _ = decimal.NewFromString(initial)
	return &a, nil
}

func (s *PostgresStore) GetHolding(ctx context.Context, userID, projectID string) (*model.Holding, error) {
	var h model.Holding
	var shares, avg string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, project_id, shares::TEXT, avg_price::TEXT, updated_at
		 FROM btx_holdings WHERE user_id = $1 AND project_id = $2`, userID, projectID).
		Scan(&h.UserID, &h.ProjectID, &shares, &avg, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // absence is an expected state
	}
	if err != nil {
		return nil, fmt.Errorf("get holding %s/%s: %w", userID, projectID, err)
	}

	h.Shares, _ = decimal.NewFromString(shares)
	h.AvgPrice, _ = decimal.NewFromString(avg)
	return &h, nil
}

func (s *PostgresStore) ListHoldingsByUser(ctx context.Context, userID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, project_id, shares::TEXT, avg_price::TEXT, updated_at
		 FROM btx_holdings WHERE user_id = $1 ORDER BY project_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []model.Holding
	for rows.Next() {
		var h model.Holding
		var shares, avg string
		if err := rows.Scan(&h.UserID, &h.ProjectID, &shares, &avg, &h.UpdatedAt); err != nil {
			return nil, err
		}
		h.Shares, _ = decimal.NewFromString(shares)
		h.AvgPrice, _ = decimal.NewFromString(avg)
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

func (s *PostgresStore) ListTradesByProject(ctx context.Context, projectID string, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		limit = DefaultTradeLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT trade_id, project_id, user_id, event_id, side,
		        shares::TEXT, price::TEXT, cash_delta::TEXT, created_at
		 FROM btx_trades WHERE project_id = $1
		 ORDER BY trade_id DESC LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var shares, price, cashDelta string
		if err := rows.Scan(&t.TradeID, &t.ProjectID, &t.UserID, &t.EventID, &t.Side,
			&shares, &price, &cashDelta, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Shares, _ = decimal.NewFromString(shares)
		t.Price, _ = decimal.NewFromString(price)
		t.CashDelta, _ = decimal.NewFromString(cashDelta)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) InsertPricePoint(ctx context.Context, pt *model.PriceHistoryPoint) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO btx_price_history (project_id, event_id, price, source, ts)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)`,
		pt.ProjectID, pt.EventID, pt.Price.String(), string(pt.Source), pt.Ts)
	return err
}

func (s *PostgresStore) ListPricePoints(ctx context.Context, projectID string, limit int, since time.Time) ([]model.PriceHistoryPoint, error) {
	if limit <= 0 {
		limit = DefaultPricePointLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT project_id, event_id, price::TEXT, source, ts
		 FROM btx_price_history
		 WHERE project_id = $1 AND ($2::TIMESTAMPTZ IS NULL OR ts >= $2)
		 ORDER BY ts LIMIT $3`,
		projectID, nullableTime(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []model.PriceHistoryPoint
	for rows.Next() {
		var pt model.PriceHistoryPoint
		var price, source string
		if err := rows.Scan(&pt.ProjectID, &pt.EventID, &price, &source, &pt.Ts); err != nil {
			return nil, err
		}
		pt.Price, _ = decimal.NewFromString(price)
		pt.Source = model.PriceSource(source)
		points = append(points, pt)
	}
	return points, rows.Err()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func (s *PostgresStore) PutSubscription(ctx context.Context, sub *model.Subscription) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO btx_subscriptions (connection_id, event_id, user_id, connected_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (connection_id) DO UPDATE SET
		   event_id = EXCLUDED.event_id, user_id = EXCLUDED.user_id`,
		sub.ConnectionID, sub.EventID, sub.UserID, sub.ConnectedAt)
	return err
}

func (s *PostgresStore) DeleteSubscription(ctx context.Context, connectionID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM btx_subscriptions WHERE connection_id = $1`, connectionID)
	return err
}

func (s *PostgresStore) ListSubscriptionsByEvent(ctx context.Context, eventID string) ([]model.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT connection_id, event_id, user_id, connected_at
		 FROM btx_subscriptions WHERE event_id = $1`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		var sub model.Subscription
		if err := rows.Scan(&sub.ConnectionID, &sub.EventID, &sub.UserID, &sub.ConnectedAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// AtomicCommit wraps the batch in one transaction: a crash between writes
// cannot create money or shares out of nowhere.
func (s *PostgresStore) AtomicCommit(ctx context.Context, writes []Write) error {
	if err := validateWrites(writes); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, w := range writes {
		if err := applyWrite(ctx, tx, w); err != nil {
			return fmt.Errorf("atomic commit: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func applyWrite(ctx context.Context, tx pgx.Tx, w Write) error {
	switch w := w.(type) {
	case PutProject:
		_, err := tx.Exec(ctx, upsertProjectStmt, upsertProjectArgs(w.Project)...)
		return err
	case PutAccount:
		_, err := tx.Exec(ctx,
			`UPDATE btx_accounts SET cash_balance = $2::NUMERIC WHERE user_id = $1`,
			w.Account.UserID, w.Account.CashBalance.String())
		return err
	case InsertTrade:
		t := w.Trade
		_, err := tx.Exec(ctx,
			`INSERT INTO btx_trades
			 (trade_id, project_id, user_id, event_id, side, shares, price, cash_delta, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
			t.TradeID, t.ProjectID, t.UserID, t.EventID, t.Side,
			t.Shares.String(), t.Price.String(), t.CashDelta.String(), t.CreatedAt)
		return err
	case PutHolding:
		h := w.Holding
		_, err := tx.Exec(ctx,
			`INSERT INTO btx_holdings (user_id, project_id, shares, avg_price, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)
			 ON CONFLICT (user_id, project_id) DO UPDATE SET
			   shares = EXCLUDED.shares, avg_price = EXCLUDED.avg_price,
			   updated_at = EXCLUDED.updated_at`,
			h.UserID, h.ProjectID, h.Shares.String(), h.AvgPrice.String(), h.UpdatedAt)
		return err
	case DeleteHolding:
		_, err := tx.Exec(ctx,
			`DELETE FROM btx_holdings WHERE user_id = $1 AND project_id = $2`,
			w.UserID, w.ProjectID)
		return err
	default:
		return fmt.Errorf("unknown write type %T", w)
	}
}
