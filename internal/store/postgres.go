package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// account balances live in JSONB maps keyed by currency.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS paper_accounts (
	user_id      TEXT PRIMARY KEY,
	cash         JSONB NOT NULL,
	realized_pnl JSONB NOT NULL,
	settings     JSONB NOT NULL DEFAULT '{}'::JSONB,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS paper_positions (
	user_id       TEXT NOT NULL,
	code          TEXT NOT NULL,
	market        TEXT NOT NULL,
	currency      TEXT NOT NULL,
	quantity      BIGINT NOT NULL,
	available_qty BIGINT NOT NULL,
	avg_cost      NUMERIC NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, code),
	CHECK (available_qty >= 0 AND available_qty <= quantity)
);

CREATE TABLE IF NOT EXISTS paper_orders (
	id          UUID PRIMARY KEY,
	user_id     TEXT NOT NULL,
	code        TEXT NOT NULL,
	market      TEXT NOT NULL,
	currency    TEXT NOT NULL,
	side        TEXT NOT NULL,
	quantity    BIGINT NOT NULL,
	price       NUMERIC NOT NULL,
	amount      NUMERIC NOT NULL,
	commission  NUMERIC NOT NULL,
	status      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	filled_at   TIMESTAMPTZ NOT NULL,
	analysis_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS paper_orders_user_created_idx ON paper_orders (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS paper_trades (
	id          UUID PRIMARY KEY,
	order_id    UUID NOT NULL,
	user_id     TEXT NOT NULL,
	code        TEXT NOT NULL,
	market      TEXT NOT NULL,
	currency    TEXT NOT NULL,
	side        TEXT NOT NULL,
	quantity    BIGINT NOT NULL,
	price       NUMERIC NOT NULL,
	amount      NUMERIC NOT NULL,
	commission  NUMERIC NOT NULL,
	pnl         NUMERIC NOT NULL,
	timestamp   TIMESTAMPTZ NOT NULL,
	analysis_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS paper_trades_user_code_ts_idx ON paper_trades (user_id, code, timestamp);

CREATE TABLE IF NOT EXISTS paper_market_rules (
	market TEXT PRIMARY KEY,
	rules  JSONB NOT NULL
);
`

// legacyMigration upgrades accounts whose cash or realized_pnl is still a
// scalar into the per-currency map. Safe to run repeatedly.
const legacyMigration = `
UPDATE paper_accounts
SET cash = jsonb_build_object(
	'CNY', CASE WHEN jsonb_typeof(cash) = 'number' THEN cash ELSE '0'::JSONB END,
	'HKD', 0, 'USD', 0)
WHERE jsonb_typeof(cash) <> 'object';

UPDATE paper_accounts
SET realized_pnl = jsonb_build_object(
	'CNY', CASE WHEN jsonb_typeof(realized_pnl) = 'number' THEN realized_pnl ELSE '0'::JSONB END,
	'HKD', 0, 'USD', 0)
WHERE jsonb_typeof(realized_pnl) <> 'object';
`

// Migrate creates the paper_* tables and normalizes legacy account rows.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := s.pool.Exec(ctx, legacyMigration); err != nil {
		return fmt.Errorf("migrate legacy accounts: %w", err)
	}
	return nil
}

// --- Accounts ---

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var acc model.Account
	var cash, pnl, settings string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, cash::TEXT, realized_pnl::TEXT, settings::TEXT, created_at, updated_at
		 FROM paper_accounts WHERE user_id = $1`, userID).
		Scan(&acc.UserID, &cash, &pnl, &settings, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "account %s", userID)
	}

	if err := json.Unmarshal([]byte(cash), &acc.Cash); err != nil {
		return nil, fmt.Errorf("account %s cash: %w", userID, err)
	}
	if err := json.Unmarshal([]byte(pnl), &acc.RealizedPnL); err != nil {
		return nil, fmt.Errorf("account %s realized_pnl: %w", userID, err)
	}
	if err := json.Unmarshal([]byte(settings), &acc.Settings); err != nil {
		return nil, fmt.Errorf("account %s settings: %w", userID, err)
	}
	return &acc, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, acc *model.Account) error {
	cash, err := json.Marshal(acc.Cash)
	if err != nil {
		return err
	}
	pnl, err := json.Marshal(acc.RealizedPnL)
	if err != nil {
		return err
	}
	settings, err := json.Marshal(acc.Settings)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO paper_accounts (user_id, cash, realized_pnl, settings, created_at, updated_at)
		 VALUES ($1, $2::JSONB, $3::JSONB, $4::JSONB, $5, $6)
		 ON CONFLICT (user_id) DO NOTHING`,
		acc.UserID, string(cash), string(pnl), string(settings), acc.CreatedAt, acc.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", acc.UserID, ErrAlreadyExists)
	}
	return nil
}

func (s *PostgresStore) SetBalances(ctx context.Context, userID string, cash, pnl model.Balances, at time.Time) error {
	cashJSON, err := json.Marshal(cash)
	if err != nil {
		return err
	}
	pnlJSON, err := json.Marshal(pnl)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE paper_accounts SET cash = $2::JSONB, realized_pnl = $3::JSONB, updated_at = $4
		 WHERE user_id = $1`,
		userID, string(cashJSON), string(pnlJSON), at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	return nil
}

// IncrementCash applies the delta in a single conditional UPDATE so the
// balance can never be observed below zero.
func (s *PostgresStore) IncrementCash(ctx context.Context, userID string, ccy model.Currency, delta decimal.Decimal, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE paper_accounts
		 SET cash = jsonb_set(cash, ARRAY[$2::TEXT],
		                      to_jsonb(COALESCE((cash->>($2::TEXT))::NUMERIC, 0) + $3::NUMERIC)),
		     updated_at = $4
		 WHERE user_id = $1
		   AND COALESCE((cash->>($2::TEXT))::NUMERIC, 0) + $3::NUMERIC >= 0`,
		userID, string(ccy), delta.String(), at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM paper_accounts WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	return fmt.Errorf("account %s %s: %w", userID, ccy, ErrNegativeBalance)
}

func (s *PostgresStore) IncrementRealizedPnL(ctx context.Context, userID string, ccy model.Currency, delta decimal.Decimal, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE paper_accounts
		 SET realized_pnl = jsonb_set(realized_pnl, ARRAY[$2::TEXT],
		                              to_jsonb(COALESCE((realized_pnl->>($2::TEXT))::NUMERIC, 0) + $3::NUMERIC)),
		     updated_at = $4
		 WHERE user_id = $1`,
		userID, string(ccy), delta.String(), at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	return nil
}

// --- Positions ---

const positionColumns = `user_id, code, market, currency, quantity, available_qty, avg_cost::TEXT, updated_at`

func (s *PostgresStore) GetPosition(ctx context.Context, userID, code string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM paper_positions WHERE user_id = $1 AND code = $2`,
		userID, code)

	p, err := scanPosition(row)
	if err != nil {
		return nil, notFound(err, "position %s/%s", userID, code)
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM paper_positions WHERE user_id = $1 ORDER BY code`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO paper_positions (user_id, code, market, currency, quantity, available_qty, avg_cost, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8)
		 ON CONFLICT (user_id, code) DO UPDATE
		 SET market = EXCLUDED.market, currency = EXCLUDED.currency,
		     quantity = EXCLUDED.quantity, available_qty = EXCLUDED.available_qty,
		     avg_cost = EXCLUDED.avg_cost, updated_at = EXCLUDED.updated_at`,
		p.UserID, p.Code, string(p.Market), string(p.Currency),
		p.Quantity, p.AvailableQty, p.AvgCost.String(), p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) DeletePosition(ctx context.Context, userID, code string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM paper_positions WHERE user_id = $1 AND code = $2`, userID, code)
	return err
}

func (s *PostgresStore) ReleaseAvailable(ctx context.Context, market model.Market, unsettledSince, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`WITH settled AS (
		     SELECT p.user_id, p.code,
		            GREATEST(p.quantity - COALESCE(SUM(t.quantity), 0), 0)::BIGINT AS qty
		     FROM paper_positions p
		     LEFT JOIN paper_trades t
		       ON t.user_id = p.user_id AND t.code = p.code AND t.side = 'buy' AND t.timestamp >= $2
		     WHERE p.market = $1
		     GROUP BY p.user_id, p.code, p.quantity
		 )
		 UPDATE paper_positions p SET available_qty = settled.qty, updated_at = $3
		 FROM settled
		 WHERE p.user_id = settled.user_id AND p.code = settled.code AND p.available_qty <> settled.qty`,
		string(market), unsettledSince, at,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Journal ---

// InsertFill writes the order and trade rows in one transaction.
func (s *PostgresStore) InsertFill(ctx context.Context, o *model.Order, t *model.Trade) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO paper_orders (id, user_id, code, market, currency, side, quantity,
		                           price, amount, commission, status, created_at, filled_at, analysis_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12, $13, $14)`,
		o.ID, o.UserID, o.Code, string(o.Market), string(o.Currency), string(o.Side), o.Quantity,
		o.Price.String(), o.Amount.String(), o.Commission.String(),
		string(o.Status), o.CreatedAt, o.FilledAt, o.AnalysisID,
	); err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO paper_trades (id, order_id, user_id, code, market, currency, side, quantity,
		                           price, amount, commission, pnl, timestamp, analysis_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13, $14)`,
		t.ID, t.OrderID, t.UserID, t.Code, string(t.Market), string(t.Currency), string(t.Side), t.Quantity,
		t.Price.String(), t.Amount.String(), t.Commission.String(), t.PnL.String(),
		t.Timestamp, t.AnalysisID,
	); err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListOrders(ctx context.Context, userID string, limit int) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, user_id, code, market, currency, side, quantity,
		        price::TEXT, amount::TEXT, commission::TEXT, status, created_at, filled_at, analysis_id
		 FROM paper_orders WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var market, currency, side, status, priceS, amountS, commS string
		if err := rows.Scan(&o.ID, &o.UserID, &o.Code, &market, &currency, &side, &o.Quantity,
			&priceS, &amountS, &commS, &status, &o.CreatedAt, &o.FilledAt, &o.AnalysisID); err != nil {
			return nil, err
		}
		o.Market = model.Market(market)
		o.Currency = model.Currency(currency)
		o.Side = model.Side(side)
		o.Status = model.OrderStatus(status)
		o.Price, _ = decimal.NewFromString(priceS)
		o.Amount, _ = decimal.NewFromString(amountS)
		o.Commission, _ = decimal.NewFromString(commS)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) ListTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, order_id::TEXT, user_id, code, market, currency, side, quantity,
		        price::TEXT, amount::TEXT, commission::TEXT, pnl::TEXT, timestamp, analysis_id
		 FROM paper_trades WHERE user_id = $1
		 ORDER BY timestamp DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var market, currency, side, priceS, amountS, commS, pnlS string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.UserID, &t.Code, &market, &currency, &side, &t.Quantity,
			&priceS, &amountS, &commS, &pnlS, &t.Timestamp, &t.AnalysisID); err != nil {
			return nil, err
		}
		t.Market = model.Market(market)
		t.Currency = model.Currency(currency)
		t.Side = model.Side(side)
		t.Price, _ = decimal.NewFromString(priceS)
		t.Amount, _ = decimal.NewFromString(amountS)
		t.Commission, _ = decimal.NewFromString(commS)
		t.PnL, _ = decimal.NewFromString(pnlS)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) SumBuyQuantity(ctx context.Context, userID, code string, since time.Time) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0)::BIGINT FROM paper_trades
		 WHERE user_id = $1 AND code = $2 AND side = 'buy' AND timestamp >= $3`,
		userID, code, since).Scan(&total)
	return total, err
}

// --- Market rules ---

func (s *PostgresStore) GetMarketRule(ctx context.Context, market model.Market) (*model.MarketRule, error) {
	var raw string
	err := s.pool.QueryRow(ctx,
		`SELECT rules::TEXT FROM paper_market_rules WHERE market = $1`, string(market)).Scan(&raw)
	if err != nil {
		return nil, notFound(err, "market rule %s", market)
	}

	var rule model.MarketRule
	if err := json.Unmarshal([]byte(raw), &rule); err != nil {
		return nil, fmt.Errorf("market rule %s: %w", market, err)
	}
	rule.Market = market
	return &rule, nil
}

func (s *PostgresStore) PutMarketRule(ctx context.Context, rule *model.MarketRule) error {
	raw, err := json.Marshal(rule)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO paper_market_rules (market, rules) VALUES ($1, $2::JSONB)
		 ON CONFLICT (market) DO UPDATE SET rules = EXCLUDED.rules`,
		string(rule.Market), string(raw),
	)
	return err
}

// --- Maintenance ---

func (s *PostgresStore) DeleteUserData(ctx context.Context, userID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, table := range []string{"paper_trades", "paper_orders", "paper_positions", "paper_accounts"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("purge %s for %s: %w", table, userID, err)
		}
	}
	return tx.Commit(ctx)
}

// scanPosition reads one paper_positions row selected with positionColumns.
func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var market, currency, avgCostS string

	if err := row.Scan(&p.UserID, &p.Code, &market, &currency,
		&p.Quantity, &p.AvailableQty, &avgCostS, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Market = model.Market(market)
	p.Currency = model.Currency(currency)
	p.AvgCost, _ = decimal.NewFromString(avgCostS)
	return &p, nil
}

// notFound maps pgx.ErrNoRows to ErrNotFound.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
