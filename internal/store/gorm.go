package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/atmx/paper-engine/internal/model"
)

// GormStore implements Store on SQLite through GORM. It is meant for a
// single instance that needs persistence without a PostgreSQL server.
// Decimals are kept in TEXT columns so SQLite never coerces them to REAL.
type GormStore struct {
	db *gorm.DB
}

type accountRow struct {
	UserID      string                `gorm:"column:user_id;primaryKey"`
	Cash        model.Balances        `gorm:"column:cash;type:text;not null"`
	RealizedPnL model.Balances        `gorm:"column:realized_pnl;type:text;not null"`
	Settings    model.AccountSettings `gorm:"column:settings;serializer:json"`
	CreatedAt   time.Time             `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt   time.Time             `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (accountRow) TableName() string { return "paper_accounts" }

type positionRow struct {
	UserID       string          `gorm:"column:user_id;primaryKey"`
	Code         string          `gorm:"column:code;primaryKey"`
	Market       string          `gorm:"column:market;index"`
	Currency     string          `gorm:"column:currency"`
	Quantity     int64           `gorm:"column:quantity"`
	AvailableQty int64           `gorm:"column:available_qty"`
	AvgCost      decimal.Decimal `gorm:"column:avg_cost;type:text"`
	UpdatedAt    time.Time       `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (positionRow) TableName() string { return "paper_positions" }

type orderRow struct {
	ID         string          `gorm:"column:id;primaryKey"`
	UserID     string          `gorm:"column:user_id;index:idx_paper_orders_user_created"`
	Code       string          `gorm:"column:code"`
	Market     string          `gorm:"column:market"`
	Currency   string          `gorm:"column:currency"`
	Side       string          `gorm:"column:side"`
	Quantity   int64           `gorm:"column:quantity"`
	Price      decimal.Decimal `gorm:"column:price;type:text"`
	Amount     decimal.Decimal `gorm:"column:amount;type:text"`
	Commission decimal.Decimal `gorm:"column:commission;type:text"`
	Status     string          `gorm:"column:status"`
	CreatedAt  time.Time       `gorm:"column:created_at;autoCreateTime:false;index:idx_paper_orders_user_created"`
	FilledAt   time.Time       `gorm:"column:filled_at"`
	AnalysisID string          `gorm:"column:analysis_id"`
}

func (orderRow) TableName() string { return "paper_orders" }

type tradeRow struct {
	ID         string          `gorm:"column:id;primaryKey"`
	OrderID    string          `gorm:"column:order_id"`
	UserID     string          `gorm:"column:user_id;index:idx_paper_trades_user_code_ts"`
	Code       string          `gorm:"column:code;index:idx_paper_trades_user_code_ts"`
	Market     string          `gorm:"column:market"`
	Currency   string          `gorm:"column:currency"`
	Side       string          `gorm:"column:side"`
	Quantity   int64           `gorm:"column:quantity"`
	Price      decimal.Decimal `gorm:"column:price;type:text"`
	Amount     decimal.Decimal `gorm:"column:amount;type:text"`
	Commission decimal.Decimal `gorm:"column:commission;type:text"`
	PnL        decimal.Decimal `gorm:"column:pnl;type:text"`
	Timestamp  time.Time       `gorm:"column:timestamp;index:idx_paper_trades_user_code_ts"`
	AnalysisID string          `gorm:"column:analysis_id"`
}

func (tradeRow) TableName() string { return "paper_trades" }

type ruleRow struct {
	Market string           `gorm:"column:market;primaryKey"`
	Rules  model.MarketRule `gorm:"column:rules;serializer:json"`
}

func (ruleRow) TableName() string { return "paper_market_rules" }

// NewGormStore opens (or creates) the SQLite database at path and migrates
// the paper_* tables.
func NewGormStore(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_journal_mode=WAL&_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	// SQLite allows a single writer.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&accountRow{}, &positionRow{}, &orderRow{}, &tradeRow{}, &ruleRow{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- Accounts ---

func (s *GormStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var row accountRow
	if err := s.db.WithContext(ctx).First(&row, "user_id = ?", userID).Error; err != nil {
		return nil, gormNotFound(err, "account %s", userID)
	}
	return &model.Account{
		UserID:      row.UserID,
		Cash:        row.Cash,
		RealizedPnL: row.RealizedPnL,
		Settings:    row.Settings,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}, nil
}

func (s *GormStore) CreateAccount(ctx context.Context, acc *model.Account) error {
	row := accountRow{
		UserID:      acc.UserID,
		Cash:        acc.Cash.Clone(),
		RealizedPnL: acc.RealizedPnL.Clone(),
		Settings:    acc.Settings,
		CreatedAt:   acc.CreatedAt,
		UpdatedAt:   acc.UpdatedAt,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("account %s: %w", acc.UserID, ErrAlreadyExists)
	}
	return nil
}

func (s *GormStore) SetBalances(ctx context.Context, userID string, cash, pnl model.Balances, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&accountRow{}).Where("user_id = ?", userID).
		Updates(map[string]any{"cash": cash, "realized_pnl": pnl, "updated_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	return nil
}

func (s *GormStore) IncrementCash(ctx context.Context, userID string, ccy model.Currency, delta decimal.Decimal, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row accountRow
		if err := tx.First(&row, "user_id = ?", userID).Error; err != nil {
			return gormNotFound(err, "account %s", userID)
		}
		next := row.Cash.Get(ccy).Add(delta)
		if next.IsNegative() {
			return fmt.Errorf("account %s %s: %w", userID, ccy, ErrNegativeBalance)
		}
		cash := row.Cash.Clone()
		cash[ccy] = next
		return tx.Model(&accountRow{}).Where("user_id = ?", userID).
			Updates(map[string]any{"cash": cash, "updated_at": at}).Error
	})
}

func (s *GormStore) IncrementRealizedPnL(ctx context.Context, userID string, ccy model.Currency, delta decimal.Decimal, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row accountRow
		if err := tx.First(&row, "user_id = ?", userID).Error; err != nil {
			return gormNotFound(err, "account %s", userID)
		}
		pnl := row.RealizedPnL.Clone()
		pnl[ccy] = pnl.Get(ccy).Add(delta)
		return tx.Model(&accountRow{}).Where("user_id = ?", userID).
			Updates(map[string]any{"realized_pnl": pnl, "updated_at": at}).Error
	})
}

// --- Positions ---

func (s *GormStore) GetPosition(ctx context.Context, userID, code string) (*model.Position, error) {
	var row positionRow
	if err := s.db.WithContext(ctx).First(&row, "user_id = ? AND code = ?", userID, code).Error; err != nil {
		return nil, gormNotFound(err, "position %s/%s", userID, code)
	}
	p := row.toModel()
	return &p, nil
}

func (s *GormStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	var rows []positionRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("code").Find(&rows).Error; err != nil {
		return nil, err
	}
	positions := make([]model.Position, 0, len(rows))
	for _, r := range rows {
		positions = append(positions, r.toModel())
	}
	return positions, nil
}

func (s *GormStore) SavePosition(ctx context.Context, p *model.Position) error {
	row := positionRow{
		UserID:       p.UserID,
		Code:         p.Code,
		Market:       string(p.Market),
		Currency:     string(p.Currency),
		Quantity:     p.Quantity,
		AvailableQty: p.AvailableQty,
		AvgCost:      p.AvgCost,
		UpdatedAt:    p.UpdatedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *GormStore) DeletePosition(ctx context.Context, userID, code string) error {
	return s.db.WithContext(ctx).Where("user_id = ? AND code = ?", userID, code).Delete(&positionRow{}).Error
}

func (s *GormStore) ReleaseAvailable(ctx context.Context, market model.Market, unsettledSince, at time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []positionRow
		if err := tx.Where("market = ?", string(market)).Find(&rows).Error; err != nil {
			return err
		}
		for _, r := range rows {
			var bought int64
			if err := tx.Model(&tradeRow{}).
				Select("COALESCE(SUM(quantity), 0)").
				Where("user_id = ? AND code = ? AND side = ? AND timestamp >= ?",
					r.UserID, r.Code, string(model.SideBuy), unsettledSince.UTC()).
				Scan(&bought).Error; err != nil {
				return err
			}
			settled := max(r.Quantity-bought, 0)
			if r.AvailableQty == settled {
				continue
			}
			if err := tx.Model(&positionRow{}).
				Where("user_id = ? AND code = ?", r.UserID, r.Code).
				Updates(map[string]any{"available_qty": settled, "updated_at": at}).Error; err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// --- Journal ---

// InsertFill writes the order and trade rows in one transaction.
func (s *GormStore) InsertFill(ctx context.Context, o *model.Order, t *model.Trade) error {
	order := orderRow{
		ID:         o.ID,
		UserID:     o.UserID,
		Code:       o.Code,
		Market:     string(o.Market),
		Currency:   string(o.Currency),
		Side:       string(o.Side),
		Quantity:   o.Quantity,
		Price:      o.Price,
		Amount:     o.Amount,
		Commission: o.Commission,
		Status:     string(o.Status),
		CreatedAt:  o.CreatedAt.UTC(),
		FilledAt:   o.FilledAt.UTC(),
		AnalysisID: o.AnalysisID,
	}
	trade := tradeRow{
		ID:         t.ID,
		OrderID:    t.OrderID,
		UserID:     t.UserID,
		Code:       t.Code,
		Market:     string(t.Market),
		Currency:   string(t.Currency),
		Side:       string(t.Side),
		Quantity:   t.Quantity,
		Price:      t.Price,
		Amount:     t.Amount,
		Commission: t.Commission,
		PnL:        t.PnL,
		Timestamp:  t.Timestamp.UTC(),
		AnalysisID: t.AnalysisID,
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&order).Error; err != nil {
			return fmt.Errorf("insert order %s: %w", o.ID, err)
		}
		if err := tx.Create(&trade).Error; err != nil {
			return fmt.Errorf("insert trade %s: %w", t.ID, err)
		}
		return nil
	})
}

func (s *GormStore) ListOrders(ctx context.Context, userID string, limit int) ([]model.Order, error) {
	var rows []orderRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	orders := make([]model.Order, 0, len(rows))
	for _, r := range rows {
		orders = append(orders, model.Order{
			ID:         r.ID,
			UserID:     r.UserID,
			Code:       r.Code,
			Market:     model.Market(r.Market),
			Currency:   model.Currency(r.Currency),
			Side:       model.Side(r.Side),
			Quantity:   r.Quantity,
			Price:      r.Price,
			Amount:     r.Amount,
			Commission: r.Commission,
			Status:     model.OrderStatus(r.Status),
			CreatedAt:  r.CreatedAt,
			FilledAt:   r.FilledAt,
			AnalysisID: r.AnalysisID,
		})
	}
	return orders, nil
}

func (s *GormStore) ListTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	var rows []tradeRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("timestamp DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	trades := make([]model.Trade, 0, len(rows))
	for _, r := range rows {
		trades = append(trades, model.Trade{
			ID:         r.ID,
			OrderID:    r.OrderID,
			UserID:     r.UserID,
			Code:       r.Code,
			Market:     model.Market(r.Market),
			Currency:   model.Currency(r.Currency),
			Side:       model.Side(r.Side),
			Quantity:   r.Quantity,
			Price:      r.Price,
			Amount:     r.Amount,
			Commission: r.Commission,
			PnL:        r.PnL,
			Timestamp:  r.Timestamp,
			AnalysisID: r.AnalysisID,
		})
	}
	return trades, nil
}

func (s *GormStore) SumBuyQuantity(ctx context.Context, userID, code string, since time.Time) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&tradeRow{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("user_id = ? AND code = ? AND side = ? AND timestamp >= ?", userID, code, string(model.SideBuy), since.UTC()).
		Scan(&total).Error
	return total, err
}

// --- Market rules ---

func (s *GormStore) GetMarketRule(ctx context.Context, market model.Market) (*model.MarketRule, error) {
	var row ruleRow
	if err := s.db.WithContext(ctx).First(&row, "market = ?", string(market)).Error; err != nil {
		return nil, gormNotFound(err, "market rule %s", market)
	}
	rule := row.Rules
	rule.Market = market
	return &rule, nil
}

func (s *GormStore) PutMarketRule(ctx context.Context, rule *model.MarketRule) error {
	row := ruleRow{Market: string(rule.Market), Rules: *rule}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// --- Maintenance ---

func (s *GormStore) DeleteUserData(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, table := range []any{&tradeRow{}, &orderRow{}, &positionRow{}, &accountRow{}} {
			if err := tx.Where("user_id = ?", userID).Delete(table).Error; err != nil {
				return fmt.Errorf("purge for %s: %w", userID, err)
			}
		}
		return nil
	})
}

func (r positionRow) toModel() model.Position {
	return model.Position{
		UserID:       r.UserID,
		Code:         r.Code,
		Market:       model.Market(r.Market),
		Currency:     model.Currency(r.Currency),
		Quantity:     r.Quantity,
		AvailableQty: r.AvailableQty,
		AvgCost:      r.AvgCost,
		UpdatedAt:    r.UpdatedAt,
	}
}

// gormNotFound maps gorm.ErrRecordNotFound to ErrNotFound.
func gormNotFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
