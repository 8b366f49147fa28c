// Package rules supplies per-market trading rules (commission schedule and
// settlement lag) to the execution engine.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/store"
)

// StoreProvider reads rules from paper_market_rules.
type StoreProvider struct {
	st store.Store
}

// NewStoreProvider creates a provider backed by st.
func NewStoreProvider(st store.Store) *StoreProvider {
	return &StoreProvider{st: st}
}

// Get returns the rule of market, or nil when none is configured.
func (p *StoreProvider) Get(ctx context.Context, market model.Market) (*model.MarketRule, error) {
	rule, err := p.st.GetMarketRule(ctx, market)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// File is the YAML layout of a rules file. Rates are strings so they parse
// exactly into decimals.
type File struct {
	Markets map[string]fileRule `yaml:"markets"`
}

type fileRule struct {
	TPlus      int           `yaml:"t_plus"`
	Commission *fileSchedule `yaml:"commission"`
}

type fileSchedule struct {
	Rate                string `yaml:"rate"`
	Min                 string `yaml:"min"`
	StampDutyRate       string `yaml:"stamp_duty_rate"`
	TransactionLevyRate string `yaml:"transaction_levy_rate"`
	TradingFeeRate      string `yaml:"trading_fee_rate"`
	SettlementFeeRate   string `yaml:"settlement_fee_rate"`
	SecFeeRate          string `yaml:"sec_fee_rate"`
}

// LoadFile parses a YAML rules file.
func LoadFile(path string) ([]model.MarketRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML rules. Markets are returned in model.Markets order.
func Parse(data []byte) ([]model.MarketRule, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	byMarket := make(map[model.Market]model.MarketRule, len(f.Markets))
	for name, fr := range f.Markets {
		m, ok := model.ParseMarket(name)
		if !ok {
			return nil, fmt.Errorf("rules: unsupported market %q", name)
		}
		if fr.TPlus < 0 {
			return nil, fmt.Errorf("rules: %s: t_plus must be >= 0", m)
		}
		rule := model.MarketRule{Market: m, TPlus: fr.TPlus}
		if fr.Commission != nil {
			sched, err := fr.Commission.toModel()
			if err != nil {
				return nil, fmt.Errorf("rules: %s: %w", m, err)
			}
			rule.Commission = sched
		}
		byMarket[m] = rule
	}

	out := make([]model.MarketRule, 0, len(byMarket))
	for _, m := range model.Markets {
		if r, ok := byMarket[m]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fileSchedule) toModel() (*model.CommissionSchedule, error) {
	rate, err := parseRate("rate", s.Rate)
	if err != nil {
		return nil, err
	}
	minFee, err := parseRate("min", s.Min)
	if err != nil {
		return nil, err
	}
	sched := &model.CommissionSchedule{Rate: rate, Min: minFee}

	for _, opt := range []struct {
		name string
		raw  string
		dst  **decimal.Decimal
	}{
		{"stamp_duty_rate", s.StampDutyRate, &sched.StampDutyRate},
		{"transaction_levy_rate", s.TransactionLevyRate, &sched.TransactionLevyRate},
		{"trading_fee_rate", s.TradingFeeRate, &sched.TradingFeeRate},
		{"settlement_fee_rate", s.SettlementFeeRate, &sched.SettlementFeeRate},
		{"sec_fee_rate", s.SecFeeRate, &sched.SecFeeRate},
	} {
		if opt.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(opt.raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", opt.name, err)
		}
		*opt.dst = &v
	}
	return sched, nil
}

// parseRate reads a non-negative decimal; empty means zero.
func parseRate(name, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", name, err)
	}
	if v.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s: must not be negative", name)
	}
	return v, nil
}

// Seed writes every rule whose market has none yet. Existing rules are
// managed externally and are never overwritten. Returns the number written.
func Seed(ctx context.Context, st store.Store, rules []model.MarketRule) (int, error) {
	n := 0
	for i := range rules {
		_, err := st.GetMarketRule(ctx, rules[i].Market)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return n, err
		}
		if err := st.PutMarketRule(ctx, &rules[i]); err != nil {
			return n, fmt.Errorf("seed %s: %w", rules[i].Market, err)
		}
		slog.Info("market rule seeded", "market", rules[i].Market, "t_plus", rules[i].TPlus)
		n++
	}
	return n, nil
}
