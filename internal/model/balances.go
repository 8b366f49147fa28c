package model

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Balances maps each currency to an amount. A normalized Balances carries a
// key for every entry in Currencies.
type Balances map[Currency]decimal.Decimal

// NewBalances returns a normalized Balances with every leg at zero.
func NewBalances() Balances {
	b := make(Balances, len(Currencies))
	for _, c := range Currencies {
		b[c] = decimal.Zero
	}
	return b
}

// Get returns the amount held in c, zero when the leg is missing.
func (b Balances) Get(c Currency) decimal.Decimal {
	return b[c]
}

// Normalize zero-fills missing currency legs and reports whether anything
// was added.
func (b Balances) Normalize() bool {
	changed := false
	for _, c := range Currencies {
		if _, ok := b[c]; !ok {
			b[c] = decimal.Zero
			changed = true
		}
	}
	return changed
}

// Clone returns a copy of b.
func (b Balances) Clone() Balances {
	out := make(Balances, len(b))
	for c, v := range b {
		out[c] = v
	}
	return out
}

// UnmarshalJSON accepts both the map form and the legacy scalar form. A
// scalar is read as the CNY leg only; Normalize fills in the rest.
func (b *Balances) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*b = Balances{}
		return nil
	}

	if data[0] != '{' {
		var legacy decimal.Decimal
		if err := legacy.UnmarshalJSON(data); err != nil {
			return fmt.Errorf("model: decode legacy balance %s: %w", data, err)
		}
		*b = Balances{CNY: legacy}
		return nil
	}

	raw := make(map[Currency]decimal.Decimal)
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("model: decode balances: %w", err)
	}
	*b = Balances(raw)
	return nil
}

// Value stores balances as JSON text.
func (b Balances) Value() (driver.Value, error) {
	data, err := json.Marshal(map[Currency]decimal.Decimal(b))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan reads balances written by Value or by the legacy scalar schema.
func (b *Balances) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*b = Balances{}
		return nil
	case []byte:
		return b.UnmarshalJSON(v)
	case string:
		return b.UnmarshalJSON([]byte(v))
	case float64:
		*b = Balances{CNY: decimal.NewFromFloat(v)}
		return nil
	case int64:
		*b = Balances{CNY: decimal.NewFromInt(v)}
		return nil
	default:
		return fmt.Errorf("model: cannot scan %T into Balances", src)
	}
}
