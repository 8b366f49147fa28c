package market

import (
	"errors"
	"testing"

	"github.com/atmx/paper-engine/internal/model"
)

func TestResolve_Detection(t *testing.T) {
	tests := []struct {
		raw      string
		market   model.Market
		code     string
		currency model.Currency
	}{
		{"700.hk", model.MarketHK, "00700", model.HKD},
		{" 00700.HK ", model.MarketHK, "00700", model.HKD},
		{"aapl", model.MarketUS, "AAPL", model.USD},
		{"BRK", model.MarketUS, "BRK", model.USD},
		{"0700", model.MarketHK, "00700", model.HKD},
		{"09988", model.MarketHK, "09988", model.HKD},
		{"000001", model.MarketCN, "000001", model.CNY},
		{"600519", model.MarketCN, "600519", model.CNY},
		{"1", model.MarketCN, "000001", model.CNY},
		{"123", model.MarketCN, "000123", model.CNY},
		{"BRK.B", model.MarketCN, "0BRK.B", model.CNY},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			res, err := Resolve(tt.raw, "")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Market != tt.market {
				t.Errorf("market = %s, want %s", res.Market, tt.market)
			}
			if res.Code != tt.code {
				t.Errorf("code = %s, want %s", res.Code, tt.code)
			}
			if res.Currency != tt.currency {
				t.Errorf("currency = %s, want %s", res.Currency, tt.currency)
			}
		})
	}
}

func TestResolve_ExplicitMarketSkipsDetection(t *testing.T) {
	res, err := Resolve(" 700 ", "hk")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Caller owns normalization when the market is explicit.
	if res.Code != "700" {
		t.Errorf("code = %s, want 700", res.Code)
	}
	if res.Market != model.MarketHK || res.Currency != model.HKD {
		t.Errorf("got %s/%s, want HK/HKD", res.Market, res.Currency)
	}
}

func TestResolve_UnsupportedMarket(t *testing.T) {
	_, err := Resolve("7203", "JP")
	if !errors.Is(err, ErrUnsupportedMarket) {
		t.Errorf("expected ErrUnsupportedMarket, got %v", err)
	}
}

func TestResolve_EmptyCode(t *testing.T) {
	_, err := Resolve("   ", "")
	if !errors.Is(err, ErrEmptyCode) {
		t.Errorf("expected ErrEmptyCode, got %v", err)
	}
}
