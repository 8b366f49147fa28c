// Package market classifies free-form ticker strings into a market and a
// normalized code.
package market

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/atmx/paper-engine/internal/model"
)

var (
	ErrUnsupportedMarket = errors.New("market: unsupported market")
	ErrEmptyCode         = errors.New("market: empty code")
)

var (
	alphaRegex  = regexp.MustCompile(`^[A-Z]+$`)
	hkNumRegex  = regexp.MustCompile(`^\d{4,5}$`)
	cnCodeRegex = regexp.MustCompile(`^\d{6}$`)
)

// Resolution is the outcome of resolving a raw code.
type Resolution struct {
	Market   model.Market   `json:"market"`
	Code     string         `json:"code"`
	Currency model.Currency `json:"currency"`
}

// Resolve normalizes raw and detects its market. When explicit is non-empty
// detection is skipped and the trimmed, uppercased code is used as-is.
//
// Detection order (first match wins):
//   - suffix .HK        → HK, numeric prefix padded to 5 digits
//   - letters only      → US, unchanged
//   - 4 or 5 digits     → HK, padded to 5 digits
//   - exactly 6 digits  → CN, unchanged
//   - anything else     → CN, padded to 6 digits
func Resolve(raw, explicit string) (Resolution, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if code == "" {
		return Resolution{}, ErrEmptyCode
	}

	if strings.TrimSpace(explicit) != "" {
		m, ok := model.ParseMarket(explicit)
		if !ok {
			return Resolution{}, fmt.Errorf("%w: %s", ErrUnsupportedMarket, explicit)
		}
		return Resolution{Market: m, Code: code, Currency: m.Currency()}, nil
	}

	m, normalized := detect(code)
	return Resolution{Market: m, Code: normalized, Currency: m.Currency()}, nil
}

func detect(code string) (model.Market, string) {
	if prefix, ok := strings.CutSuffix(code, ".HK"); ok {
		return model.MarketHK, zeroPad(prefix, 5)
	}
	if alphaRegex.MatchString(code) {
		return model.MarketUS, code
	}
	if hkNumRegex.MatchString(code) {
		return model.MarketHK, zeroPad(code, 5)
	}
	if cnCodeRegex.MatchString(code) {
		return model.MarketCN, code
	}
	return model.MarketCN, zeroPad(code, 6)
}

// zeroPad left-pads s with zeros to width. Longer strings are returned as-is.
func zeroPad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}
