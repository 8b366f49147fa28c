package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
)

// HTTPOracle queries an upstream quote service at
// GET {base}/api/v1/quotes/{market}/{code}.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPOracle creates an oracle for the quote service at baseURL. Each
// call is bounded by timeout; perSecond caps outbound requests (0 disables
// the limit).
func NewHTTPOracle(baseURL string, timeout time.Duration, perSecond float64) *HTTPOracle {
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &HTTPOracle{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// quote is the subset of the upstream payload we read. Some deployments
// wrap it in "data".
type quote struct {
	Price        *decimal.Decimal `json:"price"`
	CurrentPrice *decimal.Decimal `json:"current_price"`
	Close        *decimal.Decimal `json:"close"`
	Data         *quote           `json:"data"`
}

// best returns the first positive of price, current_price and close.
func (q *quote) best() (decimal.Decimal, bool) {
	for _, p := range []*decimal.Decimal{q.Price, q.CurrentPrice, q.Close} {
		if p != nil && p.IsPositive() {
			return *p, true
		}
	}
	if q.Data != nil {
		return q.Data.best()
	}
	return decimal.Zero, false
}

func (o *HTTPOracle) LastPrice(ctx context.Context, code string, market model.Market) (decimal.Decimal, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		metrics.QuoteLookups.WithLabelValues("http", "throttled").Inc()
		return decimal.Zero, fmt.Errorf("quote %s %s: rate limit: %w", market, code, err)
	}

	u := fmt.Sprintf("%s/api/v1/quotes/%s/%s", o.baseURL, url.PathEscape(string(market)), url.PathEscape(code))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		metrics.QuoteLookups.WithLabelValues("http", "error").Inc()
		return decimal.Zero, fmt.Errorf("quote %s %s: %w", market, code, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		metrics.QuoteLookups.WithLabelValues("http", "miss").Inc()
		return decimal.Zero, fmt.Errorf("%s %s: %w", market, code, ErrNoQuote)
	}
	if resp.StatusCode != http.StatusOK {
		metrics.QuoteLookups.WithLabelValues("http", "error").Inc()
		return decimal.Zero, fmt.Errorf("quote %s %s: upstream status %d", market, code, resp.StatusCode)
	}

	var q quote
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		metrics.QuoteLookups.WithLabelValues("http", "error").Inc()
		return decimal.Zero, fmt.Errorf("quote %s %s: decode: %w", market, code, err)
	}
	price, ok := q.best()
	if !ok {
		metrics.QuoteLookups.WithLabelValues("http", "miss").Inc()
		return decimal.Zero, fmt.Errorf("%s %s: %w", market, code, ErrNoQuote)
	}
	metrics.QuoteLookups.WithLabelValues("http", "hit").Inc()
	return price, nil
}
