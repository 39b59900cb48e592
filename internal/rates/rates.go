// Package rates fetches market quotes and validates that a payout does not
// lose more value than the configured bound relative to its deposit.
package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orbiterx/settlement/pkg/logging"
)

// Quote errors
var (
	ErrQuoteUnavailable = errors.New("quote unavailable")
)

// Client caches USD quotes from the rates endpoint.
type Client struct {
	endpoint string
	httpc    *http.Client
	ttl      time.Duration
	log      *logging.Logger

	mu        sync.RWMutex
	quotes    map[string]decimal.Decimal
	fetchedAt time.Time
}

// NewClient creates a rates client. ttl bounds how stale a cached snapshot
// may be before a fresh fetch; it defaults to one minute.
func NewClient(endpoint string, ttl time.Duration) *Client {
	if ttl == 0 {
		ttl = time.Minute
	}
	return &Client{
		endpoint: endpoint,
		httpc:    &http.Client{Timeout: 10 * time.Second},
		ttl:      ttl,
		log:      logging.GetDefault().Component("rates"),
		quotes:   make(map[string]decimal.Decimal),
	}
}

// SetQuote pins a quote, bypassing the endpoint. Used by tests and for
// stable assets with fixed pricing.
func (c *Client) SetQuote(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[symbol] = price
	if c.fetchedAt.IsZero() {
		c.fetchedAt = time.Now()
	}
}

// Price returns the USD quote for a symbol, refreshing the snapshot when it
// is older than the ttl.
func (c *Client) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	c.mu.RLock()
	price, ok := c.quotes[symbol]
	stale := time.Since(c.fetchedAt) > c.ttl
	c.mu.RUnlock()

	if ok && !stale {
		return price, nil
	}
	if err := c.refresh(ctx); err != nil {
		if ok {
			// A stale quote beats no quote for validation purposes.
			c.log.Warn("Serving stale quote", "symbol", symbol, "err", err)
			return price, nil
		}
		return decimal.Zero, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	price, ok = c.quotes[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrQuoteUnavailable, symbol)
	}
	return price, nil
}

// ratesDoc mirrors the endpoint payload: {"rates": {"ETH": "3500.12"}}.
type ratesDoc struct {
	Rates map[string]decimal.Decimal `json:"rates"`
}

func (c *Client) refresh(ctx context.Context) error {
	if c.endpoint == "" {
		return fmt.Errorf("%w: no endpoint configured", ErrQuoteUnavailable)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch rates: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rates endpoint returned %d", resp.StatusCode)
	}

	var doc ratesDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("failed to decode rates: %w", err)
	}

	c.mu.Lock()
	for sym, price := range doc.Rates {
		c.quotes[sym] = price
	}
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// Amount is one side of a value comparison.
type Amount struct {
	Symbol   string
	Decimals uint8
	Value    *big.Int
}

// USD converts the amount with the given quote.
func (a Amount) USD(price decimal.Decimal) decimal.Decimal {
	return decimal.NewFromBigInt(a.Value, -int32(a.Decimals)).Mul(price)
}

// Validator checks payout value against deposit value.
type Validator struct {
	client     *Client
	maxLossBps int64
}

// NewValidator creates a validator allowing at most maxLossBps basis points
// of value loss between deposit and payout. Zero means any loss fails.
func NewValidator(client *Client, maxLossBps int64) *Validator {
	return &Validator{client: client, maxLossBps: maxLossBps}
}

// ValueMatches reports whether paying dst for the deposit src stays inside
// the loss bound. Same-symbol pairs compare raw values; cross-symbol pairs
// compare USD values at current quotes.
func (v *Validator) ValueMatches(ctx context.Context, src, dst Amount) (bool, error) {
	if src.Value == nil || dst.Value == nil || dst.Value.Sign() <= 0 {
		return false, nil
	}

	bound := decimal.NewFromInt(10000 - v.maxLossBps).Div(decimal.NewFromInt(10000))

	if src.Symbol == dst.Symbol && src.Decimals == dst.Decimals {
		srcDec := decimal.NewFromBigInt(src.Value, 0)
		dstDec := decimal.NewFromBigInt(dst.Value, 0)
		return dstDec.GreaterThanOrEqual(srcDec.Mul(bound)), nil
	}

	srcPrice, err := v.client.Price(ctx, src.Symbol)
	if err != nil {
		return false, err
	}
	dstPrice, err := v.client.Price(ctx, dst.Symbol)
	if err != nil {
		return false, err
	}
	if srcPrice.Sign() <= 0 || dstPrice.Sign() <= 0 {
		return false, fmt.Errorf("%w: non-positive quote", ErrQuoteUnavailable)
	}

	return dst.USD(dstPrice).GreaterThanOrEqual(src.USD(srcPrice).Mul(bound)), nil
}
