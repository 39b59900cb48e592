package rates

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("bad big int literal %q", s)
	}
	return v
}

func TestClientFetchesAndCaches(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`{"rates": {"ETH": "3500.5", "USDC": "1.0"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Hour)
	ctx := context.Background()

	price, err := c.Price(ctx, "ETH")
	if err != nil {
		t.Fatalf("Price() error = %v", err)
	}
	if !price.Equal(decimal.RequireFromString("3500.5")) {
		t.Errorf("price = %s, want 3500.5", price)
	}

	// Within the ttl the snapshot serves from cache.
	if _, err := c.Price(ctx, "USDC"); err != nil {
		t.Fatalf("Price() error = %v", err)
	}
	if hits != 1 {
		t.Errorf("endpoint hit %d times, want 1", hits)
	}

	if _, err := c.Price(ctx, "DOGE"); err == nil {
		t.Error("unknown symbol should fail")
	}
}

func TestClientServesStaleOnFetchFailure(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", time.Nanosecond)
	c.SetQuote("ETH", decimal.NewFromInt(3000))

	price, err := c.Price(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("Price() error = %v, want stale fallback", err)
	}
	if !price.Equal(decimal.NewFromInt(3000)) {
		t.Errorf("price = %s, want pinned 3000", price)
	}
}

func TestValueMatchesSameSymbol(t *testing.T) {
	v := NewValidator(NewClient("", time.Hour), 100) // 1% loss allowed
	ctx := context.Background()

	src := Amount{Symbol: "ETH", Decimals: 18, Value: mustBig(t, "1000000000000000000")}

	ok, err := v.ValueMatches(ctx, src, Amount{Symbol: "ETH", Decimals: 18,
		Value: mustBig(t, "995000000000000000")})
	if err != nil || !ok {
		t.Errorf("0.5%% loss rejected: ok=%v err=%v", ok, err)
	}

	ok, err = v.ValueMatches(ctx, src, Amount{Symbol: "ETH", Decimals: 18,
		Value: mustBig(t, "980000000000000000")})
	if err != nil || ok {
		t.Errorf("2%% loss accepted: ok=%v err=%v", ok, err)
	}
}

func TestValueMatchesCrossSymbol(t *testing.T) {
	c := NewClient("", time.Hour)
	c.SetQuote("ETH", decimal.NewFromInt(2000))
	c.SetQuote("USDC", decimal.NewFromInt(1))
	v := NewValidator(c, 100)
	ctx := context.Background()

	src := Amount{Symbol: "ETH", Decimals: 18, Value: mustBig(t, "1000000000000000000")}

	// 1 ETH at $2000 against 1995 USDC: 0.25% loss, inside the bound.
	ok, err := v.ValueMatches(ctx, src, Amount{Symbol: "USDC", Decimals: 6,
		Value: mustBig(t, "1995000000")})
	if err != nil || !ok {
		t.Errorf("acceptable cross-symbol payout rejected: ok=%v err=%v", ok, err)
	}

	// 1900 USDC is a 5% loss.
	ok, err = v.ValueMatches(ctx, src, Amount{Symbol: "USDC", Decimals: 6,
		Value: mustBig(t, "1900000000")})
	if err != nil || ok {
		t.Errorf("excessive cross-symbol loss accepted: ok=%v err=%v", ok, err)
	}
}

func TestValueMatchesRejectsNonPositive(t *testing.T) {
	v := NewValidator(NewClient("", time.Hour), 100)
	src := Amount{Symbol: "ETH", Decimals: 18, Value: big.NewInt(1)}

	if ok, _ := v.ValueMatches(context.Background(), src,
		Amount{Symbol: "ETH", Decimals: 18, Value: big.NewInt(0)}); ok {
		t.Error("zero payout accepted")
	}
}
