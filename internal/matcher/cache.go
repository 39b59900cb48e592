// Package matcher - In-memory match cache.
package matcher

import (
	"strings"
	"sync"

	"github.com/orbiterx/settlement/internal/storage"
)

// contentKey identifies a payout by what appears on the destination chain:
// target chain, symbol, recipient and the exact amount carrying the safety
// code.
func contentKey(chain, symbol, address, amount string) string {
	return chain + "|" + symbol + "|" + strings.ToLower(address) + "|" + amount
}

// MatchCache pairs obligations and destination transfers that arrive out of
// order, so most matches close without a table scan. Both sides are bounded;
// overflow falls back to the database sweep.
type MatchCache struct {
	mu  sync.Mutex
	max int

	obligations map[string][]*storage.BridgeTx
	waiting     map[string][]*storage.Transfer

	obligationCount int
	waitingCount    int

	obligationOrder []string
	waitingOrder    []string
}

// NewMatchCache creates a cache bounded to max entries per side.
func NewMatchCache(max int) *MatchCache {
	if max <= 0 {
		max = 10000
	}
	return &MatchCache{
		max:         max,
		obligations: make(map[string][]*storage.BridgeTx),
		waiting:     make(map[string][]*storage.Transfer),
	}
}

// AddObligation caches a freshly built bridge row under its content key.
func (c *MatchCache) AddObligation(b *storage.BridgeTx) {
	key := contentKey(b.TargetChain, b.TargetSymbol, b.TargetAddress, b.TargetAmount)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.obligations[key] = append(c.obligations[key], b)
	c.obligationOrder = append(c.obligationOrder, key)
	c.obligationCount++
	for c.obligationCount > c.max && len(c.obligationOrder) > 0 {
		old := c.obligationOrder[0]
		c.obligationOrder = c.obligationOrder[1:]
		if q := c.obligations[old]; len(q) > 0 {
			c.obligations[old] = q[1:]
			c.obligationCount--
			if len(c.obligations[old]) == 0 {
				delete(c.obligations, old)
			}
		}
	}
}

// TakeObligation removes and returns the oldest cached obligation matching
// a destination transfer: same content key, sender in the response-maker
// set and source time inside [minSourceTime, maxSourceTime].
func (c *MatchCache) TakeObligation(chain, symbol, address, amount, sender string, minSourceTime, maxSourceTime int64) *storage.BridgeTx {
	key := contentKey(chain, symbol, address, amount)

	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.obligations[key]
	for i, b := range q {
		if b.SourceTime < minSourceTime || b.SourceTime > maxSourceTime {
			continue
		}
		if !b.AllowsMaker(sender) {
			continue
		}
		c.obligations[key] = append(q[:i:i], q[i+1:]...)
		c.obligationCount--
		if len(c.obligations[key]) == 0 {
			delete(c.obligations, key)
		}
		return b
	}
	return nil
}

// AddWaiting caches a destination transfer that found no obligation yet.
func (c *MatchCache) AddWaiting(t *storage.Transfer) {
	key := contentKey(t.ChainID, t.Symbol, t.Receiver, t.Value)

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, w := range c.waiting[key] {
		if w.ChainID == t.ChainID && w.Hash == t.Hash {
			return
		}
	}
	c.waiting[key] = append(c.waiting[key], t)
	c.waitingOrder = append(c.waitingOrder, key)
	c.waitingCount++
	for c.waitingCount > c.max && len(c.waitingOrder) > 0 {
		old := c.waitingOrder[0]
		c.waitingOrder = c.waitingOrder[1:]
		if q := c.waiting[old]; len(q) > 0 {
			c.waiting[old] = q[1:]
			c.waitingCount--
			if len(c.waiting[old]) == 0 {
				delete(c.waiting, old)
			}
		}
	}
}

// TakeWaiting removes and returns a destination transfer waiting for a
// newly built obligation, honoring the same sender and time constraints as
// TakeObligation from the transfer's point of view.
func (c *MatchCache) TakeWaiting(b *storage.BridgeTx, lookback, lookahead int64) *storage.Transfer {
	key := contentKey(b.TargetChain, b.TargetSymbol, b.TargetAddress, b.TargetAmount)

	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.waiting[key]
	for i, t := range q {
		if b.SourceTime < t.Timestamp-lookback || b.SourceTime > t.Timestamp+lookahead {
			continue
		}
		if !b.AllowsMaker(t.Sender) {
			continue
		}
		c.waiting[key] = append(q[:i:i], q[i+1:]...)
		c.waitingCount--
		if len(c.waiting[key]) == 0 {
			delete(c.waiting, key)
		}
		return t
	}
	return nil
}

// Len reports the cached entry counts per side.
func (c *MatchCache) Len() (obligations, waiting int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.obligationCount, c.waitingCount
}
