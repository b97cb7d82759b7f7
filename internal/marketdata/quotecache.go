package marketdata

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kraken-core/internal/core"
)

const defaultMaxQuoteAge = 5 * time.Second

// QuoteCache holds the latest best bid/offer per symbol. A quote older than
// maxAge is reported as absent.
type QuoteCache struct {
	mu     sync.RWMutex
	quotes map[string]core.Quote
	maxAge time.Duration
	now    func() time.Time
}

func NewQuoteCache(maxAge time.Duration) *QuoteCache {
	return NewQuoteCacheWithClock(maxAge, time.Now)
}

func NewQuoteCacheWithClock(maxAge time.Duration, now func() time.Time) *QuoteCache {
	if maxAge <= 0 {
		maxAge = defaultMaxQuoteAge
	}
	if now == nil {
		now = time.Now
	}
	return &QuoteCache{
		quotes: make(map[string]core.Quote),
		maxAge: maxAge,
		now:    now,
	}
}

// Update stores a new top of book. Crossed or non-positive quotes are
// rejected and the previous quote is kept. Out-of-order updates are ignored.
func (c *QuoteCache) Update(symbol string, bid, ask decimal.Decimal, at time.Time) error {
	q, err := core.NewQuote(symbol, bid, ask, at)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.quotes[symbol]; ok && at.Before(prev.Time) {
		return nil
	}
	c.quotes[symbol] = q
	return nil
}

func (c *QuoteCache) Get(symbol string) (core.Quote, bool) {
	c.mu.RLock()
	q, ok := c.quotes[symbol]
	c.mu.RUnlock()
	if !ok || q.Age(c.now()) > c.maxAge {
		return core.Quote{}, false
	}
	return q, true
}

// Age reports how old the stored quote is, regardless of maxAge.
// Peek returns the last quote for symbol whatever its age.
func (c *QuoteCache) Peek(symbol string) (core.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[symbol]
	return q, ok
}

func (c *QuoteCache) Age(symbol string) (time.Duration, bool) {
	c.mu.RLock()
	q, ok := c.quotes[symbol]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return q.Age(c.now()), true
}

func (c *QuoteCache) MaxAge() time.Duration { return c.maxAge }

func (c *QuoteCache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.quotes))
	for symbol := range c.quotes {
		out = append(out, symbol)
	}
	return out
}
