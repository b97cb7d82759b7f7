package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kraken-core/internal/exchange/kraken"
	"kraken-core/internal/marketdata"
	"kraken-core/internal/safety"
)

// Readings assembles the per-tick risk inputs from the quote cache, the
// balances feed and the loss streak recorded on the risk manager.
type Readings struct {
	quotes *marketdata.QuoteCache
	risk   *safety.Manager
	symbol string
	quote  string
	now    func() time.Time

	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

// NewReadings watches symbol for spread and staleness and values balances
// in its quote asset.
func NewReadings(quotes *marketdata.QuoteCache, risk *safety.Manager, symbol string) *Readings {
	_, quote, _ := strings.Cut(symbol, "/")
	return &Readings{
		quotes:   quotes,
		risk:     risk,
		symbol:   symbol,
		quote:    quote,
		now:      time.Now,
		balances: make(map[string]decimal.Decimal),
	}
}

func (r *Readings) OnBalance(ev kraken.BalanceEvent) {
	asset := kraken.NormalizeAsset(ev.Asset)
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.Balance.Sign() == 0 {
		delete(r.balances, asset)
		return
	}
	r.balances[asset] = ev.Balance
}

// Equity values every balance in the quote asset. Assets without a quote
// against it are left out.
func (r *Readings) Equity() decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := decimal.Zero
	for asset, qty := range r.balances {
		if asset == r.quote {
			total = total.Add(qty)
			continue
		}
		if r.quotes == nil {
			continue
		}
		q, ok := r.quotes.Peek(asset + "/" + r.quote)
		if !ok {
			continue
		}
		total = total.Add(qty.Mul(q.Mid))
	}
	return total
}

func (r *Readings) Reading(context.Context) (safety.Reading, error) {
	out := safety.Reading{
		Time:   r.now(),
		Equity: r.Equity(),
	}
	if r.risk != nil {
		out.LossStreak = r.risk.LossStreak()
	}
	if r.quotes == nil {
		return out, nil
	}
	if q, ok := r.quotes.Peek(r.symbol); ok {
		out.HasQuote = true
		out.QuoteAge = q.Age(out.Time)
		out.SpreadBps = q.SpreadBps()
	}
	return out, nil
}
