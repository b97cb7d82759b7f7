package core

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrCrossedQuote = errors.New("crossed quote")
	ErrInvalidQuote = errors.New("invalid quote")
)

var two = decimal.NewFromInt(2)

// Quote is the best bid/offer of one symbol at a point in time.
// SpreadPct is the spread as a fraction of the bid.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Mid       decimal.Decimal `json:"mid"`
	Spread    decimal.Decimal `json:"spread"`
	SpreadPct decimal.Decimal `json:"spread_pct"`
	Time      time.Time       `json:"time"`
}

func NewQuote(symbol string, bid, ask decimal.Decimal, at time.Time) (Quote, error) {
	if bid.Sign() <= 0 || ask.Sign() <= 0 {
		return Quote{}, ErrInvalidQuote
	}
	if bid.GreaterThan(ask) {
		return Quote{}, ErrCrossedQuote
	}
	spread := ask.Sub(bid)
	return Quote{
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		Mid:       bid.Add(ask).Div(two),
		Spread:    spread,
		SpreadPct: spread.Div(bid),
		Time:      at,
	}, nil
}

func (q Quote) Age(now time.Time) time.Duration {
	if q.Time.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(q.Time)
}

// SpreadBps is the spread relative to mid, in basis points.
func (q Quote) SpreadBps() decimal.Decimal {
	if q.Mid.Sign() <= 0 {
		return decimal.Zero
	}
	return q.Spread.Div(q.Mid).Mul(decimal.NewFromInt(10000))
}
