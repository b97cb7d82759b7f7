package marketdata

import (
	"github.com/shopspring/decimal"

	"kraken-core/internal/exchange/kraken"
)

// book is a depth-limited local order book built from snapshot + delta
// messages. Zero quantity removes a level.
type book struct {
	bids map[string]level
	asks map[string]level
}

type level struct {
	price decimal.Decimal
	qty   decimal.Decimal
}

func newBook() *book {
	return &book{bids: make(map[string]level), asks: make(map[string]level)}
}

func (b *book) apply(ev kraken.BookEvent) {
	if ev.Snapshot {
		b.bids = make(map[string]level, len(ev.Bids))
		b.asks = make(map[string]level, len(ev.Asks))
	}
	applySide(b.bids, ev.Bids)
	applySide(b.asks, ev.Asks)
}

func applySide(side map[string]level, levels []kraken.BookLevel) {
	for _, lv := range levels {
		key := lv.Price.String()
		if lv.Qty.Sign() <= 0 {
			delete(side, key)
			continue
		}
		side[key] = level{price: lv.Price, qty: lv.Qty}
	}
}

func (b *book) best() (bid, ask level, ok bool) {
	first := true
	for _, lv := range b.bids {
		if first || lv.price.GreaterThan(bid.price) {
			bid = lv
			first = false
		}
	}
	if first {
		return level{}, level{}, false
	}
	first = true
	for _, lv := range b.asks {
		if first || lv.price.LessThan(ask.price) {
			ask = lv
			first = false
		}
	}
	return bid, ask, !first
}

// depth sums the quantity on each side.
func (b *book) depth() (bidQty, askQty decimal.Decimal) {
	for _, lv := range b.bids {
		bidQty = bidQty.Add(lv.qty)
	}
	for _, lv := range b.asks {
		askQty = askQty.Add(lv.qty)
	}
	return bidQty, askQty
}
