package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderStatus string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

const (
	Limit  OrderType = "limit"
	Market OrderType = "market"
)

const (
	OrderPending         OrderStatus = "pending"
	OrderNew             OrderStatus = "new"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCanceled        OrderStatus = "canceled"
	OrderRejected        OrderStatus = "rejected"
	OrderExpired         OrderStatus = "expired"
)

// Terminal reports whether the exchange will not change the order any more.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() decimal.Decimal {
	if s == Sell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

type Order struct {
	ID          string          `json:"id"`
	ClientID    string          `json:"client_id"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Type        OrderType       `json:"type"`
	Price       decimal.Decimal `json:"price"`
	Qty         decimal.Decimal `json:"qty"`
	PostOnly    bool            `json:"post_only,omitempty"`
	Status      OrderStatus     `json:"status"`
	ExecutedQty decimal.Decimal `json:"executed_qty"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at,omitempty"`
}

// Fill is a single execution against one of our orders.
type Fill struct {
	ID       string          `json:"id"`
	OrderID  string          `json:"order_id"`
	ClientID string          `json:"client_id,omitempty"`
	Symbol   string          `json:"symbol"`
	Side     Side            `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Qty      decimal.Decimal `json:"qty"`
	Fee      decimal.Decimal `json:"fee"`
	Time     time.Time       `json:"time"`
}

// CatalogEntry holds the static trading rules of one pair. It is loaded once
// at startup and never mutated afterwards.
type CatalogEntry struct {
	Symbol      string          `json:"symbol"`
	Pair        string          `json:"pair"`
	AltName     string          `json:"alt_name"`
	Base        string          `json:"base"`
	Quote       string          `json:"quote"`
	Status      string          `json:"status"`
	MinQty      decimal.Decimal `json:"min_qty"`
	MinNotional decimal.Decimal `json:"min_notional"`
	PriceTick   decimal.Decimal `json:"price_tick"`
	QtyStep     decimal.Decimal `json:"qty_step"`
}

func (e CatalogEntry) Tradable() bool {
	return e.Status == "" || e.Status == "online"
}

// Balances maps asset code to total balance.
type Balances map[string]decimal.Decimal

func (b Balances) Get(asset string) decimal.Decimal {
	if v, ok := b[asset]; ok {
		return v
	}
	return decimal.Zero
}

// Candle is one OHLC bar.
type Candle struct {
	Symbol string          `json:"symbol"`
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	VWAP   decimal.Decimal `json:"vwap"`
	Volume decimal.Decimal `json:"volume"`
	Count  int64           `json:"count"`
}
