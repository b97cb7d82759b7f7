package kraken

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"kraken-core/internal/core"
)

const (
	ChannelTicker = "ticker"
	ChannelBook   = "book"
	ChannelTrade  = "trade"
)

type TickerEvent struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	BidQty    decimal.Decimal `json:"bid_qty"`
	Ask       decimal.Decimal `json:"ask"`
	AskQty    decimal.Decimal `json:"ask_qty"`
	Last      decimal.Decimal `json:"last"`
	Volume    decimal.Decimal `json:"volume"`
	VWAP      decimal.Decimal `json:"vwap"`
	Low       decimal.Decimal `json:"low"`
	High      decimal.Decimal `json:"high"`
	Change    decimal.Decimal `json:"change"`
	ChangePct decimal.Decimal `json:"change_pct"`
	Time      time.Time       `json:"-"`
}

type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

type BookEvent struct {
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Checksum  uint32      `json:"checksum"`
	Timestamp string      `json:"timestamp"`
	Snapshot  bool        `json:"-"`
	Time      time.Time   `json:"-"`
}

type TradeEvent struct {
	Symbol    string          `json:"symbol"`
	Side      core.Side       `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
	OrdType   string          `json:"ord_type"`
	TradeID   int64           `json:"trade_id"`
	Timestamp string          `json:"timestamp"`
	Time      time.Time       `json:"-"`
}

// PublicStream carries ticker, book and trade feeds.
type PublicStream struct {
	sock    *socket
	tickers *fanout[TickerEvent]
	books   *fanout[BookEvent]
	trades  *fanout[TradeEvent]
}

func NewPublicStream(opts StreamOptions) *PublicStream {
	opts = opts.withDefaults(PublicWSURL)
	p := &PublicStream{
		tickers: newFanout[TickerEvent]("public", ChannelTicker, opts.Buffer),
		books:   newFanout[BookEvent]("public", ChannelBook, opts.Buffer),
		trades:  newFanout[TradeEvent]("public", ChannelTrade, opts.Buffer),
	}
	p.sock = newSocket("public", opts, p.handle)
	return p
}

// Run blocks until ctx is done, then closes every subscriber channel.
func (p *PublicStream) Run(ctx context.Context) error {
	defer p.closeFeeds()
	return p.sock.Run(ctx)
}

func (p *PublicStream) closeFeeds() {
	p.tickers.close()
	p.books.close()
	p.trades.close()
}

func (p *PublicStream) Subscribe(channel string, symbols []string, options map[string]any) error {
	return p.sock.Subscribe(Subscription{Channel: channel, Symbols: symbols, Options: options})
}

func (p *PublicStream) Unsubscribe(channel string, symbols []string) error {
	return p.sock.Unsubscribe(channel, symbols)
}

func (p *PublicStream) Subscriptions() []Subscription { return p.sock.Subscriptions() }

func (p *PublicStream) Tickers() <-chan TickerEvent { return p.tickers.subscribe() }
func (p *PublicStream) Books() <-chan BookEvent     { return p.books.subscribe() }
func (p *PublicStream) Trades() <-chan TradeEvent   { return p.trades.subscribe() }

func (p *PublicStream) LastMessage() time.Time { return p.sock.LastMessage() }
func (p *PublicStream) Healthy() bool          { return p.sock.Healthy() }
func (p *PublicStream) Close()                 { p.sock.Close() }

func (p *PublicStream) handle(channel, typ string, items []json.RawMessage) {
	now := time.Now()
	for _, item := range items {
		switch channel {
		case ChannelTicker:
			var ev TickerEvent
			if !decodeItem(channel, item, &ev) {
				continue
			}
			ev.Symbol = NormalizeSymbol(ev.Symbol)
			ev.Time = now
			p.tickers.publish(ev)
		case ChannelBook:
			var ev BookEvent
			if !decodeItem(channel, item, &ev) {
				continue
			}
			ev.Symbol = NormalizeSymbol(ev.Symbol)
			ev.Snapshot = typ == "snapshot"
			ev.Time = parseTimestamp(ev.Timestamp, now)
			p.books.publish(ev)
		case ChannelTrade:
			var ev TradeEvent
			if !decodeItem(channel, item, &ev) {
				continue
			}
			ev.Symbol = NormalizeSymbol(ev.Symbol)
			ev.Time = parseTimestamp(ev.Timestamp, now)
			p.trades.publish(ev)
		}
	}
}

func decodeItem(channel string, item json.RawMessage, v any) bool {
	if err := json.Unmarshal(item, v); err != nil {
		log.Debug().Err(err).Str("channel", channel).Msg("ws_item_decode_failed")
		return false
	}
	return true
}

func parseTimestamp(raw string, fallback time.Time) time.Time {
	if raw == "" {
		return fallback
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return fallback
	}
	return ts
}
