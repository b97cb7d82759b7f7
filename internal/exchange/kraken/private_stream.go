package kraken

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"kraken-core/internal/core"
	"kraken-core/internal/exchange"
)

const (
	ChannelExecutions = "executions"
	ChannelBalances   = "balances"

	// tokenRefreshFraction of a token's lifetime elapses before it is replaced.
	tokenRefreshFraction = 0.6
)

type ExecutionEvent struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"cl_ord_id"`
	Symbol        string          `json:"symbol"`
	Side          core.Side       `json:"side"`
	OrderType     string          `json:"order_type"`
	ExecType      string          `json:"exec_type"`
	OrderStatus   string          `json:"order_status"`
	OrderQty      decimal.Decimal `json:"order_qty"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	CumQty        decimal.Decimal `json:"cum_qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	LastQty       decimal.Decimal `json:"last_qty"`
	LastPrice     decimal.Decimal `json:"last_price"`
	ExecID        string          `json:"exec_id"`
	Timestamp     string          `json:"timestamp"`
	Snapshot      bool            `json:"-"`
	Time          time.Time       `json:"-"`
}

// Status maps the executions feed order_status onto core.OrderStatus.
func (e ExecutionEvent) Status() core.OrderStatus {
	switch e.OrderStatus {
	case "pending_new":
		return core.OrderPending
	case "new":
		return core.OrderNew
	case "partially_filled":
		return core.OrderPartiallyFilled
	case "filled":
		return core.OrderFilled
	case "canceled":
		return core.OrderCanceled
	case "expired":
		return core.OrderExpired
	}
	if e.ExecType == "rejected" {
		return core.OrderRejected
	}
	return core.OrderStatus(e.OrderStatus)
}

// Order projects the event onto the order state it reports.
func (e ExecutionEvent) Order() core.Order {
	typ := core.Limit
	if e.OrderType == "market" {
		typ = core.Market
	}
	return core.Order{
		ID:          e.OrderID,
		ClientID:    e.ClientOrderID,
		Symbol:      e.Symbol,
		Side:        e.Side,
		Type:        typ,
		Price:       e.LimitPrice,
		Qty:         e.OrderQty,
		Status:      e.Status(),
		ExecutedQty: e.CumQty,
		AvgPrice:    e.AvgPrice,
		UpdatedAt:   e.Time,
	}
}

type BalanceEvent struct {
	Asset    string          `json:"asset"`
	Balance  decimal.Decimal `json:"balance"`
	Snapshot bool            `json:"-"`
	Time     time.Time       `json:"-"`
}

// PrivateStream carries the authenticated executions and balances feeds.
type PrivateStream struct {
	sock       *socket
	tokens     exchange.TokenSource
	now        func() time.Time
	executions *fanout[ExecutionEvent]
	balances   *fanout[BalanceEvent]

	mu        sync.Mutex
	token     string
	issuedAt  time.Time
	expiresAt time.Time
}

func NewPrivateStream(opts StreamOptions, tokens exchange.TokenSource) *PrivateStream {
	opts = opts.withDefaults(PrivateWSURL)
	p := &PrivateStream{
		tokens:     tokens,
		now:        time.Now,
		executions: newFanout[ExecutionEvent]("private", ChannelExecutions, opts.Buffer),
		balances:   newFanout[BalanceEvent]("private", ChannelBalances, opts.Buffer),
	}
	p.sock = newSocket("private", opts, p.handle)
	p.sock.token = p.currentToken
	_ = p.sock.Subscribe(Subscription{
		Channel: ChannelExecutions,
		Options: map[string]any{"snap_orders": true, "snap_trades": false},
	})
	_ = p.sock.Subscribe(Subscription{
		Channel: ChannelBalances,
		Options: map[string]any{"snapshot": true},
	})
	return p
}

// Run keeps the token fresh and the socket connected until ctx is done.
func (p *PrivateStream) Run(ctx context.Context) error {
	defer p.executions.close()
	defer p.balances.close()
	go p.refreshLoop(ctx)
	return p.sock.Run(ctx)
}

func (p *PrivateStream) Executions() <-chan ExecutionEvent { return p.executions.subscribe() }
func (p *PrivateStream) Balances() <-chan BalanceEvent     { return p.balances.subscribe() }
func (p *PrivateStream) Subscriptions() []Subscription     { return p.sock.Subscriptions() }
func (p *PrivateStream) LastMessage() time.Time            { return p.sock.LastMessage() }
func (p *PrivateStream) Healthy() bool                     { return p.sock.Healthy() }
func (p *PrivateStream) Close()                            { p.sock.Close() }

// currentToken returns the cached token, fetching a new one when none is
// held or the held one is past its refresh point.
func (p *PrivateStream) currentToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	token, refreshAt := p.token, p.refreshAtLocked()
	p.mu.Unlock()
	if token != "" && p.now().Before(refreshAt) {
		return token, nil
	}
	return p.refreshToken(ctx)
}

func (p *PrivateStream) refreshAtLocked() time.Time {
	lifetime := p.expiresAt.Sub(p.issuedAt)
	return p.issuedAt.Add(time.Duration(float64(lifetime) * tokenRefreshFraction))
}

func (p *PrivateStream) refreshToken(ctx context.Context) (string, error) {
	if p.tokens == nil {
		return "", errors.New("no token source")
	}
	token, ttl, err := p.tokens.WSToken(ctx)
	if err != nil {
		return "", err
	}
	now := p.now()
	p.mu.Lock()
	p.token = token
	p.issuedAt = now
	p.expiresAt = now.Add(ttl)
	p.mu.Unlock()
	log.Debug().Dur("ttl", ttl).Msg("ws_token_refreshed")
	return token, nil
}

func (p *PrivateStream) refreshLoop(ctx context.Context) {
	for {
		p.mu.Lock()
		wait := time.Duration(0)
		if p.token != "" {
			wait = p.refreshAtLocked().Sub(p.now())
		}
		p.mu.Unlock()
		if wait > 0 {
			if err := sleepCtx(ctx, wait); err != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		if _, err := p.refreshToken(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("ws_token_refresh_failed")
			if err := sleepCtx(ctx, 5*time.Second); err != nil {
				return
			}
		}
	}
}

func (p *PrivateStream) handle(channel, typ string, items []json.RawMessage) {
	now := time.Now()
	snapshot := typ == "snapshot"
	for _, item := range items {
		switch channel {
		case ChannelExecutions:
			var ev ExecutionEvent
			if !decodeItem(channel, item, &ev) {
				continue
			}
			ev.Symbol = NormalizeSymbol(ev.Symbol)
			ev.Snapshot = snapshot
			ev.Time = parseTimestamp(ev.Timestamp, now)
			p.executions.publish(ev)
		case ChannelBalances:
			var ev BalanceEvent
			if !decodeItem(channel, item, &ev) {
				continue
			}
			ev.Asset = NormalizeAsset(ev.Asset)
			ev.Snapshot = snapshot
			ev.Time = now
			p.balances.publish(ev)
		}
	}
}
