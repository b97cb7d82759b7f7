package execution

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"kraken-core/internal/core"
)

// PaperExecutor is a local order ledger keyed by client order id. A limit
// order fills in full at the touch once the quote makes it marketable. A
// client id that was already accepted returns the existing order instead of
// creating a second one.
type PaperExecutor struct {
	quotes QuoteSource
	now    func() time.Time

	mu       sync.Mutex
	byClient map[string]*core.Order
	byID     map[string]*core.Order
	fills    []core.Fill
}

func NewPaperExecutor(quotes QuoteSource) *PaperExecutor {
	return NewPaperExecutorWithClock(quotes, time.Now)
}

func NewPaperExecutorWithClock(quotes QuoteSource, now func() time.Time) *PaperExecutor {
	return &PaperExecutor{
		quotes:   quotes,
		now:      now,
		byClient: make(map[string]*core.Order),
		byID:     make(map[string]*core.Order),
	}
}

func (p *PaperExecutor) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if err := ctx.Err(); err != nil {
		return core.Order{}, err
	}
	if order.Qty.Sign() <= 0 || (order.Type != core.Market && order.Price.Sign() <= 0) {
		return core.Order{}, core.ErrOrderRejected
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if order.ClientID != "" {
		if existing, ok := p.byClient[order.ClientID]; ok {
			log.Debug().Str("client_order_id", order.ClientID).Msg("paper_duplicate_client_id")
			return *existing, nil
		}
	}
	now := p.now()
	placed := order
	placed.ID = "PAPER-" + uuid.NewString()
	placed.Status = core.OrderNew
	placed.ExecutedQty = decimal0
	placed.AvgPrice = decimal0
	placed.CreatedAt = now
	placed.UpdatedAt = now
	if placed.PostOnly && p.marketableLocked(&placed) {
		placed.Status = core.OrderRejected
	}
	p.byID[placed.ID] = &placed
	if placed.ClientID != "" {
		p.byClient[placed.ClientID] = &placed
	}
	if placed.Status == core.OrderNew {
		p.matchLocked(&placed)
	}
	return placed, nil
}

func (p *PaperExecutor) CancelOrder(ctx context.Context, _ string, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o := p.lookupLocked(id, id)
	if o == nil || o.Status.Terminal() {
		return core.ErrOrderNotFound
	}
	p.matchLocked(o)
	if o.Status.Terminal() {
		return core.ErrOrderNotFound
	}
	o.Status = core.OrderCanceled
	o.UpdatedAt = p.now()
	return nil
}

func (p *PaperExecutor) QueryOrder(ctx context.Context, _ string, orderID, clientID string) (core.Order, error) {
	if err := ctx.Err(); err != nil {
		return core.Order{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o := p.lookupLocked(orderID, clientID)
	if o == nil {
		return core.Order{}, core.ErrOrderNotFound
	}
	if !o.Status.Terminal() {
		p.matchLocked(o)
	}
	return *o, nil
}

// OpenOrders lists resting orders, oldest first.
func (p *PaperExecutor) OpenOrders(ctx context.Context) ([]core.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.Order, 0)
	for _, o := range p.byID {
		if !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Fills returns every simulated execution so far.
func (p *PaperExecutor) Fills() []core.Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.Fill(nil), p.fills...)
}

func (p *PaperExecutor) lookupLocked(orderID, clientID string) *core.Order {
	if orderID != "" {
		if o, ok := p.byID[orderID]; ok {
			return o
		}
	}
	if clientID != "" {
		if o, ok := p.byClient[clientID]; ok {
			return o
		}
	}
	return nil
}

func (p *PaperExecutor) marketableLocked(o *core.Order) bool {
	q, ok := p.quotes.Get(o.Symbol)
	if !ok {
		return false
	}
	if o.Side == core.Buy {
		return o.Type == core.Market || q.Ask.LessThanOrEqual(o.Price)
	}
	return o.Type == core.Market || q.Bid.GreaterThanOrEqual(o.Price)
}

func (p *PaperExecutor) matchLocked(o *core.Order) {
	if !p.marketableLocked(o) {
		return
	}
	q, _ := p.quotes.Get(o.Symbol)
	price := q.Ask
	if o.Side == core.Sell {
		price = q.Bid
	}
	qty := o.Qty.Sub(o.ExecutedQty)
	now := p.now()
	o.ExecutedQty = o.Qty
	o.AvgPrice = price
	o.Status = core.OrderFilled
	o.UpdatedAt = now
	p.fills = append(p.fills, core.Fill{
		ID:       uuid.NewString(),
		OrderID:  o.ID,
		ClientID: o.ClientID,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Price:    price,
		Qty:      qty,
		Time:     now,
	})
}
