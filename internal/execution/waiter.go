package execution

import (
	"sync"

	"github.com/shopspring/decimal"

	"kraken-core/internal/core"
)

var decimal0 = decimal.Zero

// waiter is where pushed and polled order states converge for one attempt.
type waiter struct {
	mu        sync.Mutex
	order     core.Order
	reason    string
	notify    chan struct{}
	cancelled chan struct{}
	once      sync.Once
}

func newWaiter(order core.Order) *waiter {
	if order.Status == "" {
		order.Status = core.OrderPending
	}
	return &waiter{
		order:     order,
		notify:    make(chan struct{}, 1),
		cancelled: make(chan struct{}),
	}
}

func (w *waiter) merge(next core.Order) {
	w.mu.Lock()
	w.order = mergeOrder(w.order, next)
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *waiter) state() core.Order {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.order
}

func (w *waiter) requestCancel(reason string) {
	w.once.Do(func() {
		w.mu.Lock()
		w.reason = reason
		w.mu.Unlock()
		close(w.cancelled)
	})
}

func (w *waiter) cancelReason() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reason
}

func statusRank(s core.OrderStatus) int {
	switch s {
	case "":
		return -1
	case core.OrderPending:
		return 0
	case core.OrderNew:
		return 1
	case core.OrderPartiallyFilled:
		return 2
	}
	return 3
}

// mergeOrder folds next into cur. Executed quantity only grows, status only
// moves forward, and a fill overrides any other terminal status.
func mergeOrder(cur, next core.Order) core.Order {
	if next.ID != "" {
		cur.ID = next.ID
	}
	if next.ExecutedQty.GreaterThan(cur.ExecutedQty) {
		cur.ExecutedQty = next.ExecutedQty
		if next.AvgPrice.Sign() > 0 {
			cur.AvgPrice = next.AvgPrice
		}
	} else if cur.AvgPrice.Sign() == 0 && next.AvgPrice.Sign() > 0 {
		cur.AvgPrice = next.AvgPrice
	}
	if statusRank(next.Status) > statusRank(cur.Status) || next.Status == core.OrderFilled {
		cur.Status = next.Status
	}
	if cur.Qty.Sign() > 0 && cur.ExecutedQty.GreaterThanOrEqual(cur.Qty) {
		cur.Status = core.OrderFilled
	}
	if next.UpdatedAt.After(cur.UpdatedAt) {
		cur.UpdatedAt = next.UpdatedAt
	}
	return cur
}
