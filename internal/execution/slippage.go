package execution

import (
	"sync"

	"github.com/shopspring/decimal"

	"kraken-core/internal/core"
)

var bps = decimal.NewFromInt(10000)

// ComputeSlippage measures a fill against the decision-time mid and the
// submission BBO. A buy above the reference or a sell below it is positive.
func ComputeSlippage(t core.OrderTicket) core.SlippageRecord {
	rec := core.SlippageRecord{
		ClientOrderID: t.ClientOrderID,
		Symbol:        t.Symbol,
		Side:          t.Side,
		Mode:          t.Mode,
		ReferenceMid:  t.ReferenceMid,
		FillPrice:     t.FillPrice,
		SubmitBid:     t.SubmitBBO.Bid,
		SubmitAsk:     t.SubmitBBO.Ask,
		Time:          t.UpdatedAt,
	}
	sign := t.Side.Sign()
	rec.SlippageMidBps = signedBps(t.FillPrice, t.ReferenceMid, sign)
	bboRef := t.SubmitBBO.Ask
	if t.Side == core.Sell {
		bboRef = t.SubmitBBO.Bid
	}
	rec.SlippageBBOBps = signedBps(t.FillPrice, bboRef, sign)
	rec.SpreadSubmitBps = t.SubmitBBO.SpreadBps()
	return rec
}

func signedBps(fill, ref, sign decimal.Decimal) decimal.Decimal {
	if ref.Sign() <= 0 || fill.Sign() <= 0 {
		return decimal.Zero
	}
	return fill.Sub(ref).Div(ref).Mul(bps).Mul(sign)
}

// SlippageHistory is a bounded rolling window of records.
type SlippageHistory struct {
	mu      sync.Mutex
	records []core.SlippageRecord
	next    int
	full    bool
}

func NewSlippageHistory(size int) *SlippageHistory {
	if size <= 0 {
		size = 500
	}
	return &SlippageHistory{records: make([]core.SlippageRecord, size)}
}

func (h *SlippageHistory) Add(rec core.SlippageRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[h.next] = rec
	h.next = (h.next + 1) % len(h.records)
	if h.next == 0 {
		h.full = true
	}
}

// Recent returns up to n records, oldest first.
func (h *SlippageHistory) Recent(n int) []core.SlippageRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	size := h.next
	if h.full {
		size = len(h.records)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]core.SlippageRecord, 0, n)
	start := h.next - n
	if start < 0 {
		start += len(h.records)
	}
	for i := 0; i < n; i++ {
		out = append(out, h.records[(start+i)%len(h.records)])
	}
	return out
}

// MeanMidBps averages slippage-vs-mid over the last n records of mode; an
// empty mode matches all.
func (h *SlippageHistory) MeanMidBps(mode core.ExecMode, n int) (decimal.Decimal, int) {
	sum := decimal.Zero
	count := 0
	for _, rec := range h.Recent(n) {
		if mode != "" && rec.Mode != mode {
			continue
		}
		sum = sum.Add(rec.SlippageMidBps)
		count++
	}
	if count == 0 {
		return decimal.Zero, 0
	}
	return sum.Div(decimal.NewFromInt(int64(count))), count
}
