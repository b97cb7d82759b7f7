package execution

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"kraken-core/internal/core"
)

// Repositioner cancels limit orders that have rested longer than Timeout.
// It works from the engine's ticket book, not from exchange state.
type Repositioner struct {
	engine   *Engine
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewRepositioner(engine *Engine, timeout, interval time.Duration) *Repositioner {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Repositioner{engine: engine, timeout: timeout, interval: interval, now: time.Now}
}

// Sweep cancels every overdue open limit ticket and returns their client ids.
func (r *Repositioner) Sweep(ctx context.Context) []string {
	now := r.now()
	var cancelled []string
	for _, t := range r.engine.OpenTickets() {
		if t.Type == core.Market || t.Terminal() {
			continue
		}
		since := t.SubmittedAt
		if since.IsZero() {
			since = t.CreatedAt
		}
		if now.Sub(since) < r.timeout {
			continue
		}
		if err := r.engine.CancelTicket(ctx, t.ClientOrderID, core.ReasonRepositionerTimeout); err != nil {
			log.Warn().Err(err).Str("client_order_id", t.ClientOrderID).Str("symbol", t.Symbol).Msg("repositioner_cancel_failed")
			continue
		}
		log.Info().
			Str("client_order_id", t.ClientOrderID).
			Str("symbol", t.Symbol).
			Dur("age", now.Sub(since)).
			Msg("repositioner_cancelled")
		cancelled = append(cancelled, t.ClientOrderID)
	}
	return cancelled
}

func (r *Repositioner) Run(ctx context.Context) error {
	r.Sweep(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}
