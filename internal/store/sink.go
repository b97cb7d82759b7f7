package store

import (
	"context"
	"errors"
	"time"
)

const (
	TableTickerFocus  = "ticker_focus"
	TableTickerScout  = "ticker_scout"
	TableOrderTickets = "order_tickets"
	TableSlippage     = "slippage"
)

// Row is one upserted record. Key identifies the record within its table;
// a later row with the same key supersedes an earlier one.
type Row struct {
	Key  string    `json:"key"`
	Time time.Time `json:"ts"`
	Data any       `json:"data"`
}

// Sink persists rows outside the process. Implementations must be safe for
// concurrent use.
type Sink interface {
	Upsert(ctx context.Context, table string, rows []Row) error
}

// MultiSink writes to every sink and returns the joined errors.
type MultiSink []Sink

func (m MultiSink) Upsert(ctx context.Context, table string, rows []Row) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Upsert(ctx, table, rows); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every row.
type Discard struct{}

func (Discard) Upsert(context.Context, string, []Row) error { return nil }
