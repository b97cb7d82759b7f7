package execution

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"kraken-core/internal/core"
	"kraken-core/internal/store"
	"kraken-core/internal/telemetry"
)

// TicketStore persists the open-ticket snapshot so a restarted process can
// find orders the previous one left live.
type TicketStore interface {
	SaveOpenTickets(tickets []core.OrderTicket) error
	LoadOpenTickets() ([]core.OrderTicket, bool, error)
}

// TicketBook owns every non-terminal ticket. Each transition is written to
// the sink; the open set is snapshotted after every change.
type TicketBook struct {
	mu      sync.Mutex
	open    map[string]core.OrderTicket
	sink    store.Sink
	persist TicketStore
	timeout time.Duration
}

func NewTicketBook(sink store.Sink, persist TicketStore) *TicketBook {
	if sink == nil {
		sink = store.Discard{}
	}
	return &TicketBook{
		open:    make(map[string]core.OrderTicket),
		sink:    sink,
		persist: persist,
		timeout: 5 * time.Second,
	}
}

// ticketKey is stable across client id rotations on retry.
func ticketKey(t core.OrderTicket) string {
	if len(t.PriorClientIDs) > 0 {
		return t.PriorClientIDs[0]
	}
	return t.ClientOrderID
}

// Update records a non-terminal transition. A terminal ticket is routed to
// Finish.
func (b *TicketBook) Update(t core.OrderTicket) {
	if t.Terminal() {
		b.Finish(t)
		return
	}
	b.mu.Lock()
	b.open[ticketKey(t)] = t
	snapshot := b.snapshotLocked()
	b.mu.Unlock()
	b.record(t, snapshot)
}

// Finish records a terminal ticket and drops it from the open set.
func (b *TicketBook) Finish(t core.OrderTicket) {
	b.mu.Lock()
	delete(b.open, ticketKey(t))
	snapshot := b.snapshotLocked()
	b.mu.Unlock()
	b.record(t, snapshot)
	telemetry.OrderOutcomes.WithLabelValues(string(t.Mode), string(t.Status), t.Reason).Inc()
}

// Restore loads tickets left open by a previous process.
func (b *TicketBook) Restore() ([]core.OrderTicket, error) {
	if b.persist == nil {
		return nil, nil
	}
	tickets, ok, err := b.persist.LoadOpenTickets()
	if err != nil || !ok {
		return nil, err
	}
	b.mu.Lock()
	for _, t := range tickets {
		if !t.Terminal() {
			b.open[ticketKey(t)] = t
		}
	}
	b.mu.Unlock()
	return b.Open(), nil
}

func (b *TicketBook) Get(clientID string) (core.OrderTicket, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.open[clientID]; ok {
		return t, true
	}
	for _, t := range b.open {
		if t.ClientOrderID == clientID {
			return t, true
		}
	}
	return core.OrderTicket{}, false
}

// Open lists open tickets, oldest first.
func (b *TicketBook) Open() []core.OrderTicket {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *TicketBook) snapshotLocked() []core.OrderTicket {
	out := make([]core.OrderTicket, 0, len(b.open))
	for _, t := range b.open {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return ticketKey(out[i]) < ticketKey(out[j])
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (b *TicketBook) record(t core.OrderTicket, open []core.OrderTicket) {
	if b.persist != nil {
		if err := b.persist.SaveOpenTickets(open); err != nil {
			log.Error().Err(err).Str("client_order_id", t.ClientOrderID).Msg("open_tickets_persist_failed")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	row := store.Row{Key: ticketKey(t), Time: t.UpdatedAt, Data: t}
	if err := b.sink.Upsert(ctx, store.TableOrderTickets, []store.Row{row}); err != nil {
		log.Warn().Err(err).Str("client_order_id", t.ClientOrderID).Msg("ticket_sink_failed")
	}
}
