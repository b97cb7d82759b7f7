package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"kraken-core/internal/alert"
	"kraken-core/internal/core"
	"kraken-core/internal/exchange"
	"kraken-core/internal/exchange/kraken"
	"kraken-core/internal/store"
	"kraken-core/internal/telemetry"
)

// QuoteSource returns the latest fresh quote; ok is false for stale or
// unknown symbols.
type QuoteSource interface {
	Get(symbol string) (core.Quote, bool)
}

// StreamHealth reports whether pushed execution updates can be trusted.
type StreamHealth interface {
	Healthy() bool
}

type Config struct {
	Policy          PolicyConfig
	SubmitTimeout   time.Duration
	CancelTimeout   time.Duration
	QueryTimeout    time.Duration
	PollInterval    time.Duration
	SlippageHistory int
}

func (c Config) withDefaults() Config {
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 5 * time.Second
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = 5 * time.Second
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.SlippageHistory <= 0 {
		c.SlippageHistory = 500
	}
	return c
}

type Deps struct {
	Executor exchange.Executor
	Catalog  exchange.Catalog
	Quotes   QuoteSource
	// Stream may be nil, in which case order state is always polled.
	Stream  StreamHealth
	Sink    store.Sink
	Tickets TicketStore
	Alerts  alert.Alerter
	Now     func() time.Time
}

// Engine turns trade intents into tracked orders. Every Execute call holds
// the (symbol, mode) trade lock for the whole lifecycle of its ticket.
type Engine struct {
	cfg      Config
	policy   Policy
	exec     exchange.Executor
	catalog  exchange.Catalog
	quotes   QuoteSource
	stream   StreamHealth
	sink     store.Sink
	alerts   alert.Alerter
	now      func() time.Time
	locks    *LockRegistry
	tickets  *TicketBook
	slippage *SlippageHistory

	mu       sync.Mutex
	waiters  map[string]*waiter
	orderIDs map[string]string
}

func New(cfg Config, deps Deps) *Engine {
	cfg = cfg.withDefaults()
	if deps.Sink == nil {
		deps.Sink = store.Discard{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Engine{
		cfg:      cfg,
		policy:   NewPolicy(cfg.Policy),
		exec:     deps.Executor,
		catalog:  deps.Catalog,
		quotes:   deps.Quotes,
		stream:   deps.Stream,
		sink:     deps.Sink,
		alerts:   deps.Alerts,
		now:      deps.Now,
		locks:    NewLockRegistry(),
		tickets:  NewTicketBook(deps.Sink, deps.Tickets),
		slippage: NewSlippageHistory(cfg.SlippageHistory),
		waiters:  make(map[string]*waiter),
		orderIDs: make(map[string]string),
	}
}

func (e *Engine) Policy() Policy                  { return e.policy }
func (e *Engine) Locks() *LockRegistry            { return e.locks }
func (e *Engine) Slippage() *SlippageHistory      { return e.slippage }
func (e *Engine) OpenTickets() []core.OrderTicket { return e.tickets.Open() }

// Restore reloads tickets a previous process left open so the repositioner
// can settle them.
func (e *Engine) Restore() ([]core.OrderTicket, error) {
	tickets, err := e.tickets.Restore()
	if err != nil {
		return nil, err
	}
	if len(tickets) > 0 {
		log.Warn().Int("count", len(tickets)).Msg("orphan_tickets_restored")
	}
	return tickets, nil
}

// Execute runs one intent to a ticket. Ordinary failures come back as a
// failed or cancelled ticket, never as a Go error.
func (e *Engine) Execute(ctx context.Context, intent core.TradeIntent, mode core.ExecMode) core.OrderTicket {
	now := e.now()
	t := core.OrderTicket{
		ClientOrderID: uuid.NewString(),
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Type:          core.Limit,
		Size:          intent.Size,
		Mode:          mode,
		Status:        core.TicketPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := validateIntent(intent); err != nil {
		return e.finish(t, core.TicketFailed, core.ReasonInvalidIntent, err)
	}
	eff, err := e.policy.EffectiveMode(intent.Side, mode)
	if err != nil {
		return e.finish(t, core.TicketFailed, core.ReasonInvalidIntent, err)
	}
	t.Mode = eff

	release, ok := e.locks.TryAcquire(t.Symbol, eff, t.ClientOrderID)
	if !ok {
		holder, _ := e.locks.Holder(t.Symbol, eff)
		log.Debug().Str("symbol", t.Symbol).Str("mode", string(eff)).Str("holder", holder).Msg("execution_lock_busy")
		return e.finish(t, core.TicketFailed, core.ReasonLockBusy, core.ErrLockBusy)
	}
	defer release()

	if eff == core.ModePanicExit {
		log.Error().Str("symbol", t.Symbol).Str("size", t.Size.String()).Msg("panic_exit")
		e.alertImportant("panic_exit", map[string]string{"symbol": t.Symbol, "size": t.Size.String()})
	}

	quote, ok := e.quotes.Get(t.Symbol)
	if !ok {
		return e.finish(t, core.TicketFailed, core.ReasonStaleQuote, core.ErrStaleQuote)
	}
	rules, err := e.catalog.CatalogEntry(ctx, t.Symbol)
	if err != nil {
		return e.finish(t, core.TicketFailed, core.ReasonExchangeError, err)
	}
	if !rules.Tradable() {
		return e.finish(t, core.TicketFailed, core.ReasonInvalidIntent, fmt.Errorf("pair %s is %s", t.Symbol, rules.Status))
	}
	dec, err := e.policy.Decide(quote, t.Side, eff, rules.PriceTick)
	if err != nil {
		return e.finish(t, core.TicketFailed, core.ReasonInvalidIntent, err)
	}
	order, err := core.NormalizeOrder(core.Order{
		ClientID: t.ClientOrderID,
		Symbol:   t.Symbol,
		Side:     t.Side,
		Type:     core.Limit,
		Price:    dec.LimitPrice,
		Qty:      intent.Size,
		PostOnly: dec.PostOnly,
		Status:   core.OrderPending,
	}, rules)
	if err != nil {
		return e.finish(t, core.TicketFailed, core.ReasonInvalidSize, err)
	}

	t.Size = order.Qty
	t.LimitPrice = order.Price
	t.TTL = dec.TTL
	t.RetriesAllowed = dec.MaxRetries
	t.ReferenceMid = quote.Mid
	t.SubmitBBO = quote
	e.tickets.Update(t)
	return e.lifecycle(ctx, t, order, rules)
}

func validateIntent(intent core.TradeIntent) error {
	switch {
	case intent.Symbol == "":
		return errors.New("symbol required")
	case !intent.Side.Valid():
		return fmt.Errorf("invalid side %q", intent.Side)
	case intent.Size.Sign() <= 0:
		return errors.New("size must be positive")
	}
	return nil
}

type waitResult struct {
	order   core.Order
	expired bool
	// reason is set when the wait was cut short by CancelTicket or shutdown.
	reason string
}

func (e *Engine) lifecycle(ctx context.Context, t core.OrderTicket, order core.Order, rules core.CatalogEntry) core.OrderTicket {
	for {
		w := e.register(order)
		if reason, err := e.submit(ctx, &t, w, order); err != nil {
			e.unregister(order.ClientID)
			return e.finish(t, core.TicketFailed, reason, err)
		}

		res := e.await(ctx, w, order.Symbol, t.TTL)
		if !res.order.Status.Terminal() {
			settled, ok := e.settle(ctx, w, order.Symbol)
			if !ok {
				// The order may still be live; leave the ticket open for the
				// repositioner and the executions feed to settle.
				e.unregister(order.ClientID)
				e.applyFill(&t, settled)
				t.UpdatedAt = e.now()
				e.tickets.Update(t)
				log.Warn().Str("client_order_id", t.ClientOrderID).Str("symbol", t.Symbol).Msg("order_cancel_unconfirmed")
				return t
			}
			res.order = settled
		}
		e.unregister(order.ClientID)
		e.applyFill(&t, res.order)

		switch {
		case res.order.Status == core.OrderFilled:
			return e.finish(t, core.TicketFilled, "", nil)
		case res.order.ExecutedQty.Sign() > 0:
			return e.finish(t, core.TicketPartialAccepted, res.reason, nil)
		case res.order.Status == core.OrderRejected:
			return e.finish(t, core.TicketFailed, core.ReasonRejected, core.ErrOrderRejected)
		case res.reason != "":
			return e.finish(t, core.TicketCancelled, res.reason, nil)
		case !res.expired:
			return e.finish(t, core.TicketCancelled, core.ReasonExternalCancel, nil)
		case t.RetriesUsed >= t.RetriesAllowed:
			return e.finish(t, core.TicketCancelled, core.ReasonRetriesExhausted, nil)
		}
		order = e.nextAttempt(&t, order, rules)
	}
}

// nextAttempt rotates the client id and widens the price by one step.
func (e *Engine) nextAttempt(t *core.OrderTicket, prev core.Order, rules core.CatalogEntry) core.Order {
	next := prev
	next.ID = ""
	next.ClientID = uuid.NewString()
	next.Price = e.policy.Widen(prev.Price, prev.Side, rules.PriceTick)
	next.PostOnly = false
	next.Status = core.OrderPending
	next.ExecutedQty = decimal0
	next.AvgPrice = decimal0

	t.RetriesUsed++
	t.PriorClientIDs = append(t.PriorClientIDs, t.ClientOrderID)
	t.ClientOrderID = next.ClientID
	t.OrderID = ""
	t.LimitPrice = next.Price
	if q, ok := e.quotes.Get(t.Symbol); ok {
		t.SubmitBBO = q
	}
	t.Status = core.TicketPending
	t.UpdatedAt = e.now()
	e.tickets.Update(*t)
	log.Info().
		Str("client_order_id", t.ClientOrderID).
		Str("symbol", t.Symbol).
		Str("price", next.Price.String()).
		Int("retry", t.RetriesUsed).
		Msg("order_reprice")
	return next
}

// submit places the order. A timed-out or otherwise uncertain submission is
// cancelled by client id and queried once so a racing fill is not lost.
func (e *Engine) submit(ctx context.Context, t *core.OrderTicket, w *waiter, order core.Order) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	placed, err := e.exec.PlaceOrder(sctx, order)
	cancel()
	if err == nil {
		if placed.ClientID == "" {
			placed.ClientID = order.ClientID
		}
		e.accepted(t, w, placed)
		return "", nil
	}
	if !uncertainSubmit(err) {
		return submitFailureReason(err), err
	}

	log.Warn().Err(err).Str("client_order_id", order.ClientID).Str("symbol", order.Symbol).Msg("order_submit_uncertain")
	if cerr := e.cancelOrder(ctx, order.Symbol, "", order.ClientID); cerr != nil && !errors.Is(cerr, core.ErrOrderNotFound) {
		log.Warn().Err(cerr).Str("client_order_id", order.ClientID).Msg("order_submit_cancel_failed")
	}
	found, qerr := e.queryOrder(ctx, order.Symbol, "", order.ClientID)
	if qerr == nil && found.ExecutedQty.Sign() > 0 {
		e.accepted(t, w, found)
		return "", nil
	}
	switch {
	case ctx.Err() != nil:
		return core.ReasonShutdown, err
	case errors.Is(err, context.DeadlineExceeded):
		return core.ReasonSubmitTimeout, err
	}
	return core.ReasonExchangeError, err
}

func (e *Engine) accepted(t *core.OrderTicket, w *waiter, placed core.Order) {
	w.merge(placed)
	state := w.state()
	if state.ID != "" {
		e.mu.Lock()
		e.orderIDs[state.ID] = state.ClientID
		e.mu.Unlock()
	}
	now := e.now()
	t.OrderID = state.ID
	t.Status = core.TicketSubmitted
	t.SubmittedAt = now
	t.UpdatedAt = now
	e.tickets.Update(*t)
}

func uncertainSubmit(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, core.ErrTransient)
}

func submitFailureReason(err error) string {
	switch {
	case errors.Is(err, core.ErrInsufficientBalance):
		return core.ReasonInsufficientBalance
	case errors.Is(err, core.ErrOrderRejected):
		return core.ReasonRejected
	}
	return core.ReasonExchangeError
}

func (e *Engine) await(ctx context.Context, w *waiter, symbol string, ttl time.Duration) waitResult {
	expiry := time.NewTimer(ttl)
	defer expiry.Stop()
	poll := time.NewTicker(e.cfg.PollInterval)
	defer poll.Stop()
	for {
		if o := w.state(); o.Status.Terminal() {
			return waitResult{order: o}
		}
		select {
		case <-ctx.Done():
			return waitResult{order: w.state(), reason: core.ReasonShutdown}
		case <-w.cancelled:
			return waitResult{order: w.state(), reason: w.cancelReason()}
		case <-w.notify:
		case <-poll.C:
			if !e.streamHealthy() {
				e.refresh(ctx, w, symbol)
			}
		case <-expiry.C:
			e.refresh(ctx, w, symbol)
			return waitResult{order: w.state(), expired: true}
		}
	}
}

// settle cancels a live order and reads back its final state. ok is false
// when the cancel could not be confirmed.
func (e *Engine) settle(ctx context.Context, w *waiter, symbol string) (core.Order, bool) {
	o := w.state()
	err := e.cancelOrder(ctx, symbol, o.ID, o.ClientID)
	e.refresh(ctx, w, symbol)
	o = w.state()
	if o.Status.Terminal() {
		return o, true
	}
	if err != nil && !errors.Is(err, core.ErrOrderNotFound) {
		log.Warn().Err(err).Str("client_order_id", o.ClientID).Msg("order_cancel_failed")
		return o, false
	}
	o.Status = core.OrderCanceled
	return o, true
}

func (e *Engine) refresh(ctx context.Context, w *waiter, symbol string) {
	o := w.state()
	latest, err := e.queryOrder(ctx, symbol, o.ID, o.ClientID)
	if err != nil {
		log.Debug().Err(err).Str("client_order_id", o.ClientID).Msg("order_query_failed")
		return
	}
	w.merge(latest)
}

func (e *Engine) cancelOrder(ctx context.Context, symbol, orderID, clientID string) error {
	id := orderID
	if id == "" {
		id = clientID
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CancelTimeout)
	defer cancel()
	return e.exec.CancelOrder(cctx, symbol, id)
}

func (e *Engine) queryOrder(ctx context.Context, symbol, orderID, clientID string) (core.Order, error) {
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.QueryTimeout)
	defer cancel()
	return e.exec.QueryOrder(qctx, symbol, orderID, clientID)
}

func (e *Engine) streamHealthy() bool {
	return e.stream != nil && e.stream.Healthy()
}

// CancelTicket cancels the order behind an open ticket. A ticket managed by
// an in-flight Execute is cut short there; a restored ticket is settled here.
func (e *Engine) CancelTicket(ctx context.Context, clientID, reason string) error {
	e.mu.Lock()
	w := e.waiters[clientID]
	e.mu.Unlock()
	if w != nil {
		w.requestCancel(reason)
		return nil
	}
	t, ok := e.tickets.Get(clientID)
	if !ok {
		return core.ErrOrderNotFound
	}
	if err := e.cancelOrder(ctx, t.Symbol, t.OrderID, t.ClientOrderID); err != nil && !errors.Is(err, core.ErrOrderNotFound) {
		return err
	}
	o, err := e.queryOrder(ctx, t.Symbol, t.OrderID, t.ClientOrderID)
	if err != nil && !errors.Is(err, core.ErrOrderNotFound) {
		return err
	}
	e.settleTicket(t, o, reason)
	return nil
}

// OnOrderUpdate feeds a pushed order state into the matching lifecycle.
func (e *Engine) OnOrderUpdate(o core.Order) {
	e.mu.Lock()
	clientID := o.ClientID
	if clientID == "" {
		clientID = e.orderIDs[o.ID]
	}
	w := e.waiters[clientID]
	e.mu.Unlock()
	if w != nil {
		w.merge(o)
		return
	}
	if clientID == "" || !o.Status.Terminal() {
		return
	}
	if t, ok := e.tickets.Get(clientID); ok {
		e.settleTicket(t, o, core.ReasonExternalCancel)
	}
}

func (e *Engine) OnExecution(ev kraken.ExecutionEvent) {
	e.OnOrderUpdate(ev.Order())
}

// RunExecutions consumes the private executions feed until ctx is done or
// the feed closes.
func (e *Engine) RunExecutions(ctx context.Context, events <-chan kraken.ExecutionEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e.OnExecution(ev)
		}
	}
}

func (e *Engine) settleTicket(t core.OrderTicket, o core.Order, reason string) {
	e.applyFill(&t, o)
	switch {
	case o.Status == core.OrderFilled:
		e.finish(t, core.TicketFilled, "", nil)
	case t.FillQty.Sign() > 0:
		e.finish(t, core.TicketPartialAccepted, reason, nil)
	default:
		e.finish(t, core.TicketCancelled, reason, nil)
	}
}

func (e *Engine) applyFill(t *core.OrderTicket, o core.Order) {
	if o.ID != "" {
		t.OrderID = o.ID
	}
	if o.ExecutedQty.Sign() <= 0 {
		return
	}
	t.FillQty = o.ExecutedQty
	t.FillPrice = o.AvgPrice
	if t.FillPrice.Sign() <= 0 {
		t.FillPrice = o.Price
	}
}

func (e *Engine) finish(t core.OrderTicket, status core.TicketStatus, reason string, err error) core.OrderTicket {
	t.Status = status
	t.Reason = reason
	t.UpdatedAt = e.now()
	e.tickets.Finish(t)
	if t.FillQty.Sign() > 0 {
		e.recordSlippage(t)
	}

	var ev *zerolog.Event
	switch {
	case reason == core.ReasonLockBusy:
		ev = log.Debug()
	case status == core.TicketFailed && reason != core.ReasonStaleQuote:
		ev = log.Warn()
	default:
		ev = log.Info()
	}
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Str("client_order_id", t.ClientOrderID).
		Str("symbol", t.Symbol).
		Str("side", string(t.Side)).
		Str("mode", string(t.Mode)).
		Str("status", string(t.Status)).
		Str("reason", t.Reason).
		Str("fill_qty", t.FillQty.String()).
		Str("fill_price", t.FillPrice.String()).
		Int("retries_used", t.RetriesUsed).
		Msg("order_ticket_closed")
	return t
}

func (e *Engine) recordSlippage(t core.OrderTicket) {
	rec := ComputeSlippage(t)
	e.slippage.Add(rec)
	bpsMid, _ := rec.SlippageMidBps.Float64()
	telemetry.SlippageBps.WithLabelValues(string(rec.Mode), string(rec.Side)).Observe(bpsMid)

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.QueryTimeout)
	defer cancel()
	row := store.Row{Key: t.ClientOrderID, Time: rec.Time, Data: rec}
	if err := e.sink.Upsert(ctx, store.TableSlippage, []store.Row{row}); err != nil {
		log.Warn().Err(err).Str("client_order_id", t.ClientOrderID).Msg("slippage_sink_failed")
	}
}

func (e *Engine) alertImportant(event string, fields map[string]string) {
	if e.alerts == nil {
		return
	}
	e.alerts.Important(event, fields)
}

func (e *Engine) register(order core.Order) *waiter {
	w := newWaiter(order)
	e.mu.Lock()
	e.waiters[order.ClientID] = w
	e.mu.Unlock()
	return w
}

func (e *Engine) unregister(clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.waiters[clientID]; ok {
		if id := w.state().ID; id != "" {
			delete(e.orderIDs, id)
		}
		delete(e.waiters, clientID)
	}
}
