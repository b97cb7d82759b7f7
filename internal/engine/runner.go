package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"kraken-core/internal/alert"
	"kraken-core/internal/exchange/kraken"
	"kraken-core/internal/execution"
	"kraken-core/internal/marketdata"
	"kraken-core/internal/safety"
	"kraken-core/internal/store"
)

const (
	executionSeenMaxEntries = 10000
	executionSeenTTL        = 24 * time.Hour
	defaultRiskInterval     = time.Second
)

// Stream is a long-lived socket that reconnects on its own until ctx ends.
type Stream interface {
	Run(ctx context.Context) error
	Healthy() bool
	Close()
}

type PublicFeed interface {
	Stream
	Tickers() <-chan kraken.TickerEvent
	Books() <-chan kraken.BookEvent
	Trades() <-chan kraken.TradeEvent
}

type PrivateFeed interface {
	Stream
	Executions() <-chan kraken.ExecutionEvent
	Balances() <-chan kraken.BalanceEvent
}

// Runner owns every background task of the process and the runtime status
// file. Private is nil in paper mode.
type Runner struct {
	Mode         string
	InstanceID   string
	Public       PublicFeed
	Private      PrivateFeed
	Market       *marketdata.Service
	Execution    *execution.Engine
	Repositioner *execution.Repositioner
	Risk         *safety.Manager
	Readings     *Readings
	RiskInterval time.Duration
	Breaker      *safety.Breaker
	Store        *store.Store
	Heartbeat    time.Duration
	Alerts       alert.Alerter

	mu             sync.Mutex
	startedAt      time.Time
	disconnectedAt time.Time
	lastErr        error
}

// Run starts the tasks and blocks until ctx is done or one of them fails.
// Shutdown cancels every task, waits for all of them and closes the sockets;
// the tiering service flushes both tiers on its way out.
func (r *Runner) Run(ctx context.Context) (runErr error) {
	r.mu.Lock()
	r.startedAt = time.Now().UTC()
	r.mu.Unlock()
	r.persistRuntimeStatus("starting")
	log.Info().Str("mode", r.Mode).Str("instance_id", r.InstanceID).Msg("runner_started")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		failOnce sync.Once
		failed   error
	)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn(ctx)
			if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
				log.Debug().Str("task", name).Msg("runner_task_stopped")
				return
			}
			log.Error().Err(err).Str("task", name).Msg("runner_task_failed")
			r.alertImportant("runner_task_failed", map[string]string{
				"task":   name,
				"reason": err.Error(),
			})
			failOnce.Do(func() {
				failed = fmt.Errorf("%s: %w", name, err)
			})
			cancel()
		}()
	}

	// Subscribe to every feed before the sockets start so nothing is missed.
	if r.Public != nil {
		feeds := marketdata.Feeds{
			Tickers: r.Public.Tickers(),
			Books:   r.Public.Books(),
			Trades:  r.Public.Trades(),
		}
		if r.Market != nil {
			start("market_data", func(ctx context.Context) error { return r.Market.Run(ctx, feeds) })
		}
		start("public_stream", r.Public.Run)
	}
	if r.Private != nil {
		executions := r.Private.Executions()
		balances := r.Private.Balances()
		routed := make(chan kraken.ExecutionEvent, cap(executions))
		start("execution_router", func(ctx context.Context) error { return r.routeExecutions(ctx, executions, routed) })
		if r.Execution != nil {
			start("executions", func(ctx context.Context) error { return r.Execution.RunExecutions(ctx, routed) })
		}
		start("balances", func(ctx context.Context) error { return r.routeBalances(ctx, balances) })
		start("private_stream", r.Private.Run)
	}
	if r.Risk != nil && r.Readings != nil {
		interval := r.RiskInterval
		if interval <= 0 {
			interval = defaultRiskInterval
		}
		start("risk", func(ctx context.Context) error { return r.Risk.Run(ctx, r.Readings, interval) })
	}
	if r.Repositioner != nil {
		start("repositioner", r.Repositioner.Run)
	}
	if r.Heartbeat > 0 {
		start("heartbeat", r.heartbeat)
	}

	r.persistRuntimeStatus("running")
	wg.Wait()

	if r.Public != nil {
		r.Public.Close()
	}
	if r.Private != nil {
		r.Private.Close()
	}

	runErr = failed
	r.mu.Lock()
	r.lastErr = runErr
	r.mu.Unlock()
	r.persistRuntimeStatus("stopped")
	if runErr != nil {
		r.alertImportant("runner_stopped", map[string]string{"reason": runErr.Error()})
		return runErr
	}
	log.Info().Msg("runner_stopped")
	return nil
}

// routeExecutions drops events already delivered, which the executions
// snapshot replays after every reconnect.
func (r *Runner) routeExecutions(ctx context.Context, in <-chan kraken.ExecutionEvent, out chan<- kraken.ExecutionEvent) error {
	defer close(out)
	seen := newSeenTracker(executionSeenMaxEntries, executionSeenTTL)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			if seen.Seen(executionKey(ev), time.Now().UTC()) {
				log.Debug().Str("order_id", ev.OrderID).Str("exec_type", ev.ExecType).Msg("execution_duplicate_skipped")
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (r *Runner) routeBalances(ctx context.Context, in <-chan kraken.BalanceEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			if r.Readings != nil {
				r.Readings.OnBalance(ev)
			}
		}
	}
}

func (r *Runner) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(r.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.checkStreams()
			state := "running"
			if !r.healthy() {
				state = "degraded"
			}
			r.persistRuntimeStatus(state)
		}
	}
}

// checkStreams alerts once when the sockets go down and once when they are
// back, with the outage length.
func (r *Runner) checkStreams() {
	healthy := r.streamsHealthy()
	now := time.Now().UTC()
	r.mu.Lock()
	down := r.disconnectedAt
	switch {
	case !healthy && down.IsZero():
		r.disconnectedAt = now
	case healthy && !down.IsZero():
		r.disconnectedAt = time.Time{}
	}
	r.mu.Unlock()

	switch {
	case !healthy && down.IsZero():
		log.Warn().Msg("stream_disconnected")
		r.alertImportant("stream_disconnected", nil)
	case healthy && !down.IsZero():
		outage := now.Sub(down).Round(time.Second)
		log.Info().Dur("down_duration", outage).Msg("stream_reconnected")
		r.alertImportant("stream_reconnected", map[string]string{"down_duration": outage.String()})
	}
}

func (r *Runner) streamsHealthy() bool {
	if r.Public != nil && !r.Public.Healthy() {
		return false
	}
	if r.Private != nil && !r.Private.Healthy() {
		return false
	}
	return true
}

func (r *Runner) healthy() bool {
	return r.streamsHealthy() && len(r.Breaker.Open()) == 0
}

func (r *Runner) alertImportant(event string, fields map[string]string) {
	if r.Alerts == nil {
		return
	}
	r.Alerts.Important(event, fields)
}

func (r *Runner) runtimeStatus(state string) store.RuntimeStatus {
	mode := r.Mode
	if mode == "" {
		mode = "paper"
	}
	instanceID := r.InstanceID
	if instanceID == "" {
		instanceID = "default"
	}
	r.mu.Lock()
	status := store.RuntimeStatus{
		Mode:       mode,
		InstanceID: instanceID,
		PID:        os.Getpid(),
		State:      state,
		StartedAt:  r.startedAt,
	}
	if !r.disconnectedAt.IsZero() {
		t := r.disconnectedAt
		status.DisconnectedAt = &t
	}
	if r.lastErr != nil {
		status.LastError = r.lastErr.Error()
	}
	r.mu.Unlock()

	status.PublicHealthy = r.Public != nil && r.Public.Healthy()
	status.PrivateHealthy = r.Private != nil && r.Private.Healthy()
	if r.Market != nil {
		status.FocusSymbols = len(r.Market.Focus())
		status.ScoutSymbols = len(r.Market.Scout())
	}
	if r.Execution != nil {
		status.OpenTickets = len(r.Execution.OpenTickets())
	}
	if r.Risk != nil {
		for _, b := range r.Risk.Active() {
			status.ActiveBreakers = append(status.ActiveBreakers, b.Name)
		}
	}
	for _, a := range r.Breaker.Open() {
		status.ActiveBreakers = append(status.ActiveBreakers, "action_"+string(a))
	}
	sort.Strings(status.ActiveBreakers)
	return status
}

func (r *Runner) persistRuntimeStatus(state string) {
	if r.Store == nil {
		return
	}
	if err := r.Store.SaveRuntimeStatus(r.runtimeStatus(state)); err != nil {
		log.Warn().Err(err).Msg("runtime_status_write_failed")
	}
}

// executionKey identifies one execution report. Reports without an exec id
// are keyed by the order state they carry.
func executionKey(ev kraken.ExecutionEvent) string {
	if ev.OrderID == "" && ev.ClientOrderID == "" {
		return ""
	}
	if ev.ExecID != "" {
		return "exec:" + ev.ExecID
	}
	return "order:" + ev.OrderID + "|cl:" + ev.ClientOrderID + "|type:" + ev.ExecType +
		"|status:" + ev.OrderStatus + "|cum:" + ev.CumQty.String()
}

type seenTracker struct {
	items map[string]time.Time
	queue []seenEntry
	max   int
	ttl   time.Duration
}

type seenEntry struct {
	key string
	at  time.Time
}

func newSeenTracker(max int, ttl time.Duration) *seenTracker {
	if max < 1 {
		max = 1
	}
	if ttl <= 0 {
		ttl = executionSeenTTL
	}
	return &seenTracker{
		items: make(map[string]time.Time, max),
		max:   max,
		ttl:   ttl,
	}
}

// Seen records key and reports whether it was already present.
func (s *seenTracker) Seen(key string, now time.Time) bool {
	if s == nil || key == "" {
		return false
	}
	s.prune(now)
	if _, ok := s.items[key]; ok {
		return true
	}
	s.items[key] = now
	s.queue = append(s.queue, seenEntry{key: key, at: now})
	s.prune(now)
	return false
}

func (s *seenTracker) prune(now time.Time) {
	expireBefore := now.Add(-s.ttl)
	for len(s.queue) > 0 {
		head := s.queue[0]
		ts, ok := s.items[head.key]
		if !ok || !ts.Equal(head.at) {
			s.queue = s.queue[1:]
			continue
		}
		if ts.Before(expireBefore) || len(s.items) > s.max {
			delete(s.items, head.key)
			s.queue = s.queue[1:]
			continue
		}
		break
	}
}
