package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kraken-core/internal/exchange/kraken"
	"kraken-core/internal/marketdata"
	"kraken-core/internal/safety"
	"kraken-core/internal/store"
)

type fakeStream struct {
	runErr  error
	healthy atomic.Bool
	closed  atomic.Bool
	started chan struct{}
	once    sync.Once
}

func newFakeStream() *fakeStream {
	s := &fakeStream{started: make(chan struct{})}
	s.healthy.Store(true)
	return s
}

func (s *fakeStream) Run(ctx context.Context) error {
	s.once.Do(func() { close(s.started) })
	if s.runErr != nil {
		return s.runErr
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *fakeStream) Healthy() bool { return s.healthy.Load() }
func (s *fakeStream) Close()        { s.closed.Store(true) }

type fakePublic struct {
	*fakeStream
	tickers chan kraken.TickerEvent
	books   chan kraken.BookEvent
	trades  chan kraken.TradeEvent
}

func newFakePublic() *fakePublic {
	return &fakePublic{
		fakeStream: newFakeStream(),
		tickers:    make(chan kraken.TickerEvent, 8),
		books:      make(chan kraken.BookEvent, 8),
		trades:     make(chan kraken.TradeEvent, 8),
	}
}

func (p *fakePublic) Tickers() <-chan kraken.TickerEvent { return p.tickers }
func (p *fakePublic) Books() <-chan kraken.BookEvent     { return p.books }
func (p *fakePublic) Trades() <-chan kraken.TradeEvent   { return p.trades }

type fakePrivate struct {
	*fakeStream
	executions chan kraken.ExecutionEvent
	balances   chan kraken.BalanceEvent
}

func newFakePrivate() *fakePrivate {
	return &fakePrivate{
		fakeStream: newFakeStream(),
		executions: make(chan kraken.ExecutionEvent, 8),
		balances:   make(chan kraken.BalanceEvent, 8),
	}
}

func (p *fakePrivate) Executions() <-chan kraken.ExecutionEvent { return p.executions }
func (p *fakePrivate) Balances() <-chan kraken.BalanceEvent     { return p.balances }

type alertSpy struct {
	mu     sync.Mutex
	events []string
}

func (a *alertSpy) Important(event string, _ map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *alertSpy) count(event string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, ev := range a.events {
		if ev == event {
			n++
		}
	}
	return n
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	return st
}

func runInBackground(r *Runner, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("runner did not stop")
		return nil
	}
}

func TestRunnerShutdownClosesStreamsAndPersistsStopped(t *testing.T) {
	pub, priv := newFakePublic(), newFakePrivate()
	st := newTestStore(t)
	r := &Runner{
		Mode:       "live",
		InstanceID: "desk",
		Public:     pub,
		Private:    priv,
		Store:      st,
		Heartbeat:  10 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := runInBackground(r, ctx)
	<-pub.started
	<-priv.started
	cancel()
	require.NoError(t, waitDone(t, done))

	assert.True(t, pub.closed.Load())
	assert.True(t, priv.closed.Load())
	status, ok, err := st.LoadRuntimeStatus()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "stopped", status.State)
	assert.Equal(t, "desk", status.InstanceID)
	assert.Empty(t, status.LastError)
}

func TestRunnerTaskFailureStopsEverything(t *testing.T) {
	pub, priv := newFakePublic(), newFakePrivate()
	pub.runErr = errors.New("handshake rejected")
	alerts := &alertSpy{}
	st := newTestStore(t)
	r := &Runner{Public: pub, Private: priv, Store: st, Alerts: alerts}

	err := waitDone(t, runInBackground(r, context.Background()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "public_stream: handshake rejected")
	assert.True(t, priv.closed.Load())
	assert.Equal(t, 1, alerts.count("runner_task_failed"))
	assert.Equal(t, 1, alerts.count("runner_stopped"))

	status, ok, loadErr := st.LoadRuntimeStatus()
	require.NoError(t, loadErr)
	require.True(t, ok)
	assert.Equal(t, "stopped", status.State)
	assert.Contains(t, status.LastError, "handshake rejected")
}

func TestRunnerHeartbeatTracksStreamOutage(t *testing.T) {
	pub := newFakePublic()
	alerts := &alertSpy{}
	st := newTestStore(t)
	r := &Runner{Public: pub, Store: st, Heartbeat: 5 * time.Millisecond, Alerts: alerts}

	ctx, cancel := context.WithCancel(context.Background())
	done := runInBackground(r, ctx)
	<-pub.started

	pub.healthy.Store(false)
	require.Eventually(t, func() bool {
		status, ok, err := st.LoadRuntimeStatus()
		return err == nil && ok && status.State == "degraded" && status.DisconnectedAt != nil
	}, time.Second, 5*time.Millisecond)

	pub.healthy.Store(true)
	require.Eventually(t, func() bool { return alerts.count("stream_reconnected") == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, 1, alerts.count("stream_disconnected"))
}

func TestRouteExecutionsSkipsReplayedEvents(t *testing.T) {
	r := &Runner{}
	in := make(chan kraken.ExecutionEvent, 4)
	out := make(chan kraken.ExecutionEvent, 4)
	fill := kraken.ExecutionEvent{OrderID: "O1", ExecID: "E1", ExecType: "trade", CumQty: decimal.RequireFromString("0.1")}
	in <- fill
	in <- fill
	in <- kraken.ExecutionEvent{OrderID: "O1", ExecType: "canceled", OrderStatus: "canceled"}
	close(in)

	require.NoError(t, r.routeExecutions(context.Background(), in, out))

	var got []kraken.ExecutionEvent
	for ev := range out {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "E1", got[0].ExecID)
	assert.Equal(t, "canceled", got[1].ExecType)
}

func TestRunnerForwardsBalancesToReadings(t *testing.T) {
	priv := newFakePrivate()
	readings := NewReadings(nil, nil, "BTC/USD")
	r := &Runner{Private: priv, Readings: readings}

	ctx, cancel := context.WithCancel(context.Background())
	done := runInBackground(r, ctx)
	priv.balances <- kraken.BalanceEvent{Asset: "ZUSD", Balance: decimal.NewFromInt(250)}
	require.Eventually(t, func() bool {
		return readings.Equity().Equal(decimal.NewFromInt(250))
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitDone(t, done))
}

func TestReadingsValueBalancesAndReportQuote(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	quotes := marketdata.NewQuoteCacheWithClock(5*time.Second, func() time.Time { return now })
	require.NoError(t, quotes.Update("BTC/USD", decimal.NewFromInt(50000), decimal.NewFromInt(50010), now.Add(-2*time.Second)))

	risk := safety.NewManager(safety.RiskConfig{}, nil)
	risk.RecordOutcome(decimal.NewFromInt(-5))
	readings := NewReadings(quotes, risk, "BTC/USD")
	readings.now = func() time.Time { return now }
	readings.OnBalance(kraken.BalanceEvent{Asset: "ZUSD", Balance: decimal.NewFromInt(1000)})
	readings.OnBalance(kraken.BalanceEvent{Asset: "XXBT", Balance: decimal.RequireFromString("0.1")})
	readings.OnBalance(kraken.BalanceEvent{Asset: "DOT", Balance: decimal.NewFromInt(7)})

	r, err := readings.Reading(context.Background())
	require.NoError(t, err)
	assert.True(t, r.Equity.Equal(decimal.RequireFromString("6000.5")), r.Equity.String())
	assert.Equal(t, 1, r.LossStreak)
	assert.True(t, r.HasQuote)
	assert.Equal(t, 2*time.Second, r.QuoteAge)
	assert.Equal(t, "2.00", r.SpreadBps.StringFixed(2))

	readings.OnBalance(kraken.BalanceEvent{Asset: "XXBT", Balance: decimal.Zero})
	assert.True(t, readings.Equity().Equal(decimal.NewFromInt(1000)))
}

func TestReadingsWithoutQuoteReportsMissing(t *testing.T) {
	quotes := marketdata.NewQuoteCache(time.Second)
	r, err := NewReadings(quotes, nil, "ETH/USD").Reading(context.Background())
	require.NoError(t, err)
	assert.False(t, r.HasQuote)
	assert.True(t, r.Equity.IsZero())
}

func TestSeenTrackerEvictsOldestPastCapacity(t *testing.T) {
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	s := newSeenTracker(2, time.Hour)
	assert.False(t, s.Seen("a", now))
	assert.False(t, s.Seen("b", now))
	assert.True(t, s.Seen("a", now))
	assert.False(t, s.Seen("c", now))
	assert.False(t, s.Seen("a", now), "a should have been evicted for capacity")
	assert.False(t, s.Seen("", now))
}

func TestSeenTrackerExpiresByTTL(t *testing.T) {
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	s := newSeenTracker(10, time.Minute)
	assert.False(t, s.Seen("a", now))
	assert.True(t, s.Seen("a", now.Add(30*time.Second)))
	assert.False(t, s.Seen("a", now.Add(2*time.Minute)))
}
