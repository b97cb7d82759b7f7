package marketdata

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kraken-core/internal/core"
	"kraken-core/internal/exchange/kraken"
	"kraken-core/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type subCall struct {
	unsubscribe bool
	channel     string
	symbols     []string
}

type fakeSubscriber struct {
	mu    sync.Mutex
	calls []subCall
}

func (f *fakeSubscriber) Subscribe(channel string, symbols []string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, subCall{channel: channel, symbols: append([]string(nil), symbols...)})
	return nil
}

func (f *fakeSubscriber) Unsubscribe(channel string, symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, subCall{unsubscribe: true, channel: channel, symbols: append([]string(nil), symbols...)})
	return nil
}

func (f *fakeSubscriber) take() []subCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.calls
	f.calls = nil
	return out
}

type memorySink struct {
	mu   sync.Mutex
	rows map[string][]store.Row
}

func (m *memorySink) Upsert(_ context.Context, table string, rows []store.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows == nil {
		m.rows = make(map[string][]store.Row)
	}
	m.rows[table] = append(m.rows[table], rows...)
	return nil
}

var testCatalog = []core.CatalogEntry{
	{Symbol: "BTC/USD", Quote: "USD", Status: "online"},
	{Symbol: "SOL/USD", Quote: "USD", Status: "online"},
	{Symbol: "ETH/EUR", Quote: "EUR", Status: "online"},
	{Symbol: "ADA/USDT", Quote: "USDT", Status: "cancel_only"},
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(t *testing.T) (*Service, *fakeSubscriber, *memorySink, *clock, *QuoteCache) {
	t.Helper()
	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	sub := &fakeSubscriber{}
	sink := &memorySink{}
	quotes := NewQuoteCacheWithClock(5*time.Second, clk.now)
	svc := New(Config{CoreSymbols: []string{"XBT/USD"}}, sub, sink, quotes)
	svc.now = clk.now
	require.NoError(t, svc.Bootstrap(testCatalog))
	return svc, sub, sink, clk, quotes
}

func ticker(symbol, bid, ask, volume string) kraken.TickerEvent {
	return kraken.TickerEvent{Symbol: symbol, Bid: d(bid), Ask: d(ask), Last: d(bid), Volume: d(volume)}
}

func TestQuoteCacheRejectsCrossedAndExpiresOld(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	cache := NewQuoteCacheWithClock(5*time.Second, clk.now)

	require.ErrorIs(t, cache.Update("BTC/USD", d("101"), d("100"), clk.now()), core.ErrCrossedQuote)
	require.ErrorIs(t, cache.Update("BTC/USD", d("0"), d("100"), clk.now()), core.ErrInvalidQuote)
	_, ok := cache.Get("BTC/USD")
	assert.False(t, ok)

	require.NoError(t, cache.Update("BTC/USD", d("50000"), d("50100"), clk.now()))
	q, ok := cache.Get("BTC/USD")
	require.True(t, ok)
	assert.True(t, q.Mid.Equal(d("50050")))
	assert.True(t, q.SpreadPct.Equal(d("0.002")))

	// An older update must not replace the newer quote.
	require.NoError(t, cache.Update("BTC/USD", d("1"), d("2"), clk.now().Add(-time.Second)))
	q, _ = cache.Get("BTC/USD")
	assert.True(t, q.Bid.Equal(d("50000")))

	clk.advance(6 * time.Second)
	_, ok = cache.Get("BTC/USD")
	assert.False(t, ok, "quote older than max age must read as absent")
	age, ok := cache.Age("BTC/USD")
	require.True(t, ok)
	assert.Equal(t, 6*time.Second, age)
}

func TestUniverseFiltersQuoteAssetAndStatus(t *testing.T) {
	got := Universe(testCatalog, []string{"USD", "USDT"})
	assert.Equal(t, []string{"BTC/USD", "SOL/USD"}, got)
}

func TestBootstrapSubscribesTiers(t *testing.T) {
	svc, sub, _, _, _ := newTestService(t)
	assert.Equal(t, []string{"BTC/USD"}, svc.Focus())
	assert.Equal(t, []string{"SOL/USD"}, svc.Scout())

	calls := sub.take()
	require.Len(t, calls, 3)
	assert.Equal(t, kraken.ChannelTicker, calls[0].channel)
	assert.ElementsMatch(t, []string{"BTC/USD", "SOL/USD"}, calls[0].symbols)
	assert.Equal(t, subCall{channel: kraken.ChannelBook, symbols: []string{"BTC/USD"}}, calls[1])
	assert.Equal(t, subCall{channel: kraken.ChannelTrade, symbols: []string{"BTC/USD"}}, calls[2])
}

func TestPromotionAndDemotion(t *testing.T) {
	svc, sub, _, clk, _ := newTestService(t)
	sub.take()

	svc.OnTicker(ticker("SOL/USD", "100", "100.1", "100"))
	svc.SampleBaselines()
	clk.advance(56 * time.Minute)
	svc.OnTicker(ticker("SOL/USD", "100", "100.1", "100"))
	svc.SampleBaselines()
	clk.advance(5 * time.Minute)
	svc.OnTicker(ticker("SOL/USD", "101", "101.1", "250"))
	svc.SampleBaselines()

	snap, ok := svc.Snapshot("SOL/USD")
	require.True(t, ok)
	assert.True(t, snap.PrevVolume1h.Equal(d("100")), "prev_volume_1h = %s", snap.PrevVolume1h)
	assert.True(t, snap.PrevMid5m.Equal(d("100.05")), "prev_mid_5m = %s", snap.PrevMid5m)
	score, _ := svc.Score("SOL/USD")
	assert.Equal(t, 4, score)

	promoted, demoted := svc.EvaluatePromotions()
	assert.Equal(t, []string{"SOL/USD"}, promoted)
	assert.Empty(t, demoted)
	assert.Equal(t, []string{"BTC/USD", "SOL/USD"}, svc.Focus())
	calls := sub.take()
	require.Len(t, calls, 2)
	assert.Equal(t, kraken.ChannelBook, calls[0].channel)
	assert.Equal(t, kraken.ChannelTrade, calls[1].channel)

	// Idle but inside the cooldown: stays in focus.
	clk.advance(2 * time.Minute)
	_, demoted = svc.EvaluatePromotions()
	assert.Empty(t, demoted)
	assert.Contains(t, svc.Focus(), "SOL/USD")

	// Fresh data resets idleness even after the cooldown.
	clk.advance(9 * time.Minute)
	svc.OnTicker(ticker("SOL/USD", "101", "101.1", "250"))
	_, demoted = svc.EvaluatePromotions()
	assert.Empty(t, demoted)

	clk.advance(61 * time.Second)
	_, demoted = svc.EvaluatePromotions()
	assert.Equal(t, []string{"SOL/USD"}, demoted)
	assert.Equal(t, []string{"BTC/USD"}, svc.Focus(), "core symbol must never be demoted")
	calls = sub.take()
	require.Len(t, calls, 2)
	assert.True(t, calls[0].unsubscribe && calls[0].channel == kraken.ChannelBook)
	assert.True(t, calls[1].unsubscribe && calls[1].channel == kraken.ChannelTrade)
}

func TestCoreSymbolNeverDemoted(t *testing.T) {
	svc, _, _, clk, _ := newTestService(t)
	for i := 0; i < 5; i++ {
		clk.advance(time.Hour)
		_, demoted := svc.EvaluatePromotions()
		assert.NotContains(t, demoted, "BTC/USD")
	}
	tier, ok := svc.Tier("BTC/USD")
	require.True(t, ok)
	assert.Equal(t, TierFocus, tier)
}

func TestFlushWritesOnlyChangedRowsOfTier(t *testing.T) {
	svc, _, sink, _, quotes := newTestService(t)
	svc.OnTicker(ticker("BTC/USD", "50000", "50100", "1000"))
	svc.OnTicker(ticker("SOL/USD", "100", "100.1", "100"))
	svc.OnTrade(kraken.TradeEvent{Symbol: "BTC/USD", Side: core.Buy, Price: d("50050"), Qty: d("0.5")})
	svc.OnTrade(kraken.TradeEvent{Symbol: "SOL/USD", Side: core.Buy, Price: d("100"), Qty: d("1")})

	n, err := svc.Flush(context.Background(), TierFocus)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = svc.Flush(context.Background(), TierFocus)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = svc.Flush(context.Background(), TierScout)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, sink.rows[store.TableTickerFocus], 1)
	focusRow := sink.rows[store.TableTickerFocus][0].Data.(TickerSnapshot)
	assert.Equal(t, int64(1), focusRow.TradeCount)
	assert.True(t, focusRow.Mid.Equal(d("50050")))
	scoutRow := sink.rows[store.TableTickerScout][0].Data.(TickerSnapshot)
	assert.Equal(t, int64(0), scoutRow.TradeCount, "scout symbols take no trade data")

	q, ok := quotes.Get("BTC/USD")
	require.True(t, ok)
	assert.True(t, q.Ask.Equal(d("50100")))
}

func TestBookUpdatesQuoteCache(t *testing.T) {
	svc, _, _, _, quotes := newTestService(t)
	svc.OnBook(kraken.BookEvent{
		Symbol:   "BTC/USD",
		Snapshot: true,
		Bids:     []kraken.BookLevel{{Price: d("49990"), Qty: d("1")}, {Price: d("50000"), Qty: d("2")}},
		Asks:     []kraken.BookLevel{{Price: d("50010"), Qty: d("1")}, {Price: d("50020"), Qty: d("3")}},
	})
	svc.OnBook(kraken.BookEvent{
		Symbol: "BTC/USD",
		Asks:   []kraken.BookLevel{{Price: d("50010"), Qty: d("0")}},
	})
	q, ok := quotes.Get("BTC/USD")
	require.True(t, ok)
	assert.True(t, q.Bid.Equal(d("50000")))
	assert.True(t, q.Ask.Equal(d("50020")))

	snap, _ := svc.Snapshot("BTC/USD")
	assert.True(t, snap.BookBidQty.Equal(d("3")))
	assert.True(t, snap.BookAskQty.Equal(d("3")))
}

func TestIsStale(t *testing.T) {
	svc, _, _, clk, _ := newTestService(t)
	assert.True(t, svc.IsStale("BTC/USD"), "no data yet")
	assert.True(t, svc.IsStale("UNKNOWN/USD"))
	svc.OnTicker(ticker("BTC/USD", "50000", "50100", "1"))
	assert.False(t, svc.IsStale("BTC/USD"))
	clk.advance(31 * time.Second)
	assert.True(t, svc.IsStale("BTC/USD"))
}

func TestRunRoutesFeedsAndFlushesOnExit(t *testing.T) {
	clk := &clock{t: time.Now()}
	sink := &memorySink{}
	svc := New(Config{CoreSymbols: []string{"BTC/USD"}, FocusFlush: time.Hour, ScoutFlush: time.Hour}, nil, sink, nil)
	svc.now = clk.now
	require.NoError(t, svc.Bootstrap(testCatalog))

	tickers := make(chan kraken.TickerEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx, Feeds{Tickers: tickers}) }()
	tickers <- ticker("BTC/USD", "50000", "50100", "1")
	require.Eventually(t, func() bool {
		snap, _ := svc.Snapshot("BTC/USD")
		return snap.Bid.Equal(d("50000"))
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.rows[store.TableTickerFocus], 1)
}
