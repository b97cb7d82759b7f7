package marketdata

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"kraken-core/internal/core"
	"kraken-core/internal/exchange/kraken"
	"kraken-core/internal/store"
	"kraken-core/internal/telemetry"
)

type Tier string

const (
	TierFocus Tier = "focus"
	TierScout Tier = "scout"
)

const (
	subscribeChunk     = 50
	baselineRetention  = 65 * time.Minute
	volumeBaselineAge  = time.Hour
	moveBaselineAge    = 5 * time.Minute
	finalFlushDeadline = 5 * time.Second
)

var bpsFactor = decimal.NewFromInt(10000)

type Config struct {
	CoreSymbols      []string
	QuoteAssets      []string
	FocusFlush       time.Duration
	ScoutFlush       time.Duration
	PromoteInterval  time.Duration
	BaselineInterval time.Duration
	// StaleAfter is the per-symbol data age past which IsStale reports true.
	StaleAfter      time.Duration
	DemoteIdle      time.Duration
	DemoteCooldown  time.Duration
	MaxPromoted     int
	VolumeRatio     decimal.Decimal
	MoveThreshold   decimal.Decimal
	SpreadThreshold decimal.Decimal
	PromoteScore    int
	BookDepth       int
}

func (c Config) withDefaults() Config {
	if c.FocusFlush <= 0 {
		c.FocusFlush = 500 * time.Millisecond
	}
	if c.ScoutFlush <= 0 {
		c.ScoutFlush = 10 * time.Second
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = 30 * time.Second
	}
	if c.BaselineInterval <= 0 {
		c.BaselineInterval = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Second
	}
	if c.DemoteIdle <= 0 {
		c.DemoteIdle = 60 * time.Second
	}
	if c.DemoteCooldown <= 0 {
		c.DemoteCooldown = 10 * time.Minute
	}
	if c.MaxPromoted <= 0 {
		c.MaxPromoted = 10
	}
	if c.VolumeRatio.Sign() <= 0 {
		c.VolumeRatio = decimal.NewFromInt(2)
	}
	if c.MoveThreshold.Sign() <= 0 {
		c.MoveThreshold = decimal.RequireFromString("0.005")
	}
	if c.SpreadThreshold.Sign() <= 0 {
		c.SpreadThreshold = decimal.RequireFromString("0.002")
	}
	if c.PromoteScore <= 0 {
		c.PromoteScore = 3
	}
	if c.BookDepth <= 0 {
		c.BookDepth = 10
	}
	if len(c.QuoteAssets) == 0 {
		c.QuoteAssets = []string{"USD", "USDT", "USDC", "DAI"}
	}
	return c
}

// TickerSnapshot is the buffered view of one symbol. Flushed copies are
// never modified.
type TickerSnapshot struct {
	Symbol         string          `json:"symbol"`
	Tier           Tier            `json:"tier"`
	Bid            decimal.Decimal `json:"bid"`
	Ask            decimal.Decimal `json:"ask"`
	Mid            decimal.Decimal `json:"mid"`
	Last           decimal.Decimal `json:"last"`
	Volume24h      decimal.Decimal `json:"volume_24h"`
	Change24h      decimal.Decimal `json:"change_24h"`
	ChangePct24h   decimal.Decimal `json:"change_pct_24h"`
	SpreadBps      decimal.Decimal `json:"spread_bps"`
	BookBidQty     decimal.Decimal `json:"book_bid_qty"`
	BookAskQty     decimal.Decimal `json:"book_ask_qty"`
	LastTradePrice decimal.Decimal `json:"last_trade_price"`
	LastTradeSide  core.Side       `json:"last_trade_side,omitempty"`
	TradeCount     int64           `json:"trade_count"`
	TradeVolume    decimal.Decimal `json:"trade_volume"`
	PrevVolume1h   decimal.Decimal `json:"prev_volume_1h"`
	PrevMid5m      decimal.Decimal `json:"prev_mid_5m"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type baselineSample struct {
	at     time.Time
	volume decimal.Decimal
	mid    decimal.Decimal
}

type symbolState struct {
	snap       TickerSnapshot
	core       bool
	promotedAt time.Time
	book       *book
	history    []baselineSample
	dirty      bool
}

// Subscriber is the public stream surface the service drives.
type Subscriber interface {
	Subscribe(channel string, symbols []string, options map[string]any) error
	Unsubscribe(channel string, symbols []string) error
}

// Service keeps the focus and scout buffers, flushes each on its own
// cadence, and moves symbols between the tiers.
type Service struct {
	cfg    Config
	sub    Subscriber
	sink   store.Sink
	quotes *QuoteCache
	now    func() time.Time

	mu      sync.Mutex
	symbols map[string]*symbolState
}

func New(cfg Config, sub Subscriber, sink store.Sink, quotes *QuoteCache) *Service {
	if sink == nil {
		sink = store.Discard{}
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		sub:     sub,
		sink:    sink,
		quotes:  quotes,
		now:     time.Now,
		symbols: make(map[string]*symbolState),
	}
}

// Universe filters the catalog to online pairs quoted in a configured asset.
func Universe(entries []core.CatalogEntry, quoteAssets []string) []string {
	allowed := make(map[string]bool, len(quoteAssets))
	for _, q := range quoteAssets {
		allowed[strings.ToUpper(q)] = true
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Tradable() && allowed[e.Quote] {
			out = append(out, e.Symbol)
		}
	}
	sort.Strings(out)
	return out
}

// Bootstrap seeds the buffers and issues the initial subscriptions: ticker
// for every symbol, book and trade for the core set.
func (s *Service) Bootstrap(entries []core.CatalogEntry) error {
	universe := Universe(entries, s.cfg.QuoteAssets)
	coreSet := make(map[string]bool, len(s.cfg.CoreSymbols))
	for _, symbol := range s.cfg.CoreSymbols {
		coreSet[kraken.NormalizeSymbol(symbol)] = true
	}

	s.mu.Lock()
	all := make([]string, 0, len(universe)+len(coreSet))
	for _, symbol := range universe {
		s.ensureLocked(symbol, coreSet[symbol])
		all = append(all, symbol)
	}
	focus := make([]string, 0, len(coreSet))
	for symbol := range coreSet {
		if _, ok := s.symbols[symbol]; !ok {
			s.ensureLocked(symbol, true)
			all = append(all, symbol)
		}
		focus = append(focus, symbol)
	}
	s.updateGaugesLocked()
	s.mu.Unlock()
	sort.Strings(focus)

	log.Info().Int("universe", len(all)).Int("focus", len(focus)).Msg("tiering_bootstrap")
	if s.sub == nil {
		return nil
	}
	for _, chunk := range chunks(all, subscribeChunk) {
		if err := s.sub.Subscribe(kraken.ChannelTicker, chunk, nil); err != nil {
			return err
		}
	}
	return s.subscribeFocus(focus)
}

func (s *Service) ensureLocked(symbol string, isCore bool) *symbolState {
	st, ok := s.symbols[symbol]
	if !ok {
		st = &symbolState{snap: TickerSnapshot{Symbol: symbol, Tier: TierScout}}
		s.symbols[symbol] = st
	}
	if isCore {
		st.core = true
		st.snap.Tier = TierFocus
		if st.book == nil {
			st.book = newBook()
		}
	}
	return st
}

func (s *Service) subscribeFocus(symbols []string) error {
	if len(symbols) == 0 || s.sub == nil {
		return nil
	}
	if err := s.sub.Subscribe(kraken.ChannelBook, symbols, map[string]any{"depth": s.cfg.BookDepth}); err != nil {
		return err
	}
	return s.sub.Subscribe(kraken.ChannelTrade, symbols, nil)
}

func (s *Service) unsubscribeFocus(symbols []string) error {
	if len(symbols) == 0 || s.sub == nil {
		return nil
	}
	if err := s.sub.Unsubscribe(kraken.ChannelBook, symbols); err != nil {
		return err
	}
	return s.sub.Unsubscribe(kraken.ChannelTrade, symbols)
}

// OnTicker updates one symbol's buffer. No I/O happens here.
func (s *Service) OnTicker(ev kraken.TickerEvent) {
	now := s.now()
	s.mu.Lock()
	st, ok := s.symbols[ev.Symbol]
	if !ok {
		s.mu.Unlock()
		return
	}
	snap := &st.snap
	snap.Bid, snap.Ask = ev.Bid, ev.Ask
	if ev.Bid.IsPositive() && ev.Ask.IsPositive() {
		snap.Mid = ev.Bid.Add(ev.Ask).Div(decimal.NewFromInt(2))
		snap.SpreadBps = ev.Ask.Sub(ev.Bid).Div(snap.Mid).Mul(bpsFactor)
	}
	snap.Last = ev.Last
	snap.Volume24h = ev.Volume
	snap.Change24h = ev.Change
	snap.ChangePct24h = ev.ChangePct
	snap.UpdatedAt = now
	st.dirty = true
	s.mu.Unlock()

	if s.quotes != nil {
		if err := s.quotes.Update(ev.Symbol, ev.Bid, ev.Ask, now); err != nil {
			log.Debug().Err(err).Str("symbol", ev.Symbol).Msg("quote_rejected")
		}
	}
}

func (s *Service) OnBook(ev kraken.BookEvent) {
	now := s.now()
	s.mu.Lock()
	st, ok := s.symbols[ev.Symbol]
	if !ok || st.snap.Tier != TierFocus {
		s.mu.Unlock()
		return
	}
	if st.book == nil {
		st.book = newBook()
	}
	st.book.apply(ev)
	bid, ask, haveTop := st.book.best()
	st.snap.BookBidQty, st.snap.BookAskQty = st.book.depth()
	st.snap.UpdatedAt = now
	st.dirty = true
	s.mu.Unlock()

	if haveTop && s.quotes != nil {
		if err := s.quotes.Update(ev.Symbol, bid.price, ask.price, now); err != nil {
			log.Debug().Err(err).Str("symbol", ev.Symbol).Msg("quote_rejected")
		}
	}
}

func (s *Service) OnTrade(ev kraken.TradeEvent) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.symbols[ev.Symbol]
	if !ok || st.snap.Tier != TierFocus {
		return
	}
	st.snap.LastTradePrice = ev.Price
	st.snap.LastTradeSide = ev.Side
	st.snap.TradeCount++
	st.snap.TradeVolume = st.snap.TradeVolume.Add(ev.Qty)
	st.snap.UpdatedAt = now
	st.dirty = true
}

// Flush writes every changed snapshot of tier to the sink and returns how
// many rows were written.
func (s *Service) Flush(ctx context.Context, tier Tier) (int, error) {
	s.mu.Lock()
	rows := make([]store.Row, 0)
	for symbol, st := range s.symbols {
		if st.snap.Tier != tier || !st.dirty {
			continue
		}
		rows = append(rows, store.Row{Key: symbol, Time: st.snap.UpdatedAt, Data: st.snap})
		st.dirty = false
		if tier == TierFocus {
			st.snap.TradeCount = 0
			st.snap.TradeVolume = decimal.Zero
		}
	}
	s.mu.Unlock()
	if len(rows) == 0 {
		return 0, nil
	}
	table := store.TableTickerScout
	if tier == TierFocus {
		table = store.TableTickerFocus
	}
	if err := s.sink.Upsert(ctx, table, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// SampleBaselines records one volume/mid sample per symbol for promotion
// scoring.
func (s *Service) SampleBaselines() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-baselineRetention)
	for _, st := range s.symbols {
		if st.snap.UpdatedAt.IsZero() {
			continue
		}
		st.history = append(st.history, baselineSample{at: now, volume: st.snap.Volume24h, mid: st.snap.Mid})
		drop := 0
		for drop < len(st.history) && st.history[drop].at.Before(cutoff) {
			drop++
		}
		st.history = st.history[drop:]
		st.snap.PrevVolume1h = baselineAt(st.history, now.Add(-volumeBaselineAge)).volume
		st.snap.PrevMid5m = baselineAt(st.history, now.Add(-moveBaselineAge)).mid
	}
}

// baselineAt returns the newest sample taken at or before target.
func baselineAt(history []baselineSample, target time.Time) baselineSample {
	for i := len(history) - 1; i >= 0; i-- {
		if !history[i].at.After(target) {
			return history[i]
		}
	}
	return baselineSample{}
}

func (s *Service) scoreLocked(st *symbolState) int {
	snap := st.snap
	score := 0
	if snap.PrevVolume1h.IsPositive() && snap.Volume24h.GreaterThan(snap.PrevVolume1h.Mul(s.cfg.VolumeRatio)) {
		score += 2
	}
	if snap.PrevMid5m.IsPositive() && snap.Mid.IsPositive() &&
		snap.Mid.Sub(snap.PrevMid5m).Abs().Div(snap.PrevMid5m).GreaterThan(s.cfg.MoveThreshold) {
		score++
	}
	if snap.Mid.IsPositive() && snap.SpreadBps.LessThan(s.cfg.SpreadThreshold.Mul(bpsFactor)) {
		score++
	}
	return score
}

func (s *Service) Score(symbol string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.symbols[symbol]
	if !ok {
		return 0, false
	}
	return s.scoreLocked(st), true
}

// EvaluatePromotions moves qualifying scout symbols to focus and idle
// promoted symbols back to scout. Core symbols are never demoted.
func (s *Service) EvaluatePromotions() (promoted, demoted []string) {
	now := s.now()
	s.mu.Lock()
	type candidate struct {
		symbol string
		score  int
	}
	var candidates []candidate
	promotedCount := 0
	for symbol, st := range s.symbols {
		switch st.snap.Tier {
		case TierFocus:
			if st.core {
				continue
			}
			idle := now.Sub(st.snap.UpdatedAt) > s.cfg.DemoteIdle
			served := now.Sub(st.promotedAt) > s.cfg.DemoteCooldown
			if idle && served {
				st.snap.Tier = TierScout
				st.book = nil
				st.promotedAt = time.Time{}
				demoted = append(demoted, symbol)
				continue
			}
			promotedCount++
		case TierScout:
			if score := s.scoreLocked(st); score >= s.cfg.PromoteScore {
				candidates = append(candidates, candidate{symbol: symbol, score: score})
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].symbol < candidates[j].symbol
	})
	for _, c := range candidates {
		if promotedCount >= s.cfg.MaxPromoted {
			break
		}
		st := s.symbols[c.symbol]
		st.snap.Tier = TierFocus
		st.promotedAt = now
		st.book = newBook()
		promoted = append(promoted, c.symbol)
		promotedCount++
	}
	s.updateGaugesLocked()
	s.mu.Unlock()

	sort.Strings(promoted)
	sort.Strings(demoted)
	if len(promoted) > 0 {
		telemetry.TierTransitions.WithLabelValues("promote").Add(float64(len(promoted)))
		log.Info().Strs("symbols", promoted).Msg("tier_promoted")
		if err := s.subscribeFocus(promoted); err != nil {
			log.Warn().Err(err).Strs("symbols", promoted).Msg("tier_subscribe_failed")
		}
	}
	if len(demoted) > 0 {
		telemetry.TierTransitions.WithLabelValues("demote").Add(float64(len(demoted)))
		log.Info().Strs("symbols", demoted).Msg("tier_demoted")
		if err := s.unsubscribeFocus(demoted); err != nil {
			log.Warn().Err(err).Strs("symbols", demoted).Msg("tier_unsubscribe_failed")
		}
	}
	return promoted, demoted
}

func (s *Service) updateGaugesLocked() {
	focus, scout := 0, 0
	for _, st := range s.symbols {
		if st.snap.Tier == TierFocus {
			focus++
		} else {
			scout++
		}
	}
	telemetry.TierSymbols.WithLabelValues(string(TierFocus)).Set(float64(focus))
	telemetry.TierSymbols.WithLabelValues(string(TierScout)).Set(float64(scout))
}

// IsStale reports whether symbol has no data newer than StaleAfter.
func (s *Service) IsStale(symbol string) bool {
	s.mu.Lock()
	st, ok := s.symbols[symbol]
	var updated time.Time
	if ok {
		updated = st.snap.UpdatedAt
	}
	s.mu.Unlock()
	if !ok || updated.IsZero() {
		return true
	}
	return s.now().Sub(updated) > s.cfg.StaleAfter
}

func (s *Service) Snapshot(symbol string) (TickerSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.symbols[symbol]
	if !ok {
		return TickerSnapshot{}, false
	}
	return st.snap, true
}

func (s *Service) Tier(symbol string) (Tier, bool) {
	snap, ok := s.Snapshot(symbol)
	return snap.Tier, ok
}

func (s *Service) Focus() []string { return s.list(TierFocus) }
func (s *Service) Scout() []string { return s.list(TierScout) }

func (s *Service) list(tier Tier) []string {
	s.mu.Lock()
	out := make([]string, 0)
	for symbol, st := range s.symbols {
		if st.snap.Tier == tier {
			out = append(out, symbol)
		}
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Feeds are the public stream channels the service consumes.
type Feeds struct {
	Tickers <-chan kraken.TickerEvent
	Books   <-chan kraken.BookEvent
	Trades  <-chan kraken.TradeEvent
}

// Run routes feed events into the buffers and runs the flush, baseline and
// promotion timers until ctx is done. Both tiers are flushed once on exit.
func (s *Service) Run(ctx context.Context, feeds Feeds) error {
	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		s.route(ctx, feeds)
	}()
	go func() {
		defer wg.Done()
		s.flushLoop(ctx, TierFocus, s.cfg.FocusFlush)
	}()
	go func() {
		defer wg.Done()
		s.flushLoop(ctx, TierScout, s.cfg.ScoutFlush)
	}()
	go func() {
		defer wg.Done()
		s.promotionLoop(ctx)
	}()
	wg.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushDeadline)
	defer cancel()
	for _, tier := range []Tier{TierFocus, TierScout} {
		if _, err := s.Flush(flushCtx, tier); err != nil {
			log.Warn().Err(err).Str("tier", string(tier)).Msg("tier_final_flush_failed")
		}
	}
	return ctx.Err()
}

func (s *Service) route(ctx context.Context, feeds Feeds) {
	tickers, books, trades := feeds.Tickers, feeds.Books, feeds.Trades
	for tickers != nil || books != nil || trades != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-tickers:
			if !ok {
				tickers = nil
				continue
			}
			s.OnTicker(ev)
		case ev, ok := <-books:
			if !ok {
				books = nil
				continue
			}
			s.OnBook(ev)
		case ev, ok := <-trades:
			if !ok {
				trades = nil
				continue
			}
			s.OnTrade(ev)
		}
	}
	<-ctx.Done()
}

func (s *Service) flushLoop(ctx context.Context, tier Tier, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Flush(ctx, tier); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("tier", string(tier)).Msg("tier_flush_failed")
			}
		}
	}
}

func (s *Service) promotionLoop(ctx context.Context) {
	baseline := time.NewTicker(s.cfg.BaselineInterval)
	defer baseline.Stop()
	promote := time.NewTicker(s.cfg.PromoteInterval)
	defer promote.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-baseline.C:
			s.SampleBaselines()
		case <-promote.C:
			s.EvaluatePromotions()
		}
	}
}

func chunks(items []string, size int) [][]string {
	var out [][]string
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
