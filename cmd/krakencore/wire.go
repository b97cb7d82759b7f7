package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"kraken-core/internal/alert"
	"kraken-core/internal/config"
	"kraken-core/internal/engine"
	"kraken-core/internal/exchange"
	"kraken-core/internal/exchange/kraken"
	"kraken-core/internal/execution"
	"kraken-core/internal/marketdata"
	"kraken-core/internal/ratelimit"
	"kraken-core/internal/safety"
	"kraken-core/internal/store"
)

func seconds(v int64) time.Duration      { return time.Duration(v) * time.Second }
func milliseconds(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

func rateLimitConfig(cfg config.RateLimitConfig) ratelimit.Config {
	return ratelimit.Config{
		RPM:         cfg.RPM,
		Burst:       cfg.Burst,
		Backoff:     seconds(cfg.BackoffSec),
		LowFloorPct: cfg.LowFloorPct,
	}
}

func streamOptions(cfg config.ExchangeConfig, url string, gate kraken.ReconnectGate) kraken.StreamOptions {
	return kraken.StreamOptions{
		URL:          url,
		DialTimeout:  seconds(cfg.WS.DialTimeoutSec),
		WriteTimeout: seconds(cfg.WS.WriteTimeoutSec),
		StaleAfter:   seconds(cfg.WS.StaleAfterSec),
		PingInterval: seconds(cfg.WS.PingIntervalSec),
		BackoffMax:   seconds(cfg.WS.BackoffMaxSec),
		Buffer:       cfg.WS.Buffer,
		Gate:         gate,
	}
}

func normalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, kraken.NormalizeSymbol(s))
	}
	return out
}

func marketDataConfig(cfg config.MarketDataConfig) marketdata.Config {
	return marketdata.Config{
		CoreSymbols:     normalizeSymbols(cfg.CoreSymbols),
		QuoteAssets:     cfg.QuoteAssets,
		FocusFlush:      milliseconds(cfg.FocusFlushMs),
		ScoutFlush:      seconds(cfg.ScoutFlushSec),
		PromoteInterval: seconds(cfg.PromoteIntervalSec),
		StaleAfter:      seconds(cfg.StaleAfterSec),
		DemoteIdle:      seconds(cfg.DemoteIdleSec),
		DemoteCooldown:  seconds(cfg.DemoteCooldownSec),
		MaxPromoted:     cfg.MaxPromoted,
		VolumeRatio:     cfg.VolumeRatio.Decimal,
		MoveThreshold:   cfg.MoveThreshold.Decimal,
		SpreadThreshold: cfg.SpreadThreshold.Decimal,
		PromoteScore:    cfg.PromoteScore,
		BookDepth:       cfg.BookDepth,
	}
}

func executionConfig(cfg config.ExecutionConfig) execution.Config {
	return execution.Config{
		Policy: execution.PolicyConfig{
			MinBuffer:      cfg.MinBuffer.Decimal,
			MaxBuffer:      cfg.MaxBuffer.Decimal,
			PanicBufferCap: cfg.PanicBufferCap.Decimal,
			RetryWidenStep: cfg.RetryWidenStep.Decimal,
			PassiveTTL:     seconds(cfg.PassiveTTLSec),
			NormalTTL:      seconds(cfg.NormalTTLSec),
			PanicTTL:       seconds(cfg.PanicTTLSec),
			PassiveRetries: cfg.PassiveRetries,
			NormalRetries:  cfg.NormalRetries,
		},
		SubmitTimeout:   milliseconds(cfg.SubmitTimeoutMs),
		CancelTimeout:   milliseconds(cfg.CancelTimeoutMs),
		QueryTimeout:    milliseconds(cfg.QueryTimeoutMs),
		PollInterval:    milliseconds(cfg.PollIntervalMs),
		SlippageHistory: cfg.SlippageHistory,
	}
}

func riskConfig(cfg config.RiskConfig) safety.RiskConfig {
	blockExits := make(map[string]bool, len(cfg.BlockExits))
	for _, name := range cfg.BlockExits {
		blockExits[name] = true
	}
	return safety.RiskConfig{
		DrawdownSoftPct:     cfg.DrawdownSoftPct.Decimal,
		DrawdownHardPct:     cfg.DrawdownHardPct.Decimal,
		LossStreakThreshold: cfg.LossStreakThreshold,
		LossCooldown:        seconds(cfg.LossCooldownSec),
		SpreadBlowoutBps:    cfg.SpreadBlowoutBps.Decimal,
		SpreadRecoveryBps:   cfg.SpreadRecoveryBps.Decimal,
		SpreadEnterTicks:    cfg.SpreadEnterTicks,
		SpreadExitTicks:     cfg.SpreadExitTicks,
		StaleQuoteAfter:     seconds(cfg.StaleQuoteSec),
		BlockExits:          blockExits,
	}
}

func breakerConfig(cfg config.CircuitBreakerConfig) safety.BreakerConfig {
	return safety.BreakerConfig{
		Enabled:              cfg.Enabled,
		MaxPlaceFailures:     cfg.MaxPlaceFailures,
		MaxCancelFailures:    cfg.MaxCancelFailures,
		MaxReconnectFailures: cfg.MaxReconnectFailures,
		Cooldown:             seconds(cfg.CooldownSec),
		HalfOpenSuccesses:    cfg.ProbePasses,
	}
}

func redisTTLs(ttls map[string]int64) map[string]time.Duration {
	if len(ttls) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(ttls))
	for table, sec := range ttls {
		if sec > 0 {
			out[table] = seconds(sec)
		}
	}
	return out
}

func stateDir(cfg config.Config) string {
	return filepath.Join(cfg.State.Dir, strings.ToLower(string(cfg.Mode)), cfg.InstanceID)
}

// compactPreviousDay keeps the newest row per key in yesterday's upsert
// tables. Slippage rows are append-only and left alone.
func compactPreviousDay(st *store.Store, now time.Time) {
	day := now.UTC().AddDate(0, 0, -1)
	for _, table := range []string{store.TableTickerFocus, store.TableTickerScout, store.TableOrderTickets} {
		if err := st.Compact(table, day); err != nil {
			log.Warn().Err(err).Str("table", table).Msg("sink_compact_failed")
		}
	}
}

// buildSink fans rows out to the file store and, when enabled, Redis. The
// Redis sink is pinged once so a bad address fails at startup.
func buildSink(ctx context.Context, cfg config.SinkConfig, st *store.Store) (store.Sink, error) {
	var sinks store.MultiSink
	if st != nil && (cfg.File.Enabled == nil || *cfg.File.Enabled) {
		sinks = append(sinks, st)
	}
	if cfg.Redis.Enabled {
		rs := store.NewRedisSink(store.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTLs:     redisTTLs(cfg.Redis.TTLSec),
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rs.Ping(pingCtx); err != nil {
			return nil, fmt.Errorf("redis sink %s: %w", cfg.Redis.Addr, err)
		}
		sinks = append(sinks, rs)
	}
	switch len(sinks) {
	case 0:
		return store.Discard{}, nil
	case 1:
		return sinks[0], nil
	}
	return sinks, nil
}

func buildAlertManager(cfg config.Config) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(
		tg.Enabled,
		tg.BotToken,
		tg.ChatID,
		tg.APIBaseURL,
		seconds(tg.TimeoutSec),
	)
	return alert.NewManagerWithOptions(string(cfg.Mode), cfg.InstanceID, notifier, alert.ManagerOptions{
		DropReportInterval: seconds(cfg.Observability.Runtime.AlertDropReportSec),
	})
}

// alerter keeps a nil manager from turning into a non-nil interface.
func alerter(m *alert.Manager) alert.Alerter {
	if m == nil {
		return nil
	}
	return m
}

// components is everything the runner and the check mode share.
type components struct {
	client    *kraken.Client
	breaker   *safety.Breaker
	quotes    *marketdata.QuoteCache
	public    *kraken.PublicStream
	private   *kraken.PrivateStream
	executor  exchange.Executor
	paper     *execution.PaperExecutor
	execution *execution.Engine
	market    *marketdata.Service
	risk      *safety.Manager
	readings  *engine.Readings
}

func buildComponents(cfg config.Config, st *store.Store, sink store.Sink, alerts alert.Alerter) (*components, error) {
	limiter := ratelimit.New(rateLimitConfig(cfg.RateLimit))
	client, err := kraken.NewClient(cfg.Exchange, limiter)
	if err != nil {
		return nil, err
	}
	client.SetAlerter(alerts)

	breaker := safety.NewBreaker(breakerConfig(cfg.CircuitBreaker))
	breaker.SetAlerter(alerts)

	c := &components{
		client:  client,
		breaker: breaker,
		quotes:  marketdata.NewQuoteCache(milliseconds(cfg.MarketData.MaxQuoteAgeMs)),
	}
	c.public = kraken.NewPublicStream(streamOptions(cfg.Exchange, cfg.Exchange.PublicWSURL, breaker))

	var stream execution.StreamHealth
	switch cfg.Mode {
	case config.ModeLive:
		c.private = kraken.NewPrivateStream(streamOptions(cfg.Exchange, cfg.Exchange.PrivateWSURL, breaker), client)
		c.executor = safety.NewGuardedExecutor(client, breaker)
		stream = c.private
	default:
		c.paper = execution.NewPaperExecutor(c.quotes)
		c.executor = c.paper
	}

	var tickets execution.TicketStore
	if st != nil {
		tickets = st
	}
	c.execution = execution.New(executionConfig(cfg.Execution), execution.Deps{
		Executor: c.executor,
		Catalog:  client,
		Quotes:   c.quotes,
		Stream:   stream,
		Sink:     sink,
		Tickets:  tickets,
		Alerts:   alerts,
	})
	c.market = marketdata.New(marketDataConfig(cfg.MarketData), c.public, sink, c.quotes)
	c.risk = safety.NewManager(riskConfig(cfg.Risk), alerts)
	c.readings = engine.NewReadings(c.quotes, c.risk, kraken.NormalizeSymbol(cfg.Risk.ReferenceSymbol))
	log.Info().
		Str("mode", string(cfg.Mode)).
		Str("executor", fmt.Sprintf("%T", c.executor)).
		Msg("components_ready")
	return c, nil
}
