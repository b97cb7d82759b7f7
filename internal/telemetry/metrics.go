package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RateLimiterTokens tracks the tokens currently available in the REST bucket.
	RateLimiterTokens = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kraken_ratelimit_tokens",
			Help: "Tokens available in the REST rate limiter",
		},
	)

	// RateLimiterEvents counts limiter decisions by priority and outcome.
	RateLimiterEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kraken_ratelimit_events_total",
			Help: "Rate limiter decisions by priority and outcome",
		},
		[]string{"priority", "outcome"},
	)

	// RESTRequests counts REST calls by endpoint and result.
	RESTRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kraken_rest_requests_total",
			Help: "REST requests by endpoint and result",
		},
		[]string{"endpoint", "result"},
	)

	// WSReconnects counts socket reconnects per stream.
	WSReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kraken_ws_reconnects_total",
			Help: "WebSocket reconnects by stream",
		},
		[]string{"stream"},
	)

	// WSDropped counts messages dropped because a subscriber buffer was full.
	WSDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kraken_ws_dropped_total",
			Help: "WebSocket messages dropped by stream and channel",
		},
		[]string{"stream", "channel"},
	)

	// TierSymbols tracks how many symbols sit in each market data tier.
	TierSymbols = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kraken_tier_symbols",
			Help: "Symbols per market data tier",
		},
		[]string{"tier"},
	)

	// TierTransitions counts promotions and demotions.
	TierTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kraken_tier_transitions_total",
			Help: "Promotions and demotions between tiers",
		},
		[]string{"direction"},
	)

	// OrderOutcomes counts terminal tickets by mode, status and reason.
	OrderOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kraken_order_outcomes_total",
			Help: "Terminal order tickets by mode, status and reason",
		},
		[]string{"mode", "status", "reason"},
	)

	// SlippageBps observes slippage against the decision mid.
	SlippageBps = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kraken_slippage_mid_bps",
			Help:    "Fill slippage versus decision mid in basis points",
			Buckets: []float64{-20, -10, -5, -2, 0, 2, 5, 10, 20, 50, 100},
		},
		[]string{"mode", "side"},
	)

	// ActiveBreakers tracks whether each risk breaker is active (1) or not (0).
	ActiveBreakers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kraken_circuit_breaker_active",
			Help: "Risk circuit breaker state by name",
		},
		[]string{"name"},
	)

	// AlertsDropped counts alerts discarded because the notifier queue was full.
	AlertsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kraken_alerts_dropped_total",
			Help: "Alerts dropped because the notifier queue was full",
		},
	)
)
