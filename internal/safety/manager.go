package safety

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"kraken-core/internal/alert"
	"kraken-core/internal/telemetry"
)

var (
	ErrEntriesBlocked = errors.New("entries blocked by circuit breaker")
	ErrExitsBlocked   = errors.New("exits blocked by circuit breaker")
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	BreakerDrawdownSoft  = "daily_drawdown_soft"
	BreakerDrawdownHard  = "daily_drawdown_hard"
	BreakerLossStreak    = "loss_streak_cooldown"
	BreakerSpreadBlowout = "spread_blowout"
	BreakerStaleQuote    = "stale_quote"
)

// CircuitBreaker is one active risk condition.
type CircuitBreaker struct {
	Name          string    `json:"name"`
	Severity      Severity  `json:"severity"`
	Message       string    `json:"message"`
	BlocksEntries bool      `json:"blocks_entries"`
	BlocksExits   bool      `json:"blocks_exits"`
	TriggeredAt   time.Time `json:"triggered_at"`
}

type RiskConfig struct {
	// Drawdown thresholds are fractions of the UTC day's opening equity.
	DrawdownSoftPct decimal.Decimal
	DrawdownHardPct decimal.Decimal

	LossStreakThreshold int
	LossCooldown        time.Duration

	SpreadBlowoutBps  decimal.Decimal
	SpreadRecoveryBps decimal.Decimal
	SpreadEnterTicks  int
	SpreadExitTicks   int

	StaleQuoteAfter time.Duration

	// BlockExits names breakers that also block exits.
	BlockExits map[string]bool
}

func (c RiskConfig) withDefaults() RiskConfig {
	if c.DrawdownSoftPct.Sign() <= 0 {
		c.DrawdownSoftPct = decimal.RequireFromString("0.03")
	}
	if c.DrawdownHardPct.Sign() <= 0 {
		c.DrawdownHardPct = decimal.RequireFromString("0.05")
	}
	if c.LossStreakThreshold <= 0 {
		c.LossStreakThreshold = 3
	}
	if c.LossCooldown <= 0 {
		c.LossCooldown = 30 * time.Minute
	}
	if c.SpreadBlowoutBps.Sign() <= 0 {
		c.SpreadBlowoutBps = decimal.NewFromInt(50)
	}
	if c.SpreadRecoveryBps.Sign() <= 0 || c.SpreadRecoveryBps.GreaterThan(c.SpreadBlowoutBps) {
		c.SpreadRecoveryBps = c.SpreadBlowoutBps.Mul(decimal.RequireFromString("0.4"))
	}
	if c.SpreadEnterTicks <= 0 {
		c.SpreadEnterTicks = 3
	}
	if c.SpreadExitTicks <= 0 {
		c.SpreadExitTicks = 5
	}
	if c.StaleQuoteAfter <= 0 {
		c.StaleQuoteAfter = 10 * time.Second
	}
	return c
}

// Reading is the input of one risk tick.
type Reading struct {
	Time       time.Time
	Equity     decimal.Decimal
	LossStreak int
	SpreadBps  decimal.Decimal
	// HasQuote is false when no quote was available at all.
	HasQuote bool
	QuoteAge time.Duration
}

type ReadingSource interface {
	Reading(ctx context.Context) (Reading, error)
}

type ReadingSourceFunc func(ctx context.Context) (Reading, error)

func (f ReadingSourceFunc) Reading(ctx context.Context) (Reading, error) { return f(ctx) }

// Manager evaluates the risk breakers once per tick. It never talks to the
// execution engine; callers check AllowEntry and AllowExit themselves.
type Manager struct {
	cfg     RiskConfig
	alerter alert.Alerter

	mu sync.Mutex

	day         string
	dayOpen     decimal.Decimal
	hardLatched bool

	recordedStreak int
	cooldownUntil  time.Time
	cooldownStreak int

	defensive bool
	badTicks  int
	goodTicks int

	active map[string]CircuitBreaker
}

func NewManager(cfg RiskConfig, alerter alert.Alerter) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		alerter: alerter,
		active:  make(map[string]CircuitBreaker),
	}
}

// RecordOutcome tracks the loss streak from closed trade PnL. A win resets
// it; a flat trade leaves it alone.
func (m *Manager) RecordOutcome(pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch pnl.Sign() {
	case -1:
		m.recordedStreak++
	case 1:
		m.recordedStreak = 0
	}
}

func (m *Manager) LossStreak() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordedStreak
}

// Evaluate runs one tick and returns the breakers active after it.
func (m *Manager) Evaluate(r Reading) []CircuitBreaker {
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	m.mu.Lock()
	next := make(map[string]CircuitBreaker)
	m.evalDrawdownLocked(r, next)
	m.evalLossStreakLocked(r, next)
	m.evalSpreadLocked(r, next)
	if !r.HasQuote || r.QuoteAge > m.cfg.StaleQuoteAfter {
		msg := "no quote"
		if r.HasQuote {
			msg = fmt.Sprintf("quote age %s exceeds %s", r.QuoteAge.Round(time.Millisecond), m.cfg.StaleQuoteAfter)
		}
		m.set(next, BreakerStaleQuote, SeverityWarning, msg+"; wait for fresh data", r.Time)
	}

	var raised, cleared []CircuitBreaker
	for name, b := range next {
		if prev, ok := m.active[name]; ok {
			b.TriggeredAt = prev.TriggeredAt
			next[name] = b
			continue
		}
		raised = append(raised, b)
	}
	for name, b := range m.active {
		if _, ok := next[name]; !ok {
			cleared = append(cleared, b)
		}
	}
	m.active = next
	out := m.listLocked()
	m.mu.Unlock()

	for _, b := range raised {
		telemetry.ActiveBreakers.WithLabelValues(b.Name).Set(1)
		ev := log.Warn()
		if b.Severity == SeverityCritical {
			ev = log.Error()
		}
		ev.Str("name", b.Name).
			Str("severity", string(b.Severity)).
			Bool("blocks_entries", b.BlocksEntries).
			Bool("blocks_exits", b.BlocksExits).
			Msg("circuit_breaker_active")
		notify(m.alerter, "circuit_breaker_active", map[string]string{
			"name":     b.Name,
			"severity": string(b.Severity),
			"message":  b.Message,
		})
	}
	for _, b := range cleared {
		telemetry.ActiveBreakers.WithLabelValues(b.Name).Set(0)
		log.Info().Str("name", b.Name).Dur("active_for", r.Time.Sub(b.TriggeredAt)).Msg("circuit_breaker_cleared")
	}
	return out
}

func (m *Manager) set(next map[string]CircuitBreaker, name string, sev Severity, msg string, at time.Time) {
	next[name] = CircuitBreaker{
		Name:          name,
		Severity:      sev,
		Message:       msg,
		BlocksEntries: true,
		BlocksExits:   m.cfg.BlockExits[name],
		TriggeredAt:   at,
	}
}

// evalDrawdownLocked measures against the first equity seen each UTC day.
// The hard breaker latches until the day rolls over; the soft one clears as
// soon as equity recovers.
func (m *Manager) evalDrawdownLocked(r Reading, next map[string]CircuitBreaker) {
	if r.Equity.Sign() <= 0 {
		if m.hardLatched {
			m.set(next, BreakerDrawdownHard, SeverityCritical, "daily drawdown hard limit reached", r.Time)
		}
		return
	}
	day := r.Time.UTC().Format("2006-01-02")
	if day != m.day {
		m.day = day
		m.dayOpen = r.Equity
		m.hardLatched = false
	}
	dd := m.dayOpen.Sub(r.Equity).Div(m.dayOpen)
	if dd.GreaterThanOrEqual(m.cfg.DrawdownHardPct) {
		m.hardLatched = true
	}
	switch {
	case m.hardLatched:
		m.set(next, BreakerDrawdownHard, SeverityCritical,
			fmt.Sprintf("daily drawdown %s%% reached hard limit %s%%", pct(dd), pct(m.cfg.DrawdownHardPct)), r.Time)
	case dd.GreaterThanOrEqual(m.cfg.DrawdownSoftPct):
		m.set(next, BreakerDrawdownSoft, SeverityWarning,
			fmt.Sprintf("daily drawdown %s%% above soft limit %s%%; entries paused", pct(dd), pct(m.cfg.DrawdownSoftPct)), r.Time)
	}
}

func (m *Manager) evalLossStreakLocked(r Reading, next map[string]CircuitBreaker) {
	streak := r.LossStreak
	if streak == 0 {
		m.cooldownUntil = time.Time{}
		m.cooldownStreak = 0
		return
	}
	// Each further loss at or past the threshold restarts the cooldown.
	if streak >= m.cfg.LossStreakThreshold && streak > m.cooldownStreak {
		m.cooldownUntil = r.Time.Add(m.cfg.LossCooldown)
		m.cooldownStreak = streak
	}
	if r.Time.Before(m.cooldownUntil) {
		m.set(next, BreakerLossStreak, SeverityWarning,
			fmt.Sprintf("%d consecutive losses; cooling down until %s", streak, m.cooldownUntil.UTC().Format(time.RFC3339)), r.Time)
	}
}

func (m *Manager) evalSpreadLocked(r Reading, next map[string]CircuitBreaker) {
	if r.HasQuote {
		if !m.defensive {
			if r.SpreadBps.GreaterThan(m.cfg.SpreadBlowoutBps) {
				m.badTicks++
			} else {
				m.badTicks = 0
			}
			if m.badTicks >= m.cfg.SpreadEnterTicks {
				m.defensive = true
				m.goodTicks = 0
			}
		} else {
			if r.SpreadBps.LessThan(m.cfg.SpreadRecoveryBps) {
				m.goodTicks++
			} else {
				m.goodTicks = 0
			}
			if m.goodTicks >= m.cfg.SpreadExitTicks {
				m.defensive = false
				m.badTicks = 0
			}
		}
	}
	if m.defensive {
		m.set(next, BreakerSpreadBlowout, SeverityWarning,
			fmt.Sprintf("spread above %s bps; defensive until %d ticks below %s bps",
				m.cfg.SpreadBlowoutBps, m.cfg.SpreadExitTicks, m.cfg.SpreadRecoveryBps), r.Time)
	}
}

// Defensive reports whether the spread breaker is in its defensive state.
func (m *Manager) Defensive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defensive
}

func (m *Manager) Active() []CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked()
}

func (m *Manager) listLocked() []CircuitBreaker {
	out := make([]CircuitBreaker, 0, len(m.active))
	for _, b := range m.active {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) AllowEntry() error {
	return m.allow(ErrEntriesBlocked, func(b CircuitBreaker) bool { return b.BlocksEntries })
}

func (m *Manager) AllowExit() error {
	return m.allow(ErrExitsBlocked, func(b CircuitBreaker) bool { return b.BlocksExits })
}

func (m *Manager) allow(sentinel error, blocks func(CircuitBreaker) bool) error {
	var names []string
	for _, b := range m.Active() {
		if blocks(b) {
			names = append(names, b.Name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", sentinel, strings.Join(names, ","))
}

// Run evaluates a reading from source every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, source ReadingSource, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r, err := source.Reading(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("risk_reading_failed")
				continue
			}
			m.Evaluate(r)
		}
	}
}

func pct(v decimal.Decimal) string {
	return v.Mul(decimal.NewFromInt(100)).StringFixed(2)
}
