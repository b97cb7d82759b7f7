package safety

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertSpy struct {
	mu     sync.Mutex
	events []string
}

func (a *alertSpy) Important(event string, fields map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event+":"+fields["name"])
}

func (a *alertSpy) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func healthy(at time.Time, equity, spread string) Reading {
	return Reading{
		Time:      at,
		Equity:    decimal.RequireFromString(equity),
		SpreadBps: decimal.RequireFromString(spread),
		HasQuote:  true,
		QuoteAge:  time.Second,
	}
}

func names(bs []CircuitBreaker) []string {
	out := make([]string, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Name)
	}
	return out
}

func TestManagerDrawdownSoftThenHardLatches(t *testing.T) {
	m := NewManager(RiskConfig{}, nil)
	assert.Empty(t, m.Evaluate(healthy(t0, "1000", "5")))

	active := m.Evaluate(healthy(t0.Add(time.Minute), "965", "5"))
	assert.Equal(t, []string{BreakerDrawdownSoft}, names(active))
	assert.ErrorIs(t, m.AllowEntry(), ErrEntriesBlocked)
	assert.NoError(t, m.AllowExit())

	assert.Empty(t, m.Evaluate(healthy(t0.Add(2*time.Minute), "990", "5")))

	active = m.Evaluate(healthy(t0.Add(3*time.Minute), "949", "5"))
	assert.Equal(t, []string{BreakerDrawdownHard}, names(active))
	assert.Equal(t, SeverityCritical, active[0].Severity)

	active = m.Evaluate(healthy(t0.Add(4*time.Minute), "1000", "5"))
	assert.Equal(t, []string{BreakerDrawdownHard}, names(active), "hard limit holds for the rest of the day")

	assert.Empty(t, m.Evaluate(healthy(t0.Add(24*time.Hour), "949", "5")), "new day, new opening equity")
}

func TestManagerLossStreakCooldown(t *testing.T) {
	m := NewManager(RiskConfig{LossStreakThreshold: 3, LossCooldown: 10 * time.Minute}, nil)
	for i := 0; i < 3; i++ {
		m.RecordOutcome(decimal.NewFromInt(-5))
	}
	m.RecordOutcome(decimal.Zero)
	require.Equal(t, 3, m.LossStreak())

	r := healthy(t0, "1000", "5")
	r.LossStreak = m.LossStreak()
	assert.Equal(t, []string{BreakerLossStreak}, names(m.Evaluate(r)))

	r.Time = t0.Add(9 * time.Minute)
	assert.Equal(t, []string{BreakerLossStreak}, names(m.Evaluate(r)))

	r.Time = t0.Add(11 * time.Minute)
	assert.Empty(t, m.Evaluate(r), "cooldown is fixed length")

	m.RecordOutcome(decimal.NewFromInt(-1))
	r.LossStreak = m.LossStreak()
	assert.Equal(t, []string{BreakerLossStreak}, names(m.Evaluate(r)), "another loss restarts it")

	m.RecordOutcome(decimal.NewFromInt(2))
	r.LossStreak = m.LossStreak()
	r.Time = r.Time.Add(time.Second)
	assert.Empty(t, m.Evaluate(r), "a win clears it at once")
}

func TestManagerSpreadHysteresis(t *testing.T) {
	m := NewManager(RiskConfig{
		SpreadBlowoutBps:  decimal.NewFromInt(50),
		SpreadRecoveryBps: decimal.NewFromInt(20),
		SpreadEnterTicks:  3,
		SpreadExitTicks:   2,
	}, nil)
	at := t0
	tick := func(spread string) []string {
		at = at.Add(time.Second)
		return names(m.Evaluate(healthy(at, "1000", spread)))
	}

	assert.Empty(t, tick("80"))
	assert.Empty(t, tick("80"))
	assert.Empty(t, tick("10"), "a good tick resets the count")
	assert.Empty(t, tick("80"))
	assert.Empty(t, tick("80"))
	assert.Equal(t, []string{BreakerSpreadBlowout}, tick("80"))

	assert.Equal(t, []string{BreakerSpreadBlowout}, tick("10"), "one good tick does not clear")
	assert.Equal(t, []string{BreakerSpreadBlowout}, tick("30"), "between thresholds is not good")
	assert.Equal(t, []string{BreakerSpreadBlowout}, tick("10"))
	assert.Empty(t, tick("10"))
	assert.False(t, m.Defensive())
}

func TestManagerStaleQuoteIsPerTick(t *testing.T) {
	spy := &alertSpy{}
	m := NewManager(RiskConfig{StaleQuoteAfter: 5 * time.Second}, spy)

	r := healthy(t0, "1000", "5")
	r.QuoteAge = 6 * time.Second
	assert.Equal(t, []string{BreakerStaleQuote}, names(m.Evaluate(r)))
	assert.Equal(t, []string{BreakerStaleQuote}, names(m.Evaluate(Reading{Time: t0.Add(time.Second)})))
	assert.Equal(t, 1, spy.count(), "alerted once per activation")

	assert.Empty(t, m.Evaluate(healthy(t0.Add(2*time.Second), "1000", "5")))
	assert.NoError(t, m.AllowEntry())
}

func TestManagerBlockExitsIsOptIn(t *testing.T) {
	m := NewManager(RiskConfig{BlockExits: map[string]bool{BreakerDrawdownHard: true}}, nil)
	m.Evaluate(healthy(t0, "1000", "5"))
	m.Evaluate(healthy(t0.Add(time.Minute), "900", "5"))
	assert.ErrorIs(t, m.AllowExit(), ErrExitsBlocked)
	assert.ErrorIs(t, m.AllowEntry(), ErrEntriesBlocked)
}

func TestManagerRunEvaluatesFromSource(t *testing.T) {
	m := NewManager(RiskConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx, ReadingSourceFunc(func(context.Context) (Reading, error) {
			return Reading{Time: time.Now()}, nil
		}), 5*time.Millisecond)
	}()
	require.Eventually(t, func() bool { return len(m.Active()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
