package safety

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"kraken-core/internal/alert"
	"kraken-core/internal/core"
	"kraken-core/internal/exchange"
	"kraken-core/internal/telemetry"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

// Action names a guarded exchange action.
type Action string

const (
	ActionPlace     Action = "place_order"
	ActionCancel    Action = "cancel_order"
	ActionReconnect Action = "reconnect"
)

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const (
	defaultCooldown          = 30 * time.Second
	defaultHalfOpenSuccesses = 1
)

type BreakerConfig struct {
	Enabled              bool
	MaxPlaceFailures     int
	MaxCancelFailures    int
	MaxReconnectFailures int
	// Cooldown is how long an open circuit refuses before letting one probe
	// through.
	Cooldown          time.Duration
	HalfOpenSuccesses int
}

type circuit struct {
	maxFailures     int
	failures        int
	state           circuitState
	openedAt        time.Time
	openErr         error
	halfOpenSuccess int
}

// Breaker counts consecutive failures per action and opens that action's
// circuit at the threshold. After the cooldown one probe is let through;
// HalfOpenSuccesses clean probes close it again and a failed probe reopens
// it.
type Breaker struct {
	enabled           bool
	cooldown          time.Duration
	halfOpenSuccesses int
	now               func() time.Time

	mu       sync.Mutex
	circuits map[Action]*circuit
	alerter  alert.Alerter
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.HalfOpenSuccesses < 1 {
		cfg.HalfOpenSuccesses = defaultHalfOpenSuccesses
	}
	return &Breaker{
		enabled:           cfg.Enabled,
		cooldown:          cfg.Cooldown,
		halfOpenSuccesses: cfg.HalfOpenSuccesses,
		now:               time.Now,
		circuits: map[Action]*circuit{
			ActionPlace:     {maxFailures: cfg.MaxPlaceFailures, state: circuitClosed},
			ActionCancel:    {maxFailures: cfg.MaxCancelFailures, state: circuitClosed},
			ActionReconnect: {maxFailures: cfg.MaxReconnectFailures, state: circuitClosed},
		},
	}
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

func (b *Breaker) RecordPlace(err error) error     { return b.Record(ActionPlace, err) }
func (b *Breaker) RecordCancel(err error) error    { return b.Record(ActionCancel, err) }
func (b *Breaker) RecordReconnect(err error) error { return b.Record(ActionReconnect, err) }
func (b *Breaker) AllowReconnect() error           { return b.Allow(ActionReconnect) }

func (b *Breaker) ReconnectCooldownRemaining() time.Duration {
	return b.CooldownRemaining(ActionReconnect)
}

// Allow reports whether action may run now. An open circuit past its
// cooldown moves to half-open and admits the caller as a probe.
func (b *Breaker) Allow(action Action) error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	c := b.circuits[action]
	if c == nil || c.state != circuitOpen {
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(c.openedAt) < b.cooldown {
		err := c.openErr
		b.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, action)
		}
		return err
	}
	c.state = circuitHalfOpen
	c.halfOpenSuccess = 0
	c.failures = 0
	c.openErr = nil
	alerter := b.alerter
	b.mu.Unlock()

	log.Info().Str("action", string(action)).Dur("cooldown", b.cooldown).Msg("circuit_breaker_half_open")
	notify(alerter, "circuit_breaker_half_open", map[string]string{
		"action":       string(action),
		"cooldown_sec": strconv.FormatInt(int64(b.cooldown/time.Second), 10),
	})
	return nil
}

func (b *Breaker) CooldownRemaining(action Action) time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuits[action]
	if c == nil || c.state != circuitOpen {
		return 0
	}
	elapsed := b.now().Sub(c.openedAt)
	if elapsed >= b.cooldown {
		return 0
	}
	return b.cooldown - elapsed
}

// Open lists the actions whose circuit is currently open.
func (b *Breaker) Open() []Action {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Action
	for _, a := range []Action{ActionPlace, ActionCancel, ActionReconnect} {
		if b.circuits[a].state == circuitOpen {
			out = append(out, a)
		}
	}
	return out
}

// Record feeds one outcome of action into its circuit. It returns a non-nil
// error only when the circuit is, or has just become, open.
func (b *Breaker) Record(action Action, err error) error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	c := b.circuits[action]
	if c == nil || c.maxFailures < 1 {
		b.mu.Unlock()
		return nil
	}
	alerter := b.alerter

	if err == nil {
		prevFailures, prevState := c.failures, c.state
		recovered := false
		switch c.state {
		case circuitHalfOpen:
			c.halfOpenSuccess++
			if c.halfOpenSuccess >= b.halfOpenSuccesses {
				recovered = true
				c.state = circuitClosed
				c.failures = 0
				c.openErr = nil
				c.openedAt = time.Time{}
				c.halfOpenSuccess = 0
			}
		case circuitClosed:
			if c.failures > 0 {
				recovered = true
				c.failures = 0
			}
		}
		b.mu.Unlock()
		if recovered {
			setCircuitGauge(action, false)
			log.Info().
				Str("action", string(action)).
				Int("previous_consecutive_failures", prevFailures).
				Str("from_state", string(prevState)).
				Msg("circuit_breaker_recovered")
			if prevState == circuitHalfOpen {
				notify(alerter, "circuit_breaker_recovered", map[string]string{
					"action":     string(action),
					"from_state": string(prevState),
				})
			}
		}
		return nil
	}

	switch c.state {
	case circuitOpen:
		openErr := c.openErr
		if openErr == nil {
			openErr = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, action)
			c.openErr = openErr
		}
		b.mu.Unlock()
		return openErr
	case circuitHalfOpen:
		openErr := b.tripLocked(action, c, err, c.maxFailures, "half_open_probe_failed")
		b.mu.Unlock()
		b.reportTrip(alerter, action, "half_open", c.maxFailures, c.maxFailures, err)
		return openErr
	}

	c.failures++
	failures, limit := c.failures, c.maxFailures
	if failures < limit {
		b.mu.Unlock()
		if failures == limit-1 && action != ActionReconnect {
			log.Warn().
				Err(err).
				Str("action", string(action)).
				Int("consecutive_failures", failures).
				Int("threshold", limit).
				Msg("circuit_breaker_near_trip")
			notify(alerter, "circuit_breaker_near_trip", map[string]string{
				"action":               string(action),
				"consecutive_failures": strconv.Itoa(failures),
				"threshold":            strconv.Itoa(limit),
				"last_error":           err.Error(),
			})
		}
		return nil
	}
	openErr := b.tripLocked(action, c, err, failures, "consecutive_failures")
	b.mu.Unlock()
	b.reportTrip(alerter, action, "closed", failures, limit, err)
	return openErr
}

func (b *Breaker) tripLocked(action Action, c *circuit, err error, failures int, reason string) error {
	c.state = circuitOpen
	c.openedAt = b.now()
	c.halfOpenSuccess = 0
	c.failures = failures
	c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, cooldown=%s, reason=%s, last error: %v",
		ErrCircuitOpen, action, failures, b.cooldown, reason, err)
	return c.openErr
}

func (b *Breaker) reportTrip(alerter alert.Alerter, action Action, phase string, failures, limit int, err error) {
	setCircuitGauge(action, true)
	log.Error().
		Err(err).
		Str("action", string(action)).
		Str("phase", phase).
		Int("consecutive_failures", failures).
		Int("threshold", limit).
		Msg("circuit_breaker_trip")
	notify(alerter, "circuit_breaker_trip", map[string]string{
		"action":               string(action),
		"phase":                phase,
		"consecutive_failures": strconv.Itoa(failures),
		"threshold":            strconv.Itoa(limit),
		"last_error":           err.Error(),
	})
}

func setCircuitGauge(action Action, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	telemetry.ActiveBreakers.WithLabelValues("action_" + string(action)).Set(v)
}

func notify(alerter alert.Alerter, event string, fields map[string]string) {
	if alerter != nil {
		alerter.Important(event, fields)
	}
}

// countsAsFailure separates infrastructure failures from ordinary exchange
// answers such as a rejection or an unknown order.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, core.ErrOrderRejected),
		errors.Is(err, core.ErrInsufficientBalance),
		errors.Is(err, core.ErrOrderNotFound),
		errors.Is(err, core.ErrDuplicateOrder):
		return false
	}
	return true
}

// GuardedExecutor refuses order actions while their circuit is open and
// records every outcome into the breaker.
type GuardedExecutor struct {
	inner   exchange.Executor
	breaker *Breaker
}

func NewGuardedExecutor(inner exchange.Executor, breaker *Breaker) *GuardedExecutor {
	return &GuardedExecutor{inner: inner, breaker: breaker}
}

func (e *GuardedExecutor) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if err := e.breaker.Allow(ActionPlace); err != nil {
		return core.Order{}, err
	}
	placed, err := e.inner.PlaceOrder(ctx, order)
	if trip := e.record(ActionPlace, err); trip != nil && err != nil {
		return placed, errors.Join(err, trip)
	}
	return placed, err
}

func (e *GuardedExecutor) CancelOrder(ctx context.Context, symbol, id string) error {
	if err := e.breaker.Allow(ActionCancel); err != nil {
		return err
	}
	err := e.inner.CancelOrder(ctx, symbol, id)
	if trip := e.record(ActionCancel, err); trip != nil && err != nil {
		return errors.Join(err, trip)
	}
	return err
}

func (e *GuardedExecutor) QueryOrder(ctx context.Context, symbol, orderID, clientID string) (core.Order, error) {
	return e.inner.QueryOrder(ctx, symbol, orderID, clientID)
}

func (e *GuardedExecutor) record(action Action, err error) error {
	if !countsAsFailure(err) {
		return e.breaker.Record(action, nil)
	}
	return e.breaker.Record(action, err)
}
