package execution

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"kraken-core/internal/core"
)

var (
	ErrPanicEntry = errors.New("panic_exit is only valid for exits")
	half          = decimal.RequireFromString("0.5")
	one           = decimal.NewFromInt(1)
)

type PolicyConfig struct {
	MinBuffer decimal.Decimal
	MaxBuffer decimal.Decimal
	// PanicBufferCap bounds how far a panic exit may cross below the bid.
	PanicBufferCap decimal.Decimal
	RetryWidenStep decimal.Decimal

	PassiveTTL time.Duration
	NormalTTL  time.Duration
	PanicTTL   time.Duration

	PassiveRetries int
	NormalRetries  int
}

func (c PolicyConfig) withDefaults() PolicyConfig {
	if c.MinBuffer.Sign() <= 0 {
		c.MinBuffer = decimal.RequireFromString("0.0005")
	}
	if c.MaxBuffer.Sign() <= 0 {
		c.MaxBuffer = decimal.RequireFromString("0.003")
	}
	if c.PanicBufferCap.Sign() <= 0 {
		c.PanicBufferCap = decimal.RequireFromString("0.005")
	}
	if c.RetryWidenStep.Sign() <= 0 {
		c.RetryWidenStep = decimal.RequireFromString("0.0005")
	}
	if c.PassiveTTL <= 0 {
		c.PassiveTTL = 60 * time.Second
	}
	if c.NormalTTL <= 0 {
		c.NormalTTL = 20 * time.Second
	}
	if c.PanicTTL <= 0 {
		c.PanicTTL = 5 * time.Second
	}
	if c.PassiveRetries <= 0 {
		c.PassiveRetries = 2
	}
	if c.NormalRetries <= 0 {
		c.NormalRetries = 1
	}
	return c
}

// Decision is the priced order for one attempt.
type Decision struct {
	Mode       core.ExecMode
	LimitPrice decimal.Decimal
	TTL        time.Duration
	MaxRetries int
	PostOnly   bool
}

// Policy turns a quote and an urgency mode into a limit price, TTL and
// retry budget. Buys are entries and sells are exits.
type Policy struct {
	cfg PolicyConfig
}

func NewPolicy(cfg PolicyConfig) Policy {
	return Policy{cfg: cfg.withDefaults()}
}

func (p Policy) Config() PolicyConfig { return p.cfg }

// EffectiveMode resolves the mode actually used for side. A passive exit
// becomes normal; a panic entry is refused.
func (p Policy) EffectiveMode(side core.Side, mode core.ExecMode) (core.ExecMode, error) {
	switch {
	case !mode.Valid():
		return "", errors.New("unknown execution mode " + string(mode))
	case side == core.Sell && mode == core.ModePassive:
		return core.ModeNormal, nil
	case side == core.Buy && mode == core.ModePanicExit:
		return "", ErrPanicEntry
	}
	return mode, nil
}

// Decide prices one order. tick may be zero to skip rounding.
func (p Policy) Decide(q core.Quote, side core.Side, mode core.ExecMode, tick decimal.Decimal) (Decision, error) {
	mode, err := p.EffectiveMode(side, mode)
	if err != nil {
		return Decision{}, err
	}
	if q.Bid.Sign() <= 0 {
		return Decision{}, core.ErrStaleQuote
	}
	var dec Decision
	dec.Mode = mode
	switch mode {
	case core.ModePassive:
		dec.LimitPrice = q.Bid
		dec.TTL = p.cfg.PassiveTTL
		dec.MaxRetries = p.cfg.PassiveRetries
		dec.PostOnly = true
	case core.ModeNormal:
		buf := p.NormalBuffer(q)
		if side == core.Buy {
			dec.LimitPrice = q.Bid.Mul(one.Add(buf))
		} else {
			dec.LimitPrice = q.Bid.Mul(one.Sub(buf))
		}
		dec.TTL = p.cfg.NormalTTL
		dec.MaxRetries = p.cfg.NormalRetries
	case core.ModePanicExit:
		dec.LimitPrice = q.Bid.Mul(one.Sub(p.PanicBuffer(q)))
		dec.TTL = p.cfg.PanicTTL
		dec.MaxRetries = 0
	}
	dec.LimitPrice = roundToTick(dec.LimitPrice, side, tick)
	return dec, nil
}

// NormalBuffer is clamp(0.5 * spread_pct, min, max).
func (p Policy) NormalBuffer(q core.Quote) decimal.Decimal {
	return clamp(q.SpreadPct.Mul(half), p.cfg.MinBuffer, p.cfg.MaxBuffer)
}

// PanicBuffer crosses at least as far as the normal maximum, never past the cap.
func (p Policy) PanicBuffer(q core.Quote) decimal.Decimal {
	floor := decimal.Min(p.cfg.MaxBuffer, p.cfg.PanicBufferCap)
	return clamp(q.SpreadPct, floor, p.cfg.PanicBufferCap)
}

// Widen moves price one retry step toward the other side of the book.
func (p Policy) Widen(price decimal.Decimal, side core.Side, tick decimal.Decimal) decimal.Decimal {
	if side == core.Buy {
		return roundToTick(price.Mul(one.Add(p.cfg.RetryWidenStep)), side, tick)
	}
	return roundToTick(price.Mul(one.Sub(p.cfg.RetryWidenStep)), side, tick)
}

func roundToTick(price decimal.Decimal, side core.Side, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return price
	}
	if side == core.Sell {
		return core.RoundUp(price, tick)
	}
	return core.RoundDown(price, tick)
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
