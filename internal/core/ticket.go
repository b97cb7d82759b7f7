package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type ExecMode string

const (
	ModePassive   ExecMode = "passive"
	ModeNormal    ExecMode = "normal"
	ModePanicExit ExecMode = "panic_exit"
)

func (m ExecMode) Valid() bool {
	switch m {
	case ModePassive, ModeNormal, ModePanicExit:
		return true
	}
	return false
}

type TicketStatus string

const (
	TicketPending         TicketStatus = "pending"
	TicketSubmitted       TicketStatus = "submitted"
	TicketFilled          TicketStatus = "filled"
	TicketPartialAccepted TicketStatus = "partial_accepted"
	TicketCancelled       TicketStatus = "cancelled"
	TicketFailed          TicketStatus = "failed"
)

func (s TicketStatus) Terminal() bool {
	switch s {
	case TicketFilled, TicketPartialAccepted, TicketCancelled, TicketFailed:
		return true
	}
	return false
}

// Reasons attached to tickets that did not fill.
const (
	ReasonLockBusy            = "lock_busy"
	ReasonStaleQuote          = "stale_quote"
	ReasonInvalidIntent       = "invalid_intent"
	ReasonInvalidSize         = "invalid_size"
	ReasonRejected            = "rejected"
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonSubmitTimeout       = "submit_timeout"
	ReasonRetriesExhausted    = "retries_exhausted"
	ReasonRepositionerTimeout = "repositioner_timeout"
	ReasonExternalCancel      = "external_cancel"
	ReasonShutdown            = "shutdown"
	ReasonExchangeError       = "exchange_error"
)

// TradeIntent is what the strategy layer hands to the execution engine.
type TradeIntent struct {
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Size         decimal.Decimal `json:"size"`
	ExpectedMove decimal.Decimal `json:"expected_move"`
	TPPrice      decimal.Decimal `json:"tp_price"`
	SLPrice      decimal.Decimal `json:"sl_price"`
}

// OrderTicket is the lifecycle record of one intent. Once Status is terminal
// the ticket is never mutated again.
type OrderTicket struct {
	ClientOrderID  string          `json:"client_order_id"`
	PriorClientIDs []string        `json:"prior_client_ids,omitempty"`
	OrderID        string          `json:"order_id,omitempty"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"type"`
	Size           decimal.Decimal `json:"size"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	TTL            time.Duration   `json:"ttl"`
	RetriesUsed    int             `json:"retries_used"`
	RetriesAllowed int             `json:"retries_allowed"`
	Mode           ExecMode        `json:"mode"`
	Status         TicketStatus    `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	FillPrice      decimal.Decimal `json:"fill_price"`
	FillQty        decimal.Decimal `json:"fill_qty"`
	ReferenceMid   decimal.Decimal `json:"reference_mid"`
	SubmitBBO      Quote           `json:"submit_bbo"`
	CreatedAt      time.Time       `json:"created_at"`
	SubmittedAt    time.Time       `json:"submitted_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (t OrderTicket) Terminal() bool {
	return t.Status.Terminal()
}

// SlippageRecord measures one fill against the decision-time mid and the
// BBO at submission. Positive values are worse than expected.
type SlippageRecord struct {
	ClientOrderID   string          `json:"client_order_id"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Mode            ExecMode        `json:"mode"`
	ReferenceMid    decimal.Decimal `json:"reference_mid"`
	FillPrice       decimal.Decimal `json:"fill_price"`
	SubmitBid       decimal.Decimal `json:"submit_bid"`
	SubmitAsk       decimal.Decimal `json:"submit_ask"`
	SlippageMidBps  decimal.Decimal `json:"slippage_mid_bps"`
	SlippageBBOBps  decimal.Decimal `json:"slippage_bbo_bps"`
	SpreadSubmitBps decimal.Decimal `json:"spread_submit_bps"`
	Time            time.Time       `json:"time"`
}
