package core

import "errors"

var (
	// ErrInsufficientBalance indicates the exchange rejected the action due to insufficient funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateOrder indicates the client order id has already been accepted before.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrOrderNotFound indicates the order does not exist on exchange.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderRejected indicates the order was rejected by exchange.
	ErrOrderRejected = errors.New("order rejected")
	// ErrAuth marks authentication and signature failures. They are never retried.
	ErrAuth = errors.New("authentication failed")
	// ErrRateLimited is returned when the rate limiter denies or the exchange throttles a call.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransient marks network and service errors that are safe to retry.
	ErrTransient  = errors.New("transient exchange error")
	ErrStaleQuote = errors.New("stale or missing quote")
	ErrLockBusy   = errors.New("trade lock busy")
)
