package core

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNewQuoteDerivedFields(t *testing.T) {
	now := time.Now()
	q, err := NewQuote("BTC/USD", decimal.RequireFromString("50000"), decimal.RequireFromString("50100"), now)
	if err != nil {
		t.Fatalf("NewQuote() error = %v", err)
	}
	if !q.Mid.Equal(decimal.RequireFromString("50050")) {
		t.Fatalf("mid = %s, want 50050", q.Mid)
	}
	if !q.SpreadPct.Equal(decimal.RequireFromString("0.002")) {
		t.Fatalf("spread pct = %s, want 0.002", q.SpreadPct)
	}
	if q.Bid.GreaterThan(q.Mid) || q.Mid.GreaterThan(q.Ask) {
		t.Fatalf("bid <= mid <= ask violated: %s %s %s", q.Bid, q.Mid, q.Ask)
	}
	if age := q.Age(now.Add(3 * time.Second)); age != 3*time.Second {
		t.Fatalf("Age() = %s, want 3s", age)
	}
}

func TestNewQuoteRejectsCrossedAndInvalid(t *testing.T) {
	if _, err := NewQuote("BTC/USD", decimal.RequireFromString("101"), decimal.RequireFromString("100"), time.Now()); !errors.Is(err, ErrCrossedQuote) {
		t.Fatalf("NewQuote(crossed) error = %v, want ErrCrossedQuote", err)
	}
	if _, err := NewQuote("BTC/USD", decimal.Zero, decimal.RequireFromString("100"), time.Now()); !errors.Is(err, ErrInvalidQuote) {
		t.Fatalf("NewQuote(zero bid) error = %v, want ErrInvalidQuote", err)
	}
}
