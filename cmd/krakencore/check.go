package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"kraken-core/internal/config"
	"kraken-core/internal/core"
	"kraken-core/internal/exchange/kraken"
	"kraken-core/internal/store"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
	statusSkip checkStatus = "SKIP"
)

type checkResult struct {
	Name       string      `json:"name"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Mode       config.Mode   `json:"mode"`
	Symbol     string        `json:"symbol"`
	Checks     []checkResult `json:"checks"`
}

func (r report) failed() bool {
	for _, c := range r.Checks {
		if c.Status == statusFail {
			return true
		}
	}
	return false
}

var errSkipped = errors.New("skipped")

// runChecks exercises the REST client, the public stream and, in paper mode,
// one full ticket lifecycle against the paper backend. Live mode only reads
// and never places an order here.
func runChecks(ctx context.Context, cfg config.Config, streamWait time.Duration) report {
	symbol := kraken.NormalizeSymbol(cfg.Risk.ReferenceSymbol)
	r := report{StartedAt: time.Now().UTC(), Mode: cfg.Mode, Symbol: symbol}

	c, err := buildComponents(cfg, nil, store.Discard{}, nil)
	if err != nil {
		r.add("build_components", time.Now(), "", err)
		r.FinishedAt = time.Now().UTC()
		return r
	}

	var (
		entry core.CatalogEntry
		quote core.Quote
	)
	run := func(name string, fn func() (string, error)) {
		start := time.Now()
		detail, err := fn()
		r.add(name, start, detail, err)
	}

	run("catalog", func() (string, error) {
		entries, err := c.client.AssetPairs(ctx)
		if err != nil {
			return "", err
		}
		entry, err = c.client.CatalogEntry(ctx, symbol)
		if err != nil {
			return "", err
		}
		if !entry.Tradable() {
			return "", fmt.Errorf("%s status=%s", symbol, entry.Status)
		}
		return fmt.Sprintf("pairs=%d tick=%s minQty=%s", len(entries), entry.PriceTick, entry.MinQty), nil
	})

	run("ticker", func() (string, error) {
		quote, err = c.client.Ticker(ctx, symbol)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("bid=%s ask=%s spreadBps=%s", quote.Bid, quote.Ask, quote.SpreadBps().StringFixed(2)), nil
	})

	run("policy_preview", func() (string, error) {
		if quote.Mid.Sign() <= 0 || entry.Symbol == "" {
			return "", errSkipped
		}
		policy := c.execution.Policy()
		buy, err := policy.Decide(quote, core.Buy, core.ModeNormal, entry.PriceTick)
		if err != nil {
			return "", err
		}
		sell, err := policy.Decide(quote, core.Sell, core.ModePanicExit, entry.PriceTick)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("normalBuy=%s panicSell=%s", buy.LimitPrice, sell.LimitPrice), nil
	})

	run("balances", func() (string, error) {
		if cfg.Mode != config.ModeLive {
			return "", errSkipped
		}
		bal, err := c.client.Balances(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("assets=%d", len(bal)), nil
	})

	run("ws_token", func() (string, error) {
		if cfg.Mode != config.ModeLive {
			return "", errSkipped
		}
		_, ttl, err := c.client.WSToken(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("ttl=%s", ttl), nil
	})

	run("public_stream", func() (string, error) {
		return checkPublicStream(ctx, c.public, symbol, streamWait)
	})

	run("paper_lifecycle", func() (string, error) {
		if c.paper == nil || quote.Mid.Sign() <= 0 || entry.Symbol == "" {
			return "", errSkipped
		}
		return checkPaperLifecycle(ctx, c, entry, quote)
	})

	run("open_orders", func() (string, error) {
		var lister interface {
			OpenOrders(ctx context.Context) ([]core.Order, error)
		}
		switch {
		case cfg.Mode == config.ModeLive:
			lister = c.client
		case c.paper != nil:
			lister = c.paper
		default:
			return "", errSkipped
		}
		open, err := lister.OpenOrders(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("open=%d", len(open)), nil
	})

	run("fills_since", func() (string, error) {
		if cfg.Mode != config.ModeLive {
			return "", errSkipped
		}
		fills, cursor, err := c.client.FillsSince(ctx, "")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("fills=%d cursor=%s", len(fills), cursor), nil
	})

	r.FinishedAt = time.Now().UTC()
	return r
}

func (r *report) add(name string, start time.Time, detail string, err error) {
	cr := checkResult{
		Name:       name,
		DurationMs: time.Since(start).Milliseconds(),
		Detail:     detail,
		Status:     statusPass,
	}
	switch {
	case errors.Is(err, errSkipped):
		cr.Status = statusSkip
	case err != nil:
		cr.Status = statusFail
		cr.Error = err.Error()
	}
	r.Checks = append(r.Checks, cr)
}

func checkPublicStream(ctx context.Context, public *kraken.PublicStream, symbol string, wait time.Duration) (string, error) {
	tickers := public.Tickers()
	if err := public.Subscribe(kraken.ChannelTicker, []string{symbol}, nil); err != nil {
		return "", err
	}
	streamCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- public.Run(streamCtx) }()
	defer func() {
		cancel()
		public.Close()
		<-done
	}()

	start := time.Now()
	for {
		select {
		case ev, ok := <-tickers:
			if !ok {
				return "", errors.New("ticker feed closed")
			}
			if ev.Symbol != symbol {
				continue
			}
			return fmt.Sprintf("first_ticker_after=%s bid=%s ask=%s", time.Since(start).Round(time.Millisecond), ev.Bid, ev.Ask), nil
		case <-streamCtx.Done():
			return "", fmt.Errorf("no %s ticker within %s", symbol, wait)
		}
	}
}

// checkPaperLifecycle runs the smallest valid NORMAL entry through the
// engine and expects the paper backend to fill it at the touch.
func checkPaperLifecycle(ctx context.Context, c *components, entry core.CatalogEntry, quote core.Quote) (string, error) {
	if err := c.quotes.Update(entry.Symbol, quote.Bid, quote.Ask, time.Now()); err != nil {
		return "", err
	}
	size := minimumSize(entry, quote.Ask)
	ticket := c.execution.Execute(ctx, core.TradeIntent{
		Symbol: entry.Symbol,
		Side:   core.Buy,
		Size:   size,
	}, core.ModeNormal)
	if ticket.Status != core.TicketFilled {
		return "", fmt.Errorf("ticket status=%s reason=%s", ticket.Status, ticket.Reason)
	}
	recent := c.execution.Slippage().Recent(1)
	if len(recent) == 0 {
		return "", errors.New("fill recorded no slippage")
	}
	return fmt.Sprintf("size=%s fill=%s slippageMidBps=%s", ticket.FillQty, ticket.FillPrice, recent[0].SlippageMidBps.StringFixed(2)), nil
}

// minimumSize is the smallest quantity meeting both the minimum size and the
// minimum notional at price.
func minimumSize(entry core.CatalogEntry, price decimal.Decimal) decimal.Decimal {
	size := entry.MinQty
	if entry.MinNotional.Sign() > 0 && price.Sign() > 0 {
		byNotional := entry.MinNotional.Div(price)
		if entry.QtyStep.Sign() > 0 {
			byNotional = core.RoundUp(byNotional, entry.QtyStep)
		}
		if byNotional.GreaterThan(size) {
			size = byNotional
		}
	}
	return size
}

func printSummary(r report) {
	pass, fail, skip := 0, 0, 0
	for _, c := range r.Checks {
		switch c.Status {
		case statusPass:
			pass++
			fmt.Printf("[PASS] %s (%dms)", c.Name, c.DurationMs)
			if c.Detail != "" {
				fmt.Printf(" - %s", c.Detail)
			}
			fmt.Println()
		case statusSkip:
			skip++
			fmt.Printf("[SKIP] %s\n", c.Name)
		default:
			fail++
			fmt.Printf("[FAIL] %s (%dms) - %s\n", c.Name, c.DurationMs, c.Error)
		}
	}
	fmt.Printf("summary mode=%s symbol=%s pass=%d fail=%d skip=%d\n", r.Mode, r.Symbol, pass, fail, skip)
}

func writeReport(path string, r report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
