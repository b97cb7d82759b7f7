package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kraken-core/internal/core"
)

type pagedSource struct {
	candles []core.Candle
	page    int
	calls   []int64
	err     error
}

func (p *pagedSource) OHLC(_ context.Context, symbol string, _ int, since int64) ([]core.Candle, int64, error) {
	p.calls = append(p.calls, since)
	if p.err != nil {
		return nil, since, p.err
	}
	var out []core.Candle
	for _, c := range p.candles {
		if c.Time.Unix() > since {
			out = append(out, c)
		}
		if len(out) == p.page {
			break
		}
	}
	if len(out) == 0 {
		return nil, since, nil
	}
	return out, out[len(out)-1].Time.Unix(), nil
}

func minuteCandles(start time.Time, n int) []core.Candle {
	out := make([]core.Candle, n)
	for i := range out {
		out[i] = core.Candle{
			Symbol: "BTC/USD",
			Time:   start.Add(time.Duration(i) * time.Minute),
			Close:  decimal.NewFromInt(int64(50000 + i)),
		}
	}
	return out
}

func TestFetchCandlesStopsAtShortPage(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	src := &pagedSource{candles: minuteCandles(start, 1000), page: maxCandlesPerCall}

	var got []core.Candle
	total, requests, err := fetchCandles(context.Background(), src, "BTC/USD", 1, start, start.Add(24*time.Hour), func(c core.Candle) error {
		got = append(got, c)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1000, total)
	assert.Equal(t, 2, requests)
	assert.Equal(t, start.Unix()-1, src.calls[0])
	for i := 1; i < len(got); i++ {
		require.True(t, got[i].Time.After(got[i-1].Time), "candles must be strictly increasing")
	}
}

func TestFetchCandlesHonoursEnd(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	src := &pagedSource{candles: minuteCandles(start, 100), page: maxCandlesPerCall}

	total, _, err := fetchCandles(context.Background(), src, "BTC/USD", 1, start.Add(10*time.Minute), start.Add(20*time.Minute), func(core.Candle) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 10, total)
}

func TestFetchCandlesReturnsSourceError(t *testing.T) {
	src := &pagedSource{err: errors.New("EGeneral:Too many requests")}
	_, requests, err := fetchCandles(context.Background(), src, "BTC/USD", 1, time.Now().Add(-time.Hour), time.Now(), func(core.Candle) error { return nil })
	require.Error(t, err)
	assert.Equal(t, 0, requests)
}

func TestDateWriterRotatesPerDay(t *testing.T) {
	dir := t.TempDir()
	w, err := newDateWriter(dir)
	require.NoError(t, err)

	day1 := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	for _, c := range minuteCandles(day1, 3) {
		require.NoError(t, writeCandle(w, c, 1))
	}
	require.NoError(t, w.close())

	first, err := os.ReadFile(filepath.Join(dir, "2026-03-01.jsonl"))
	require.NoError(t, err)
	second, err := os.ReadFile(filepath.Join(dir, "2026-03-02.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(first), "\n"))
	assert.Equal(t, 2, strings.Count(string(second), "\n"))
	assert.Contains(t, string(first), `"interval_min":1`)
}

func TestResolveWindow(t *testing.T) {
	start, end, err := resolveWindow(0, "2026-03-01", "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), end)

	_, _, err = resolveWindow(0, "2026-03-01", "")
	assert.Error(t, err)
	_, _, err = resolveWindow(0, "", "")
	assert.Error(t, err)
	_, _, err = resolveWindow(1, "2026-03-02T00:00:00Z", "2026-03-01T00:00:00Z")
	assert.Error(t, err)
}
