package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"kraken-core/internal/config"
	"kraken-core/internal/core"
	"kraken-core/internal/exchange/kraken"
	"kraken-core/internal/logging"
	"kraken-core/internal/ratelimit"
)

const defaultOutDir = "data/kraken"

// Kraken serves at most this many candles per OHLC call.
const maxCandlesPerCall = 720

var validIntervals = map[int]bool{1: true, 5: true, 15: true, 30: true, 60: true, 240: true, 1440: true, 10080: true, 21600: true}

type ohlcSource interface {
	OHLC(ctx context.Context, symbol string, intervalMin int, since int64) ([]core.Candle, int64, error)
}

type candleLine struct {
	Time      string `json:"time"`
	Timestamp int64  `json:"timestamp"`
	Symbol    string `json:"symbol"`
	Interval  int    `json:"interval_min"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	VWAP      string `json:"vwap"`
	Volume    string `json:"volume"`
	Count     int64  `json:"count"`
}

type dateWriter struct {
	root        string
	currentDate string
	currentFile *os.File
}

func newDateWriter(root string) (*dateWriter, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &dateWriter{root: root}, nil
}

func (w *dateWriter) write(date string, line []byte) error {
	if err := w.rotate(date); err != nil {
		return err
	}
	_, err := w.currentFile.Write(append(line, '\n'))
	return err
}

func (w *dateWriter) rotate(date string) error {
	if date == w.currentDate && w.currentFile != nil {
		return nil
	}
	if err := w.close(); err != nil {
		return err
	}
	path := filepath.Join(w.root, date+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w.currentFile = f
	w.currentDate = date
	return nil
}

func (w *dateWriter) close() error {
	if w == nil || w.currentFile == nil {
		return nil
	}
	f := w.currentFile
	w.currentFile = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func main() {
	var (
		configPath string
		symbol     string
		interval   int
		days       int
		startRaw   string
		endRaw     string
		outDir     string
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path (exchange and rate_limit sections)")
	flag.StringVar(&symbol, "symbol", "BTC/USD", "pair, e.g. BTC/USD")
	flag.IntVar(&interval, "interval", 1, "candle interval in minutes")
	flag.IntVar(&days, "days", 1, "how many days to fetch back from now")
	flag.StringVar(&startRaw, "start", "", "start time (YYYY-MM-DD or RFC3339, UTC)")
	flag.StringVar(&endRaw, "end", "", "end time (YYYY-MM-DD or RFC3339, UTC), inclusive for date")
	flag.StringVar(&outDir, "out-dir", defaultOutDir, "output root dir")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	logging.Setup(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	symbol = kraken.NormalizeSymbol(symbol)
	if !validIntervals[interval] {
		fatal(fmt.Sprintf("unsupported interval %d", interval))
	}
	start, end, err := resolveWindow(days, startRaw, endRaw)
	if err != nil {
		fatal(err.Error())
	}

	limiter := ratelimit.New(ratelimit.Config{
		RPM:         cfg.RateLimit.RPM,
		Burst:       cfg.RateLimit.Burst,
		Backoff:     time.Duration(cfg.RateLimit.BackoffSec) * time.Second,
		LowFloorPct: cfg.RateLimit.LowFloorPct,
	})
	client, err := kraken.NewClient(cfg.Exchange, limiter)
	if err != nil {
		fatal(err.Error())
	}

	targetDir := filepath.Join(outDir, strings.ReplaceAll(symbol, "/", "-"), fmt.Sprintf("%dm", interval))
	writer, err := newDateWriter(targetDir)
	if err != nil {
		fatal(err.Error())
	}
	defer func() {
		if closeErr := writer.close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "close writer failed: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("symbol", symbol).Int("interval_min", interval).
		Time("from", start).Time("to", end).Msg("ohlc_fetch_started")
	total, requests, err := fetchCandles(ctx, client, symbol, interval, start, end, func(c core.Candle) error {
		return writeCandle(writer, c, interval)
	})
	if err != nil {
		fatal(err.Error())
	}
	fmt.Printf("done: records=%d requests=%d output=%s\n", total, requests, targetDir)
}

// fetchCandles pages through OHLC from start until end or until Kraken stops
// returning newer candles. Kraken only keeps the most recent 720 candles per
// interval, so older starts yield what is still available.
func fetchCandles(ctx context.Context, src ohlcSource, symbol string, interval int, start, end time.Time, emit func(core.Candle) error) (total, requests int, err error) {
	since := start.Unix() - 1
	var lastEmitted time.Time
	for {
		if err := ctx.Err(); err != nil {
			return total, requests, err
		}
		batch, next, err := src.OHLC(ctx, symbol, interval, since)
		if err != nil {
			return total, requests, err
		}
		requests++
		progressed := false
		for _, c := range batch {
			if c.Time.Before(start) || !c.Time.Before(end) {
				continue
			}
			if !lastEmitted.IsZero() && !c.Time.After(lastEmitted) {
				continue
			}
			if err := emit(c); err != nil {
				return total, requests, err
			}
			lastEmitted = c.Time
			total++
			progressed = true
		}
		if requests%20 == 0 {
			log.Info().Int("requests", requests).Int("records", total).Time("last", lastEmitted).Msg("ohlc_fetch_progress")
		}
		if !progressed || next <= since || len(batch) < maxCandlesPerCall || !time.Unix(next, 0).Before(end) {
			return total, requests, nil
		}
		since = next
	}
}

func writeCandle(w *dateWriter, c core.Candle, interval int) error {
	ts := c.Time.UTC()
	encoded, err := json.Marshal(candleLine{
		Time:      ts.Format(time.RFC3339),
		Timestamp: ts.Unix(),
		Symbol:    c.Symbol,
		Interval:  interval,
		Open:      c.Open.String(),
		High:      c.High.String(),
		Low:       c.Low.String(),
		Close:     c.Close.String(),
		VWAP:      c.VWAP.String(),
		Volume:    c.Volume.String(),
		Count:     c.Count,
	})
	if err != nil {
		return err
	}
	return w.write(ts.Format("2006-01-02"), encoded)
}

func resolveWindow(days int, startRaw, endRaw string) (time.Time, time.Time, error) {
	startRaw = strings.TrimSpace(startRaw)
	endRaw = strings.TrimSpace(endRaw)
	if startRaw == "" && endRaw == "" {
		if days < 1 {
			return time.Time{}, time.Time{}, errors.New("days must be >= 1")
		}
		end := time.Now().UTC()
		return end.AddDate(0, 0, -days), end, nil
	}
	if startRaw == "" || endRaw == "" {
		return time.Time{}, time.Time{}, errors.New("start and end must be provided together")
	}
	start, startDateOnly, err := parseRangeTime(startRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %w", err)
	}
	end, endDateOnly, err := parseRangeTime(endRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %w", err)
	}
	if startDateOnly {
		start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	}
	if endDateOnly {
		end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, errors.New("end must be after start")
	}
	return start.UTC(), end.UTC(), nil
}

func parseRangeTime(raw string) (time.Time, bool, error) {
	if len(raw) == len("2006-01-02") {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, false, err
		}
		return t, true, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), false, nil
		}
	}
	return time.Time{}, false, errors.New("unsupported time format")
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
