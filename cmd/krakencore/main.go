package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"kraken-core/internal/alert"
	"kraken-core/internal/config"
	"kraken-core/internal/engine"
	"kraken-core/internal/execution"
	"kraken-core/internal/logging"
	"kraken-core/internal/store"
)

func main() {
	var (
		configPath string
		check      bool
		checkWait  int
		outJSON    string
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.BoolVar(&check, "check", false, "run preflight checks and exit")
	flag.IntVar(&checkWait, "check-wait-sec", 15, "wait seconds for stream checks")
	flag.StringVar(&outJSON, "out-json", "", "optional preflight report path")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	logging.Setup(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	alerts := buildAlertManager(cfg)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	code := 0
	if check {
		r := runChecks(ctx, cfg, time.Duration(checkWait)*time.Second)
		printSummary(r)
		if outJSON != "" {
			if err := writeReport(outJSON, r); err != nil {
				fmt.Fprintf(os.Stderr, "write report failed: %v\n", err)
				code = 1
			}
		}
		if r.failed() {
			code = 1
		}
	} else if err := run(ctx, cfg, alerts); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("krakencore_stopped")
		code = 1
	}

	stop()
	closeAlerts(alerts)
	os.Exit(code)
}

func run(ctx context.Context, cfg config.Config, alertMgr *alert.Manager) error {
	alerts := alerter(alertMgr)
	dir := stateDir(cfg)
	st, err := store.New(dir)
	if err != nil {
		return err
	}
	lockTakeover := true
	if cfg.State.LockTakeover != nil {
		lockTakeover = *cfg.State.LockTakeover
	}
	instanceLock, err := store.AcquireInstanceLockWithOptions(dir, store.LockOptions{
		InstanceID:      cfg.InstanceID,
		TakeoverEnabled: lockTakeover,
		StaleAfter:      seconds(cfg.State.LockStaleSec),
	})
	if err != nil {
		return err
	}
	defer func() {
		if relErr := instanceLock.Release(); relErr != nil {
			log.Warn().Err(relErr).Msg("instance_lock_release_failed")
		}
	}()

	compactPreviousDay(st, time.Now())

	sink, err := buildSink(ctx, cfg.Sink, st)
	if err != nil {
		return err
	}
	c, err := buildComponents(cfg, st, sink, alerts)
	if err != nil {
		return err
	}

	entries, err := c.client.AssetPairs(ctx)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	if err := c.market.Bootstrap(entries); err != nil {
		return fmt.Errorf("bootstrap market data: %w", err)
	}
	restored, err := c.execution.Restore()
	if err != nil {
		return fmt.Errorf("restore open tickets: %w", err)
	}
	if len(restored) > 0 {
		log.Warn().Int("tickets", len(restored)).Msg("open_tickets_restored")
	}

	if cfg.Observability.MetricsAddr != "" {
		srv := startMetrics(cfg.Observability.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	runner := &engine.Runner{
		Mode:         string(cfg.Mode),
		InstanceID:   cfg.InstanceID,
		Public:       c.public,
		Market:       c.market,
		Execution:    c.execution,
		Risk:         c.risk,
		Readings:     c.readings,
		RiskInterval: milliseconds(cfg.Risk.TickIntervalMs),
		Breaker:      c.breaker,
		Store:        st,
		Heartbeat:    seconds(cfg.Observability.Runtime.HeartbeatSec),
		Alerts:       alerts,
	}
	if c.private != nil {
		runner.Private = c.private
	}
	if cfg.Repositioner.Enabled == nil || *cfg.Repositioner.Enabled {
		runner.Repositioner = execution.NewRepositioner(
			c.execution,
			seconds(cfg.Repositioner.TimeoutSec),
			seconds(cfg.Repositioner.IntervalSec),
		)
	}
	return runner.Run(ctx)
}

func startMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics_server_failed")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics_server_started")
	return srv
}

func closeAlerts(m *alert.Manager) {
	if m == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Close(closeCtx); err != nil {
		fmt.Fprintf(os.Stderr, "close alert manager failed: %v\n", err)
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
