package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfgPath := writeTempConfig(t, `
mode: paper
`)

	cfg, err := LoadWithEnvFile(cfgPath, "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.InstanceID != "default" {
		t.Fatalf("instance_id = %q, want default", cfg.InstanceID)
	}
	if cfg.Exchange.RestBaseURL != "https://api.kraken.com" {
		t.Fatalf("exchange.rest_base_url = %q", cfg.Exchange.RestBaseURL)
	}
	if cfg.Exchange.PrivateWSURL != "wss://ws-auth.kraken.com/v2" {
		t.Fatalf("exchange.private_ws_url = %q", cfg.Exchange.PrivateWSURL)
	}
	if cfg.RateLimit.RPM != 60 || cfg.RateLimit.Burst != 15 || cfg.RateLimit.BackoffSec != 60 {
		t.Fatalf("rate_limit = %+v, want rpm=60 burst=15 backoff=60", cfg.RateLimit)
	}
	if got := strings.Join(cfg.MarketData.CoreSymbols, ","); got != "BTC/USD,ETH/USD" {
		t.Fatalf("market_data.core_symbols = %q", got)
	}
	if !cfg.Execution.MinBuffer.Equal(decimal.RequireFromString("0.0005")) {
		t.Fatalf("execution.min_buffer = %s, want 0.0005", cfg.Execution.MinBuffer.String())
	}
	if !cfg.Execution.PanicBufferCap.Equal(decimal.RequireFromString("0.005")) {
		t.Fatalf("execution.panic_buffer_cap = %s, want 0.005", cfg.Execution.PanicBufferCap.String())
	}
	if cfg.Execution.PassiveTTLSec != 60 || cfg.Execution.NormalTTLSec != 20 || cfg.Execution.PanicTTLSec != 5 {
		t.Fatalf("execution ttls = %d/%d/%d, want 60/20/5",
			cfg.Execution.PassiveTTLSec, cfg.Execution.NormalTTLSec, cfg.Execution.PanicTTLSec)
	}
	if cfg.Execution.PassiveRetries != 2 || cfg.Execution.NormalRetries != 1 {
		t.Fatalf("execution retries = %d/%d, want 2/1", cfg.Execution.PassiveRetries, cfg.Execution.NormalRetries)
	}
	if cfg.Risk.ReferenceSymbol != "BTC/USD" {
		t.Fatalf("risk.reference_symbol = %q, want BTC/USD", cfg.Risk.ReferenceSymbol)
	}
	if cfg.Risk.LossCooldownSec != 1800 {
		t.Fatalf("risk.loss_cooldown_sec = %d, want 1800", cfg.Risk.LossCooldownSec)
	}
	if cfg.Repositioner.Enabled == nil || !*cfg.Repositioner.Enabled {
		t.Fatalf("repositioner.enabled = %v, want true", cfg.Repositioner.Enabled)
	}
	if cfg.Repositioner.TimeoutSec != 300 {
		t.Fatalf("repositioner.timeout_sec = %d, want 300", cfg.Repositioner.TimeoutSec)
	}
	if cfg.State.LockStaleSec != 600 {
		t.Fatalf("state.lock_stale_sec = %d, want 600", cfg.State.LockStaleSec)
	}
	if cfg.Sink.File.Enabled == nil || !*cfg.Sink.File.Enabled {
		t.Fatalf("sink.file.enabled = %v, want true", cfg.Sink.File.Enabled)
	}
	if cfg.Observability.Runtime.AlertDropReportSec != 60 {
		t.Fatalf("observability.runtime.alert_drop_report_sec = %d, want 60", cfg.Observability.Runtime.AlertDropReportSec)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	cfgPath := writeTempConfig(t, `
mode: paper
grid:
  levels: 20
`)

	_, err := LoadWithEnvFile(cfgPath, "")
	if err == nil {
		t.Fatalf("Load() error = nil, want unknown field error")
	}
	if !strings.Contains(err.Error(), "field grid not found") {
		t.Fatalf("Load() error = %q, want unknown field", err.Error())
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	cfgPath := writeTempConfig(t, `
mode: paper
---
mode: live
`)

	_, err := LoadWithEnvFile(cfgPath, "")
	if err == nil || !strings.Contains(err.Error(), "single YAML document") {
		t.Fatalf("Load() error = %v, want single document error", err)
	}
}

func TestLoadNormalizesSymbolsAndInstanceID(t *testing.T) {
	cfgPath := writeTempConfig(t, `
instance_id: " Desk_A "
market_data:
  core_symbols: [" xbt/usd ", "eth/usd", "XBT/USD"]
risk:
  block_exits: [" Daily_Drawdown_Hard "]
`)

	cfg, err := LoadWithEnvFile(cfgPath, "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.InstanceID != "desk_a" {
		t.Fatalf("instance_id = %q, want desk_a", cfg.InstanceID)
	}
	if got := strings.Join(cfg.MarketData.CoreSymbols, ","); got != "XBT/USD,ETH/USD" {
		t.Fatalf("market_data.core_symbols = %q, want XBT/USD,ETH/USD", got)
	}
	if len(cfg.Risk.BlockExits) != 1 || cfg.Risk.BlockExits[0] != "daily_drawdown_hard" {
		t.Fatalf("risk.block_exits = %v", cfg.Risk.BlockExits)
	}
}

func TestLoadRejectsInvalidMode(t *testing.T) {
	cfgPath := writeTempConfig(t, `
mode: backtest
`)

	_, err := LoadWithEnvFile(cfgPath, "")
	if err == nil || !strings.Contains(err.Error(), "mode must be paper or live") {
		t.Fatalf("Load() error = %v, want mode error", err)
	}
}

func TestLoadLiveRequiresCredentials(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvAPISecret, "")
	cfgPath := writeTempConfig(t, `
mode: live
`)

	_, err := LoadWithEnvFile(cfgPath, "")
	if err == nil || !strings.Contains(err.Error(), "api_key/api_secret are required") {
		t.Fatalf("Load() error = %v, want credentials error", err)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv(EnvAPIKey, "env-key")
	t.Setenv(EnvAPISecret, "ZW52LXNlY3JldA==")
	t.Setenv(EnvRateLimitRPM, "150")
	t.Setenv(EnvRateLimitBurst, "20")
	t.Setenv(EnvRateLimitBackoff, "90")
	t.Setenv(EnvLogLevel, "DEBUG")
	cfgPath := writeTempConfig(t, `
mode: live
exchange:
  api_key: file-key
  api_secret: file-secret
rate_limit:
  rpm: 100
`)

	cfg, err := LoadWithEnvFile(cfgPath, "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Exchange.APIKey != "env-key" {
		t.Fatalf("exchange.api_key = %q, want env-key", cfg.Exchange.APIKey)
	}
	if cfg.RateLimit.RPM != 150 || cfg.RateLimit.Burst != 20 || cfg.RateLimit.BackoffSec != 90 {
		t.Fatalf("rate_limit = %+v, want rpm=150 burst=20 backoff=90", cfg.RateLimit)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Fatalf("observability.log_level = %q, want debug", cfg.Observability.LogLevel)
	}
}

func TestLoadRejectsMalformedEnvOverride(t *testing.T) {
	t.Setenv(EnvRateLimitBurst, "lots")
	cfgPath := writeTempConfig(t, `
mode: paper
`)

	_, err := LoadWithEnvFile(cfgPath, "")
	if err == nil || !strings.Contains(err.Error(), EnvRateLimitBurst) {
		t.Fatalf("Load() error = %v, want %s parse error", err, EnvRateLimitBurst)
	}
}

func TestLoadReadsDotEnvFile(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvAPISecret, "")
	os.Unsetenv(EnvAPIKey)
	os.Unsetenv(EnvAPISecret)

	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("KRAKEN_API_KEY=dotenv-key\nKRAKEN_API_SECRET=c2VjcmV0\n"), 0o600); err != nil {
		t.Fatalf("write env file failed: %v", err)
	}
	cfgPath := writeTempConfig(t, `
mode: live
`)

	cfg, err := LoadWithEnvFile(cfgPath, envPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Exchange.APIKey != "dotenv-key" {
		t.Fatalf("exchange.api_key = %q, want dotenv-key", cfg.Exchange.APIKey)
	}
}

func TestLoadIgnoresMissingDotEnvFile(t *testing.T) {
	cfgPath := writeTempConfig(t, `
mode: paper
`)

	if _, err := LoadWithEnvFile(cfgPath, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("Load() error = %v, want nil for missing .env", err)
	}
}

func TestLoadRejectsInvalidRestURLScheme(t *testing.T) {
	cfgPath := writeTempConfig(t, `
exchange:
  rest_base_url: ftp://api.kraken.com
`)

	_, err := LoadWithEnvFile(cfgPath, "")
	if err == nil || !strings.Contains(err.Error(), "rest_base_url") {
		t.Fatalf("Load() error = %v, want rest_base_url error", err)
	}
}

func TestLoadRejectsInvalidWSURLScheme(t *testing.T) {
	cfgPath := writeTempConfig(t, `
exchange:
  public_ws_url: https://ws.kraken.com/v2
`)

	_, err := LoadWithEnvFile(cfgPath, "")
	if err == nil || !strings.Contains(err.Error(), "scheme must be ws or wss") {
		t.Fatalf("Load() error = %v, want ws scheme error", err)
	}
}

func TestLoadRejectsPingIntervalAboveStaleAfter(t *testing.T) {
	cfgPath := writeTempConfig(t, `
exchange:
  ws:
    stale_after_sec: 10
    ping_interval_sec: 10
`)

	_, err := LoadWithEnvFile(cfgPath, "")
	if err == nil || !strings.Contains(err.Error(), "ping_interval_sec") {
		t.Fatalf("Load() error = %v, want ping interval error", err)
	}
}

func TestLoadRejectsInvalidCoreSymbol(t *testing.T) {
	cfgPath := writeTempConfig(t, `
market_data:
  core_symbols: [XBTUSD]
`)

	_, err := LoadWithEnvFile(cfgPath, "")
	if err == nil || !strings.Contains(err.Error(), "BASE/QUOTE") {
		t.Fatalf("Load() error = %v, want symbol error", err)
	}
}

func TestLoadRejectsUnsupportedBookDepth(t *testing.T) {
	cfgPath := writeTempConfig(t, `
market_data:
  book_depth: 20
`)

	_, err := LoadWithEnvFile(cfgPath, "")
	if err == nil || !strings.Contains(err.Error(), "book_depth") {
		t.Fatalf("Load() error = %v, want book depth error", err)
	}
}

func TestLoadRejectsBufferOrdering(t *testing.T) {
	cfgPath := writeTempConfig(t, `
execution:
  min_buffer: "0.004"
  max_buffer: "0.003"
`)

	_, err := LoadWithEnvFile(cfgPath, "")
	if err == nil || !strings.Contains(err.Error(), "min_buffer") {
		t.Fatalf("Load() error = %v, want buffer error", err)
	}
}

func TestLoadKeepsExplicitExecutionOverrides(t *testing.T) {
	cfgPath := writeTempConfig(t, `
execution:
  normal_retries: 4
  passive_ttl_sec: 90
`)

	cfg, err := LoadWithEnvFile(cfgPath, "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Execution.NormalRetries != 4 || cfg.Execution.PassiveTTLSec != 90 {
		t.Fatalf("execution = %+v, want normal_retries=4 passive_ttl_sec=90", cfg.Execution)
	}
	if cfg.Execution.PassiveRetries != 2 {
		t.Fatalf("execution.passive_retries = %d, want default 2", cfg.Execution.PassiveRetries)
	}
}

func TestLoadRejectsHardDrawdownBelowSoft(t *testing.T) {
	cfgPath := writeTempConfig(t, `
risk:
  drawdown_soft_pct: "0.06"
  drawdown_hard_pct: "0.05"
`)

	_, err := LoadWithEnvFile(cfgPath, "")
	if err == nil || !strings.Contains(err.Error(), "drawdown_hard_pct") {
		t.Fatalf("Load() error = %v, want drawdown error", err)
	}
}

func TestLoadRejectsUnknownBlockExitBreaker(t *testing.T) {
	cfgPath := writeTempConfig(t, `
risk:
  block_exits: [margin_call]
`)

	_, err := LoadWithEnvFile(cfgPath, "")
	if err == nil || !strings.Contains(err.Error(), "unknown breaker") {
		t.Fatalf("Load() error = %v, want unknown breaker error", err)
	}
}

func TestLoadRejectsRedisWithoutAddr(t *testing.T) {
	cfgPath := writeTempConfig(t, `
sink:
  redis:
    enabled: true
`)

	_, err := LoadWithEnvFile(cfgPath, "")
	if err == nil || !strings.Contains(err.Error(), "sink.redis.addr") {
		t.Fatalf("Load() error = %v, want redis addr error", err)
	}
}

func TestLoadRejectsInvalidRuntimeAlertDropReportInterval(t *testing.T) {
	cfgPath := writeTempConfig(t, `
observability:
  runtime:
    alert_drop_report_sec: 7200
`)

	_, err := LoadWithEnvFile(cfgPath, "")
	if err == nil || !strings.Contains(err.Error(), "alert_drop_report_sec") {
		t.Fatalf("Load() error = %v, want alert drop report error", err)
	}
}

func TestLoadTelegramDisabledIgnoresInvalidAPIBaseURL(t *testing.T) {
	cfgPath := writeTempConfig(t, `
observability:
  telegram:
    enabled: false
    api_base_url: "::bad::"
`)

	if _, err := LoadWithEnvFile(cfgPath, ""); err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
}

func TestLoadRejectsCircuitBreakerCooldownOutOfRange(t *testing.T) {
	cfgPath := writeTempConfig(t, `
circuit_breaker:
  enabled: true
  cooldown_sec: 7200
`)

	_, err := LoadWithEnvFile(cfgPath, "")
	if err == nil || !strings.Contains(err.Error(), "cooldown_sec") {
		t.Fatalf("Load() error = %v, want cooldown error", err)
	}
}

func TestLoadStateLockTakeoverCanDisableExplicitly(t *testing.T) {
	cfgPath := writeTempConfig(t, `
state:
  lock_takeover: false
`)

	cfg, err := LoadWithEnvFile(cfgPath, "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.State.LockTakeover == nil {
		t.Fatalf("state.lock_takeover = nil, want false")
	}
	if *cfg.State.LockTakeover {
		t.Fatalf("state.lock_takeover = true, want false")
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o644); err != nil {
		t.Fatalf("write temp config failed: %v", err)
	}
	return path
}
