package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Environment variables that override the YAML file.
const (
	EnvAPIKey           = "KRAKEN_API_KEY"
	EnvAPISecret        = "KRAKEN_API_SECRET"
	EnvRateLimitRPM     = "RATE_LIMIT_RPM"
	EnvRateLimitBurst   = "RATE_LIMIT_BURST"
	EnvRateLimitBackoff = "RATE_LIMIT_BACKOFF_SEC"
	EnvLogLevel         = "LOG_LEVEL"
)

type Config struct {
	Mode           Mode                 `yaml:"mode"`
	InstanceID     string               `yaml:"instance_id"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	MarketData     MarketDataConfig     `yaml:"market_data"`
	Execution      ExecutionConfig      `yaml:"execution"`
	Risk           RiskConfig           `yaml:"risk"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Repositioner   RepositionerConfig   `yaml:"repositioner"`
	State          StateConfig          `yaml:"state"`
	Sink           SinkConfig           `yaml:"sink"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type ExchangeConfig struct {
	APIKey           string   `yaml:"api_key"`
	APISecret        string   `yaml:"api_secret"`
	RestBaseURL      string   `yaml:"rest_base_url"`
	PublicWSURL      string   `yaml:"public_ws_url"`
	PrivateWSURL     string   `yaml:"private_ws_url"`
	HTTPTimeoutSec   int64    `yaml:"http_timeout_sec"`
	MaxRetries       int      `yaml:"max_retries"`
	RetryBaseMs      int64    `yaml:"retry_base_ms"`
	AcquireTimeoutMs int64    `yaml:"acquire_timeout_ms"`
	WS               WSConfig `yaml:"ws"`
}

type WSConfig struct {
	DialTimeoutSec  int64 `yaml:"dial_timeout_sec"`
	WriteTimeoutSec int64 `yaml:"write_timeout_sec"`
	StaleAfterSec   int64 `yaml:"stale_after_sec"`
	PingIntervalSec int64 `yaml:"ping_interval_sec"`
	BackoffMaxSec   int64 `yaml:"backoff_max_sec"`
	Buffer          int   `yaml:"buffer"`
}

type RateLimitConfig struct {
	RPM         float64 `yaml:"rpm"`
	Burst       int     `yaml:"burst"`
	BackoffSec  int64   `yaml:"backoff_sec"`
	LowFloorPct float64 `yaml:"low_floor_pct"`
}

type MarketDataConfig struct {
	CoreSymbols        []string `yaml:"core_symbols"`
	QuoteAssets        []string `yaml:"quote_assets"`
	MaxQuoteAgeMs      int64    `yaml:"max_quote_age_ms"`
	StaleAfterSec      int64    `yaml:"stale_after_sec"`
	FocusFlushMs       int64    `yaml:"focus_flush_ms"`
	ScoutFlushSec      int64    `yaml:"scout_flush_sec"`
	PromoteIntervalSec int64    `yaml:"promote_interval_sec"`
	DemoteIdleSec      int64    `yaml:"demote_idle_sec"`
	DemoteCooldownSec  int64    `yaml:"demote_cooldown_sec"`
	MaxPromoted        int      `yaml:"max_promoted"`
	VolumeRatio        Decimal  `yaml:"volume_ratio"`
	MoveThreshold      Decimal  `yaml:"move_threshold"`
	SpreadThreshold    Decimal  `yaml:"spread_threshold"`
	PromoteScore       int      `yaml:"promote_score"`
	BookDepth          int      `yaml:"book_depth"`
}

type ExecutionConfig struct {
	MinBuffer       Decimal `yaml:"min_buffer"`
	MaxBuffer       Decimal `yaml:"max_buffer"`
	PanicBufferCap  Decimal `yaml:"panic_buffer_cap"`
	RetryWidenStep  Decimal `yaml:"retry_widen_step"`
	PassiveTTLSec   int64   `yaml:"passive_ttl_sec"`
	NormalTTLSec    int64   `yaml:"normal_ttl_sec"`
	PanicTTLSec     int64   `yaml:"panic_ttl_sec"`
	PassiveRetries  int     `yaml:"passive_retries"`
	NormalRetries   int     `yaml:"normal_retries"`
	SubmitTimeoutMs int64   `yaml:"submit_timeout_ms"`
	CancelTimeoutMs int64   `yaml:"cancel_timeout_ms"`
	QueryTimeoutMs  int64   `yaml:"query_timeout_ms"`
	PollIntervalMs  int64   `yaml:"poll_interval_ms"`
	SlippageHistory int     `yaml:"slippage_history"`
}

type RiskConfig struct {
	DrawdownSoftPct     Decimal  `yaml:"drawdown_soft_pct"`
	DrawdownHardPct     Decimal  `yaml:"drawdown_hard_pct"`
	LossStreakThreshold int      `yaml:"loss_streak_threshold"`
	LossCooldownSec     int64    `yaml:"loss_cooldown_sec"`
	SpreadBlowoutBps    Decimal  `yaml:"spread_blowout_bps"`
	SpreadRecoveryBps   Decimal  `yaml:"spread_recovery_bps"`
	SpreadEnterTicks    int      `yaml:"spread_enter_ticks"`
	SpreadExitTicks     int      `yaml:"spread_exit_ticks"`
	StaleQuoteSec       int64    `yaml:"stale_quote_sec"`
	TickIntervalMs      int64    `yaml:"tick_interval_ms"`
	ReferenceSymbol     string   `yaml:"reference_symbol"`
	BlockExits          []string `yaml:"block_exits"`
}

type CircuitBreakerConfig struct {
	Enabled              bool  `yaml:"enabled"`
	MaxPlaceFailures     int   `yaml:"max_place_failures"`
	MaxCancelFailures    int   `yaml:"max_cancel_failures"`
	MaxReconnectFailures int   `yaml:"max_reconnect_failures"`
	CooldownSec          int64 `yaml:"cooldown_sec"`
	ProbePasses          int   `yaml:"probe_passes"`
}

type RepositionerConfig struct {
	Enabled     *bool `yaml:"enabled"`
	TimeoutSec  int64 `yaml:"timeout_sec"`
	IntervalSec int64 `yaml:"interval_sec"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type SinkConfig struct {
	File  FileSinkConfig  `yaml:"file"`
	Redis RedisSinkConfig `yaml:"redis"`
}

type FileSinkConfig struct {
	Enabled *bool `yaml:"enabled"`
}

type RedisSinkConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Addr     string           `yaml:"addr"`
	Password string           `yaml:"password"`
	DB       int              `yaml:"db"`
	TTLSec   map[string]int64 `yaml:"ttl_sec"`
}

type ObservabilityConfig struct {
	LogLevel    string         `yaml:"log_level"`
	LogFormat   string         `yaml:"log_format"`
	MetricsAddr string         `yaml:"metrics_addr"`
	Telegram    TelegramConfig `yaml:"telegram"`
	Runtime     RuntimeConfig  `yaml:"runtime"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type RuntimeConfig struct {
	HeartbeatSec       int64 `yaml:"heartbeat_sec"`
	AlertDropReportSec int64 `yaml:"alert_drop_report_sec"`
}

// Load reads the YAML file, then the optional .env file in the working
// directory, then environment overrides.
func Load(path string) (Config, error) {
	return LoadWithEnvFile(path, ".env")
}

func LoadWithEnvFile(path, envFile string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvAPIKey); ok && strings.TrimSpace(v) != "" {
		c.Exchange.APIKey = v
	}
	if v, ok := lookup(EnvAPISecret); ok && strings.TrimSpace(v) != "" {
		c.Exchange.APISecret = v
	}
	if v, ok := lookup(EnvRateLimitRPM); ok && strings.TrimSpace(v) != "" {
		rpm, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRateLimitRPM, err)
		}
		c.RateLimit.RPM = rpm
	}
	if v, ok := lookup(EnvRateLimitBurst); ok && strings.TrimSpace(v) != "" {
		burst, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRateLimitBurst, err)
		}
		c.RateLimit.Burst = burst
	}
	if v, ok := lookup(EnvRateLimitBackoff); ok && strings.TrimSpace(v) != "" {
		sec, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRateLimitBackoff, err)
		}
		c.RateLimit.BackoffSec = sec
	}
	if v, ok := lookup(EnvLogLevel); ok && strings.TrimSpace(v) != "" {
		c.Observability.LogLevel = v
	}
	return nil
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.RestBaseURL = strings.TrimRight(strings.TrimSpace(c.Exchange.RestBaseURL), "/")
	c.Exchange.PublicWSURL = strings.TrimSpace(c.Exchange.PublicWSURL)
	c.Exchange.PrivateWSURL = strings.TrimSpace(c.Exchange.PrivateWSURL)
	c.MarketData.CoreSymbols = normalizeList(c.MarketData.CoreSymbols)
	c.MarketData.QuoteAssets = normalizeList(c.MarketData.QuoteAssets)
	c.Risk.ReferenceSymbol = strings.ToUpper(strings.TrimSpace(c.Risk.ReferenceSymbol))
	for i, name := range c.Risk.BlockExits {
		c.Risk.BlockExits[i] = strings.ToLower(strings.TrimSpace(name))
	}
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Sink.Redis.Addr = strings.TrimSpace(c.Sink.Redis.Addr)
	c.Observability.LogLevel = strings.ToLower(strings.TrimSpace(c.Observability.LogLevel))
	c.Observability.LogFormat = strings.ToLower(strings.TrimSpace(c.Observability.LogFormat))
	c.Observability.MetricsAddr = strings.TrimSpace(c.Observability.MetricsAddr)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
}

// normalizeList upper-cases, trims and de-duplicates, keeping order.
func normalizeList(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.ToUpper(strings.TrimSpace(v))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModePaper
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}

	ex := &c.Exchange
	if ex.RestBaseURL == "" {
		ex.RestBaseURL = "https://api.kraken.com"
	}
	if ex.PublicWSURL == "" {
		ex.PublicWSURL = "wss://ws.kraken.com/v2"
	}
	if ex.PrivateWSURL == "" {
		ex.PrivateWSURL = "wss://ws-auth.kraken.com/v2"
	}
	setDefault(&ex.HTTPTimeoutSec, 15)
	if ex.MaxRetries == 0 {
		ex.MaxRetries = 3
	}
	setDefault(&ex.RetryBaseMs, 250)
	setDefault(&ex.AcquireTimeoutMs, 5000)
	setDefault(&ex.WS.DialTimeoutSec, 10)
	setDefault(&ex.WS.WriteTimeoutSec, 5)
	setDefault(&ex.WS.StaleAfterSec, 15)
	setDefault(&ex.WS.PingIntervalSec, 10)
	setDefault(&ex.WS.BackoffMaxSec, 30)
	if ex.WS.Buffer == 0 {
		ex.WS.Buffer = 256
	}

	rl := &c.RateLimit
	if rl.RPM == 0 {
		rl.RPM = 60
	}
	if rl.Burst == 0 {
		rl.Burst = 15
	}
	setDefault(&rl.BackoffSec, 60)
	if rl.LowFloorPct == 0 {
		rl.LowFloorPct = 0.2
	}

	md := &c.MarketData
	if len(md.CoreSymbols) == 0 {
		md.CoreSymbols = []string{"BTC/USD", "ETH/USD"}
	}
	if len(md.QuoteAssets) == 0 {
		md.QuoteAssets = []string{"USD", "USDT", "USDC", "DAI"}
	}
	setDefault(&md.MaxQuoteAgeMs, 5000)
	setDefault(&md.StaleAfterSec, 30)
	setDefault(&md.FocusFlushMs, 500)
	setDefault(&md.ScoutFlushSec, 10)
	setDefault(&md.PromoteIntervalSec, 30)
	setDefault(&md.DemoteIdleSec, 60)
	setDefault(&md.DemoteCooldownSec, 600)
	if md.MaxPromoted == 0 {
		md.MaxPromoted = 10
	}
	setDecimalDefault(&md.VolumeRatio, "2")
	setDecimalDefault(&md.MoveThreshold, "0.005")
	setDecimalDefault(&md.SpreadThreshold, "0.002")
	if md.PromoteScore == 0 {
		md.PromoteScore = 3
	}
	if md.BookDepth == 0 {
		md.BookDepth = 10
	}

	ec := &c.Execution
	setDecimalDefault(&ec.MinBuffer, "0.0005")
	setDecimalDefault(&ec.MaxBuffer, "0.003")
	setDecimalDefault(&ec.PanicBufferCap, "0.005")
	setDecimalDefault(&ec.RetryWidenStep, "0.0005")
	setDefault(&ec.PassiveTTLSec, 60)
	setDefault(&ec.NormalTTLSec, 20)
	setDefault(&ec.PanicTTLSec, 5)
	if ec.PassiveRetries == 0 {
		ec.PassiveRetries = 2
	}
	if ec.NormalRetries == 0 {
		ec.NormalRetries = 1
	}
	setDefault(&ec.SubmitTimeoutMs, 5000)
	setDefault(&ec.CancelTimeoutMs, 5000)
	setDefault(&ec.QueryTimeoutMs, 5000)
	setDefault(&ec.PollIntervalMs, 2000)
	if ec.SlippageHistory == 0 {
		ec.SlippageHistory = 500
	}

	rk := &c.Risk
	setDecimalDefault(&rk.DrawdownSoftPct, "0.03")
	setDecimalDefault(&rk.DrawdownHardPct, "0.05")
	if rk.LossStreakThreshold == 0 {
		rk.LossStreakThreshold = 3
	}
	setDefault(&rk.LossCooldownSec, 1800)
	setDecimalDefault(&rk.SpreadBlowoutBps, "50")
	setDecimalDefault(&rk.SpreadRecoveryBps, "20")
	if rk.SpreadEnterTicks == 0 {
		rk.SpreadEnterTicks = 3
	}
	if rk.SpreadExitTicks == 0 {
		rk.SpreadExitTicks = 5
	}
	setDefault(&rk.StaleQuoteSec, 10)
	setDefault(&rk.TickIntervalMs, 1000)
	if rk.ReferenceSymbol == "" && len(md.CoreSymbols) > 0 {
		rk.ReferenceSymbol = md.CoreSymbols[0]
	}

	cb := &c.CircuitBreaker
	if cb.MaxPlaceFailures == 0 {
		cb.MaxPlaceFailures = 5
	}
	if cb.MaxCancelFailures == 0 {
		cb.MaxCancelFailures = 5
	}
	if cb.MaxReconnectFailures == 0 {
		cb.MaxReconnectFailures = 10
	}
	setDefault(&cb.CooldownSec, 30)
	if cb.ProbePasses == 0 {
		cb.ProbePasses = 1
	}

	if c.Repositioner.Enabled == nil {
		enabled := true
		c.Repositioner.Enabled = &enabled
	}
	setDefault(&c.Repositioner.TimeoutSec, 300)
	setDefault(&c.Repositioner.IntervalSec, 30)

	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	setDefault(&c.State.LockStaleSec, 600)

	if c.Sink.File.Enabled == nil {
		enabled := true
		c.Sink.File.Enabled = &enabled
	}

	ob := &c.Observability
	if ob.LogLevel == "" {
		ob.LogLevel = "info"
	}
	if ob.LogFormat == "" {
		ob.LogFormat = "json"
	}
	if ob.Telegram.APIBaseURL == "" {
		ob.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	setDefault(&ob.Telegram.TimeoutSec, 10)
	setDefault(&ob.Runtime.HeartbeatSec, 15)
	setDefault(&ob.Runtime.AlertDropReportSec, 60)
}

func setDefault(v *int64, def int64) {
	if *v == 0 {
		*v = def
	}
}

func setDecimalDefault(v *Decimal, def string) {
	if v.IsZero() {
		v.Decimal = decimal.RequireFromString(def)
	}
}

var knownBreakers = map[string]bool{
	"daily_drawdown_soft":  true,
	"daily_drawdown_hard":  true,
	"loss_streak_cooldown": true,
	"spread_blowout":       true,
	"stale_quote":          true,
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModePaper, ModeLive:
	default:
		return fmt.Errorf("mode must be paper or live")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if err := c.validateExchange(); err != nil {
		return err
	}
	if c.RateLimit.RPM <= 0 || c.RateLimit.RPM > 6000 {
		return fmt.Errorf("rate_limit.rpm must be in (0, 6000]")
	}
	if c.RateLimit.Burst < 1 || c.RateLimit.Burst > 1000 {
		return fmt.Errorf("rate_limit.burst must be between 1 and 1000")
	}
	if c.RateLimit.BackoffSec < 1 || c.RateLimit.BackoffSec > 3600 {
		return fmt.Errorf("rate_limit.backoff_sec must be between 1 and 3600")
	}
	if c.RateLimit.LowFloorPct < 0 || c.RateLimit.LowFloorPct >= 1 {
		return fmt.Errorf("rate_limit.low_floor_pct must be in [0, 1)")
	}
	if err := c.validateMarketData(); err != nil {
		return err
	}
	if err := c.validateExecution(); err != nil {
		return err
	}
	if err := c.validateRisk(); err != nil {
		return err
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_place_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxCancelFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_cancel_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxReconnectFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_reconnect_failures must be >= 1")
		}
		if c.CircuitBreaker.CooldownSec < 1 || c.CircuitBreaker.CooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.cooldown_sec must be between 1 and 3600")
		}
		if c.CircuitBreaker.ProbePasses < 1 || c.CircuitBreaker.ProbePasses > 20 {
			return fmt.Errorf("circuit_breaker.probe_passes must be between 1 and 20")
		}
	}
	if c.Repositioner.TimeoutSec < 1 || c.Repositioner.IntervalSec < 1 {
		return fmt.Errorf("repositioner timeout_sec and interval_sec must be >= 1")
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}
	if c.Sink.Redis.Enabled && c.Sink.Redis.Addr == "" {
		return fmt.Errorf("sink.redis.addr is required when redis enabled")
	}
	for table, ttl := range c.Sink.Redis.TTLSec {
		if ttl < 0 {
			return fmt.Errorf("sink.redis.ttl_sec.%s must be >= 0", table)
		}
	}
	return c.validateObservability()
}

func (c Config) validateExchange() error {
	ex := c.Exchange
	if c.Mode == ModeLive && (ex.APIKey == "" || ex.APISecret == "") {
		return fmt.Errorf("exchange api_key/api_secret are required for live mode (or set %s/%s)", EnvAPIKey, EnvAPISecret)
	}
	if err := validateURL(ex.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if err := validateURL(ex.PublicWSURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange public_ws_url %v", err)
	}
	if err := validateURL(ex.PrivateWSURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange private_ws_url %v", err)
	}
	if ex.HTTPTimeoutSec < 1 || ex.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if ex.MaxRetries < -1 || ex.MaxRetries > 10 {
		return fmt.Errorf("exchange max_retries must be between -1 and 10")
	}
	if ex.WS.StaleAfterSec < 1 || ex.WS.StaleAfterSec > 300 {
		return fmt.Errorf("exchange ws.stale_after_sec must be between 1 and 300")
	}
	if ex.WS.PingIntervalSec < 1 || ex.WS.PingIntervalSec >= ex.WS.StaleAfterSec {
		return fmt.Errorf("exchange ws.ping_interval_sec must be >= 1 and below stale_after_sec")
	}
	if ex.WS.BackoffMaxSec < 1 || ex.WS.BackoffMaxSec > 600 {
		return fmt.Errorf("exchange ws.backoff_max_sec must be between 1 and 600")
	}
	if ex.WS.Buffer < 1 {
		return fmt.Errorf("exchange ws.buffer must be >= 1")
	}
	return nil
}

func (c Config) validateMarketData() error {
	md := c.MarketData
	for _, s := range md.CoreSymbols {
		if !isValidSymbol(s) {
			return fmt.Errorf("market_data.core_symbols: %q must look like BASE/QUOTE", s)
		}
	}
	if md.MaxQuoteAgeMs < 100 {
		return fmt.Errorf("market_data.max_quote_age_ms must be >= 100")
	}
	if md.FocusFlushMs < 50 {
		return fmt.Errorf("market_data.focus_flush_ms must be >= 50")
	}
	if md.ScoutFlushSec < 1 {
		return fmt.Errorf("market_data.scout_flush_sec must be >= 1")
	}
	if md.DemoteCooldownSec < md.DemoteIdleSec {
		return fmt.Errorf("market_data.demote_cooldown_sec must be >= demote_idle_sec")
	}
	if md.MaxPromoted < 0 {
		return fmt.Errorf("market_data.max_promoted must be >= 0")
	}
	if md.PromoteScore < 1 || md.PromoteScore > 4 {
		return fmt.Errorf("market_data.promote_score must be between 1 and 4")
	}
	switch md.BookDepth {
	case 10, 25, 100, 500, 1000:
	default:
		return fmt.Errorf("market_data.book_depth must be one of 10, 25, 100, 500, 1000")
	}
	return nil
}

func (c Config) validateExecution() error {
	ec := c.Execution
	if ec.MinBuffer.Sign() < 0 || ec.MaxBuffer.LessThan(ec.MinBuffer.Decimal) {
		return fmt.Errorf("execution min_buffer must be >= 0 and <= max_buffer")
	}
	if ec.PanicBufferCap.LessThan(ec.MaxBuffer.Decimal) {
		return fmt.Errorf("execution.panic_buffer_cap must be >= max_buffer")
	}
	if ec.PanicBufferCap.GreaterThan(decimal.RequireFromString("0.05")) {
		return fmt.Errorf("execution.panic_buffer_cap must be <= 0.05")
	}
	if ec.PassiveTTLSec < 1 || ec.NormalTTLSec < 1 || ec.PanicTTLSec < 1 {
		return fmt.Errorf("execution ttl values must be >= 1")
	}
	if ec.PassiveRetries < 0 || ec.PassiveRetries > 10 || ec.NormalRetries < 0 || ec.NormalRetries > 10 {
		return fmt.Errorf("execution retries must be between 0 and 10")
	}
	if ec.SubmitTimeoutMs < 100 || ec.CancelTimeoutMs < 100 || ec.QueryTimeoutMs < 100 {
		return fmt.Errorf("execution timeouts must be >= 100ms")
	}
	if ec.PollIntervalMs < 100 {
		return fmt.Errorf("execution.poll_interval_ms must be >= 100")
	}
	return nil
}

func (c Config) validateRisk() error {
	rk := c.Risk
	if rk.DrawdownHardPct.LessThan(rk.DrawdownSoftPct.Decimal) {
		return fmt.Errorf("risk.drawdown_hard_pct must be >= drawdown_soft_pct")
	}
	if rk.DrawdownHardPct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("risk.drawdown_hard_pct must be < 1")
	}
	if rk.SpreadRecoveryBps.GreaterThan(rk.SpreadBlowoutBps.Decimal) {
		return fmt.Errorf("risk.spread_recovery_bps must be <= spread_blowout_bps")
	}
	if rk.SpreadEnterTicks < 1 || rk.SpreadExitTicks < 1 {
		return fmt.Errorf("risk spread tick counts must be >= 1")
	}
	if rk.TickIntervalMs < 100 {
		return fmt.Errorf("risk.tick_interval_ms must be >= 100")
	}
	for _, name := range rk.BlockExits {
		if !knownBreakers[name] {
			return fmt.Errorf("risk.block_exits: unknown breaker %q", name)
		}
	}
	return nil
}

func (c Config) validateObservability() error {
	ob := c.Observability
	switch ob.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("observability.log_format must be json or console")
	}
	if ob.Runtime.HeartbeatSec < 0 || ob.Runtime.HeartbeatSec > 3600 {
		return fmt.Errorf("observability.runtime.heartbeat_sec must be between 0 and 3600")
	}
	if ob.Runtime.AlertDropReportSec < 0 || ob.Runtime.AlertDropReportSec > 3600 {
		return fmt.Errorf("observability.runtime.alert_drop_report_sec must be between 0 and 3600")
	}
	if ob.Telegram.Enabled {
		if ob.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if ob.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if ob.Telegram.TimeoutSec < 1 || ob.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(ob.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	return nil
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// isValidSymbol accepts websocket v2 pair names such as BTC/USD.
func isValidSymbol(v string) bool {
	base, quote, ok := strings.Cut(v, "/")
	if !ok || len(base) < 1 || len(quote) < 2 || len(v) > 20 {
		return false
	}
	for _, r := range base + quote {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
