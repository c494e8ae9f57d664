package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"spot-arb/internal/core"
)

type Mode string

const (
	ModeSimulation Mode = "simulation"
	ModeReplay     Mode = "replay"
	ModeLive       Mode = "live"
)

const (
	StrategyTriangular = "triangular_arbitrage"
	StrategyStable     = "stable_currency"
)

// Environment variables that take precedence over the YAML file.
const (
	EnvAPIKey         = "SPOTARB_API_KEY"
	EnvAPISecret      = "SPOTARB_API_SECRET"
	EnvTelegramToken  = "SPOTARB_TELEGRAM_TOKEN"
	EnvTelegramChatID = "SPOTARB_TELEGRAM_CHAT_ID"
)

type Config struct {
	Mode           Mode                 `yaml:"mode"`
	InstanceID     string               `yaml:"instance_id"`
	Debug          bool                 `yaml:"debug"`
	PollIntervalMs int64                `yaml:"poll_interval_ms"`
	Trade          TradeConfig          `yaml:"trade"`
	Simulation     SimulationConfig     `yaml:"simulation"`
	Strategies     []string             `yaml:"strategies"`
	Triangular     TriangularConfig     `yaml:"triangular"`
	StableCurrency StableCurrencyConfig `yaml:"stable_currency"`
	Record         RecordConfig         `yaml:"record"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	State          StateConfig          `yaml:"state"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type TradeConfig struct {
	Currency   string  `yaml:"currency"`
	Amount     Decimal `yaml:"amount"`
	MinBalance Decimal `yaml:"min_balance"`
}

type SimulationConfig struct {
	Balance map[string]Decimal `yaml:"balance"`
	// FeePercent applies to pairs that first appear in a replayed record.
	FeePercent *Decimal `yaml:"fee_percent"`
}

type TriangularConfig struct {
	MinDepth             int      `yaml:"min_depth"`
	MaxDepth             int      `yaml:"max_depth"`
	GainThresholdPct     Decimal  `yaml:"gain_threshold_pct"`
	MaxTimestampSpreadMs int64    `yaml:"max_timestamp_spread_ms"`
	OrderTimeoutSec      int64    `yaml:"order_timeout_sec"`
	HedgeTimeoutSec      int64    `yaml:"hedge_timeout_sec"`
	WeakMinChangePct     *Decimal `yaml:"weak_min_change_pct"`
	WeakMaxDivergencePct *Decimal `yaml:"weak_max_divergence_pct"`
	UnitAmount           Decimal  `yaml:"unit_amount"`
}

type StableCurrencyConfig struct {
	GainThresholdPct *Decimal `yaml:"gain_threshold_pct"`
	OrderTimeoutSec  int64    `yaml:"order_timeout_sec"`
}

type RecordConfig struct {
	WritePath string `yaml:"write_path"`
	ReadPath  string `yaml:"read_path"`
}

type ExchangeConfig struct {
	Name           string `yaml:"name"`
	PublicBaseURL  string `yaml:"public_base_url"`
	PrivateBaseURL string `yaml:"private_base_url"`
	APIKey         string `yaml:"api_key"`
	APISecret      string `yaml:"api_secret"`
	HTTPTimeoutSec int64  `yaml:"http_timeout_sec"`
	NonceRetry     *bool  `yaml:"nonce_retry"`
}

func (e ExchangeConfig) NonceRetryEnabled() bool {
	return e.NonceRetry == nil || *e.NonceRetry
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type CircuitBreakerConfig struct {
	Enabled          bool  `yaml:"enabled"`
	MaxTradeFailures int   `yaml:"max_trade_failures"`
	MaxPollFailures  int   `yaml:"max_poll_failures"`
	PollCooldownSec  int64 `yaml:"poll_cooldown_sec"`
	PollProbePasses  int   `yaml:"poll_probe_passes"`
}

type ObservabilityConfig struct {
	Log      LogConfig      `yaml:"log"`
	Telegram TelegramConfig `yaml:"telegram"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type MonitorConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type RuntimeConfig struct {
	ReportIntervalSec  int64 `yaml:"report_interval_sec"`
	HeartbeatSec       int64 `yaml:"heartbeat_sec"`
	AlertDropReportSec int64 `yaml:"alert_drop_report_sec"`
}

// LoadEnv loads a dotenv file into the process environment. An empty path
// loads ./.env when it exists.
func LoadEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		if _, err := os.Stat(".env"); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env %s: %w", path, err)
	}
	return nil
}

func Load(path string) (Config, error) {
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
	var extra yaml.Node
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.applyEnv()
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	override(&c.Exchange.APIKey, EnvAPIKey)
	override(&c.Exchange.APISecret, EnvAPISecret)
	override(&c.Observability.Telegram.BotToken, EnvTelegramToken)
	override(&c.Observability.Telegram.ChatID, EnvTelegramChatID)
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Trade.Currency = strings.ToUpper(strings.TrimSpace(c.Trade.Currency))
	for i, s := range c.Strategies {
		c.Strategies[i] = strings.ToLower(strings.TrimSpace(s))
	}
	c.Record.WritePath = strings.TrimSpace(c.Record.WritePath)
	c.Record.ReadPath = strings.TrimSpace(c.Record.ReadPath)
	c.Exchange.Name = strings.ToLower(strings.TrimSpace(c.Exchange.Name))
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.PublicBaseURL = strings.TrimSpace(c.Exchange.PublicBaseURL)
	c.Exchange.PrivateBaseURL = strings.TrimSpace(c.Exchange.PrivateBaseURL)
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Observability.Log.Level = strings.ToLower(strings.TrimSpace(c.Observability.Log.Level))
	c.Observability.Log.Format = strings.ToLower(strings.TrimSpace(c.Observability.Log.Format))
	c.Observability.Log.File = strings.TrimSpace(c.Observability.Log.File)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
	c.Observability.Monitor.Addr = strings.TrimSpace(c.Observability.Monitor.Addr)
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeSimulation
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.PollIntervalMs == 0 && c.Mode != ModeReplay {
		c.PollIntervalMs = 1000
	}
	if c.Trade.Currency == "" {
		c.Trade.Currency = string(core.USD)
	}
	if c.Trade.Amount.IsZero() {
		c.Trade.Amount = Decimal{decimal.NewFromInt(10)}
	}
	if c.Trade.MinBalance.IsZero() {
		c.Trade.MinBalance = Decimal{decimal.NewFromInt(2)}
	}
	if len(c.Simulation.Balance) == 0 && c.Mode != ModeLive {
		c.Simulation.Balance = map[string]Decimal{string(core.LTC): {decimal.NewFromInt(100)}}
	}
	if c.Simulation.FeePercent == nil {
		c.Simulation.FeePercent = &Decimal{decimal.RequireFromString("0.2")}
	}
	if len(c.Strategies) == 0 {
		c.Strategies = []string{StrategyTriangular}
	}
	if c.Triangular.MinDepth == 0 {
		c.Triangular.MinDepth = 3
	}
	if c.Triangular.MaxDepth == 0 {
		c.Triangular.MaxDepth = c.Triangular.MinDepth
	}
	if c.Triangular.MaxTimestampSpreadMs == 0 {
		c.Triangular.MaxTimestampSpreadMs = 2000
	}
	if c.Triangular.OrderTimeoutSec == 0 {
		c.Triangular.OrderTimeoutSec = 10
	}
	if c.Triangular.HedgeTimeoutSec == 0 {
		c.Triangular.HedgeTimeoutSec = 10000000
	}
	if c.Triangular.WeakMinChangePct == nil {
		c.Triangular.WeakMinChangePct = &Decimal{decimal.RequireFromString("0.01")}
	}
	if c.Triangular.WeakMaxDivergencePct == nil {
		c.Triangular.WeakMaxDivergencePct = &Decimal{decimal.RequireFromString("0.1")}
	}
	if c.Triangular.UnitAmount.IsZero() {
		c.Triangular.UnitAmount = Decimal{decimal.NewFromInt(1)}
	}
	if c.StableCurrency.GainThresholdPct == nil {
		c.StableCurrency.GainThresholdPct = &Decimal{decimal.RequireFromString("0.5")}
	}
	if c.StableCurrency.OrderTimeoutSec == 0 {
		c.StableCurrency.OrderTimeoutSec = 10
	}
	if c.Exchange.Name == "" {
		c.Exchange.Name = "btce"
	}
	if c.Exchange.PublicBaseURL == "" {
		c.Exchange.PublicBaseURL = "https://btc-e.com"
	}
	if c.Exchange.PrivateBaseURL == "" {
		c.Exchange.PrivateBaseURL = "https://btc-e.com"
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.NonceRetry == nil {
		enabled := true
		c.Exchange.NonceRetry = &enabled
	}
	if c.CircuitBreaker.MaxTradeFailures == 0 {
		c.CircuitBreaker.MaxTradeFailures = 5
	}
	if c.CircuitBreaker.MaxPollFailures == 0 {
		c.CircuitBreaker.MaxPollFailures = 10
	}
	if c.CircuitBreaker.PollCooldownSec == 0 {
		c.CircuitBreaker.PollCooldownSec = 30
	}
	if c.CircuitBreaker.PollProbePasses == 0 {
		c.CircuitBreaker.PollProbePasses = 1
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.Observability.Log.Level == "" {
		c.Observability.Log.Level = "info"
	}
	if c.Observability.Log.Format == "" {
		c.Observability.Log.Format = "console"
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Monitor.Addr == "" {
		c.Observability.Monitor.Addr = "127.0.0.1:8080"
	}
	if c.Observability.Runtime.ReportIntervalSec == 0 {
		c.Observability.Runtime.ReportIntervalSec = 10
	}
	if c.Observability.Runtime.AlertDropReportSec == 0 {
		c.Observability.Runtime.AlertDropReportSec = 60
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeSimulation, ModeReplay, ModeLive:
	default:
		return fmt.Errorf("mode must be simulation, replay, or live")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if c.PollIntervalMs < 0 || c.PollIntervalMs > 60000 {
		return fmt.Errorf("poll_interval_ms must be between 0 and 60000")
	}
	if _, err := core.ParseCurrency(c.Trade.Currency); err != nil {
		return fmt.Errorf("trade currency: %w", err)
	}
	if c.Trade.Amount.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("trade amount must be > 0")
	}
	if c.Trade.MinBalance.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("trade min_balance must be >= 0")
	}
	for cur, v := range c.Simulation.Balance {
		if _, err := core.ParseCurrency(cur); err != nil {
			return fmt.Errorf("simulation balance: %w", err)
		}
		if v.Cmp(decimal.Zero) < 0 {
			return fmt.Errorf("simulation balance %s must be >= 0", cur)
		}
	}
	if fee := c.Simulation.FeePercent; fee != nil && (fee.Cmp(decimal.Zero) < 0 || fee.Cmp(decimal.NewFromInt(100)) >= 0) {
		return fmt.Errorf("simulation fee_percent must be between 0 and 100")
	}
	seen := make(map[string]bool, len(c.Strategies))
	for _, s := range c.Strategies {
		switch s {
		case StrategyTriangular, StrategyStable:
		default:
			return fmt.Errorf("unknown strategy %q", s)
		}
		if seen[s] {
			return fmt.Errorf("strategy %q listed twice", s)
		}
		seen[s] = true
	}
	if c.Triangular.MinDepth < 3 {
		return fmt.Errorf("triangular min_depth must be >= 3")
	}
	if c.Triangular.MaxDepth < c.Triangular.MinDepth || c.Triangular.MaxDepth > 6 {
		return fmt.Errorf("triangular max_depth must be between min_depth and 6")
	}
	if c.Triangular.GainThresholdPct.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("triangular gain_threshold_pct must be >= 0")
	}
	if c.Triangular.MaxTimestampSpreadMs < 0 {
		return fmt.Errorf("triangular max_timestamp_spread_ms must be >= 0")
	}
	if c.Triangular.OrderTimeoutSec < 1 || c.Triangular.HedgeTimeoutSec < 1 {
		return fmt.Errorf("triangular order_timeout_sec/hedge_timeout_sec must be >= 1")
	}
	if c.Triangular.WeakMinChangePct.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("triangular weak_min_change_pct must be >= 0")
	}
	if c.Triangular.WeakMaxDivergencePct.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("triangular weak_max_divergence_pct must be > 0")
	}
	if c.Triangular.UnitAmount.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("triangular unit_amount must be > 0")
	}
	if c.StableCurrency.GainThresholdPct.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("stable_currency gain_threshold_pct must be >= 0")
	}
	if c.StableCurrency.OrderTimeoutSec < 1 {
		return fmt.Errorf("stable_currency order_timeout_sec must be >= 1")
	}
	if c.Mode == ModeReplay && c.Record.ReadPath == "" {
		return fmt.Errorf("record read_path is required for replay mode")
	}
	if c.Mode != ModeReplay && c.Record.ReadPath != "" {
		return fmt.Errorf("record read_path is only used in replay mode")
	}
	if c.Record.WritePath != "" && c.Record.WritePath == c.Record.ReadPath {
		return fmt.Errorf("record write_path must differ from read_path")
	}
	if c.Exchange.Name != "btce" {
		return fmt.Errorf("exchange name must be btce")
	}
	if c.Mode != ModeReplay {
		if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
			return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Exchange.PublicBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("exchange public_base_url %v", err)
		}
	}
	if c.Mode == ModeLive {
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			return fmt.Errorf("exchange api_key/api_secret are required for live mode")
		}
		if err := validateURL(c.Exchange.PrivateBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("exchange private_base_url %v", err)
		}
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxTradeFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_trade_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxPollFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_poll_failures must be >= 1")
		}
		if c.CircuitBreaker.PollCooldownSec < 1 || c.CircuitBreaker.PollCooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.poll_cooldown_sec must be between 1 and 3600")
		}
		if c.CircuitBreaker.PollProbePasses < 1 || c.CircuitBreaker.PollProbePasses > 20 {
			return fmt.Errorf("circuit_breaker.poll_probe_passes must be between 1 and 20")
		}
	}
	switch c.Observability.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("observability.log.level must be debug, info, warn, or error")
	}
	switch c.Observability.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("observability.log.format must be console or json")
	}
	if c.Observability.Runtime.ReportIntervalSec < 1 || c.Observability.Runtime.ReportIntervalSec > 3600 {
		return fmt.Errorf("observability.runtime.report_interval_sec must be between 1 and 3600")
	}
	if c.Observability.Runtime.HeartbeatSec < 0 || c.Observability.Runtime.HeartbeatSec > 86400 {
		return fmt.Errorf("observability.runtime.heartbeat_sec must be between 0 and 86400")
	}
	if c.Observability.Runtime.AlertDropReportSec < 0 || c.Observability.Runtime.AlertDropReportSec > 3600 {
		return fmt.Errorf("observability.runtime.alert_drop_report_sec must be between 0 and 3600")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	if c.Observability.Monitor.Enabled && c.Observability.Monitor.Addr == "" {
		return fmt.Errorf("observability.monitor.addr is required when monitor enabled")
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}
	return nil
}

// TradeCurrency is the validated trade currency.
func (c Config) TradeCurrency() core.Currency {
	cur, _ := core.ParseCurrency(c.Trade.Currency)
	return cur
}

// SimulationBalance converts the configured starting balance.
func (c Config) SimulationBalance() map[core.Currency]decimal.Decimal {
	out := make(map[core.Currency]decimal.Decimal, len(c.Simulation.Balance))
	for raw, v := range c.Simulation.Balance {
		cur, err := core.ParseCurrency(raw)
		if err != nil {
			continue
		}
		out[cur] = v.Decimal
	}
	return out
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
