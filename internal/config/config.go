// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	yaml "gopkg.in/yaml.v3"

	"trailbot/internal/models"
)

// Defaults applied by normalize for keys that may be omitted.
const (
	defaultPerSymbolUSD      = 1000.0
	defaultTotalUSDCap       = 20000.0
	defaultBuyStopPct        = 5.0
	defaultStopLimitSlipPct  = 1.0
	defaultTrailingStopPct   = 10.0
	defaultTrailLimitOffset  = 0.2
	defaultCooldownMinutes   = 20
	defaultPriceSeconds      = 10
	defaultOrdersSeconds     = 15
	defaultEventCheckSeconds = 5
	defaultKeepaliveSeconds  = 60
	defaultStalenessSeconds  = 30
	defaultStabilizeSeconds  = 10
	defaultEODCancelMinutes  = 15
	defaultBrokerCallSeconds = 10
	defaultMonitorPort       = 8787
)

// Config is the complete application configuration.
type Config struct {
	Mode            string            `yaml:"mode"` // paper | live
	Watchlist       []string          `yaml:"watchlist"`
	CryptoWatchlist []string          `yaml:"crypto_watchlist"`
	Broker          BrokerConfig      `yaml:"broker"`
	Allocation      AllocationConfig  `yaml:"allocation"`
	Entries         EntriesConfig     `yaml:"entries"`
	Stops           StopsConfig       `yaml:"stops"`
	Risk            RiskConfig        `yaml:"risk"`
	Hours           HoursConfig       `yaml:"hours"`
	Cooldowns       CooldownsConfig   `yaml:"cooldowns"`
	Polling         PollingConfig     `yaml:"polling"`
	Persistence     PersistenceConfig `yaml:"persistence"`
	Logging         LoggingConfig     `yaml:"logging"`
	Monitor         MonitorConfig     `yaml:"monitor"`

	secrets Secrets
}

// BrokerConfig points at the broker API. Key material lives in a separate
// secrets file so config.yaml can be committed.
type BrokerConfig struct {
	SecretsFile  string `yaml:"secrets_file"`
	Endpoint     string `yaml:"endpoint"`      // optional override of the mode default
	DataEndpoint string `yaml:"data_endpoint"` // optional override of the market data host
}

// Secrets holds the broker credentials. Never logged.
type Secrets struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

// AllocationConfig controls position sizing budgets.
type AllocationConfig struct {
	TotalUSDCap           float64            `yaml:"total_usd_cap"`
	PerSymbolUSD          float64            `yaml:"per_symbol_usd"`
	PerSymbolOverride     map[string]float64 `yaml:"per_symbol_override"`
	MinCashReservePercent float64            `yaml:"min_cash_reserve_percent"`
	AllowFractional       bool               `yaml:"allow_fractional"`
}

// EntriesConfig controls breakout entry orders.
type EntriesConfig struct {
	Type                string  `yaml:"type"` // buy_stop | buy_stop_limit
	BuyStopPctAboveLast float64 `yaml:"buy_stop_pct_above_last"`
	StopLimitMaxSlipPct float64 `yaml:"stop_limit_max_slip_pct"`
	TIF                 string  `yaml:"tif"`
	CancelAtClose       bool    `yaml:"cancel_at_close"`
	RearmNextSession    bool    `yaml:"rearm_next_session"`
	EODCancelMinutes    int     `yaml:"eod_cancel_minutes"`
}

// StopsConfig controls the protective order placed after entry fills.
type StopsConfig struct {
	TrailingStopPct     float64 `yaml:"trailing_stop_pct"`
	UseTrailingLimit    bool    `yaml:"use_trailing_limit"`
	TrailLimitOffsetPct float64 `yaml:"trail_limit_offset_pct"`
	TIF                 string  `yaml:"tif"`
	StabilizeSeconds    int     `yaml:"stabilize_seconds"`
}

// RiskConfig caps exposure independent of allocation budgets.
type RiskConfig struct {
	MaxTotalExposureUSD  float64 `yaml:"max_total_exposure_usd"`
	MaxSymbolExposureUSD float64 `yaml:"max_symbol_exposure_usd"`
}

// HoursConfig selects the session calendar for equities.
type HoursConfig struct {
	Calendar        string `yaml:"calendar"` // only XNYS
	AllowPreMarket  bool   `yaml:"allow_pre_market"`
	AllowAfterHours bool   `yaml:"allow_after_hours"`
}

// CooldownsConfig controls the pause after a protective stop-out.
type CooldownsConfig struct {
	AfterStopoutMinutes int `yaml:"after_stopout_minutes"`
}

// PollingConfig sets the loop cadences, in seconds.
type PollingConfig struct {
	PriceSeconds      int `yaml:"price_seconds"`
	OrdersSeconds     int `yaml:"orders_seconds"`
	EventCheckSeconds int `yaml:"event_check_seconds"`
	KeepaliveSeconds  int `yaml:"keepalive_seconds"`
	StalenessSeconds  int `yaml:"staleness_seconds"`
	BrokerCallSeconds int `yaml:"broker_call_seconds"`
}

// PersistenceConfig locates the SQLite database.
type PersistenceConfig struct {
	DBPath string `yaml:"db_path"`
}

// LoggingConfig sets the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MonitorConfig controls the read-only HTTP surface.
type MonitorConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads, expands, strictly parses, and validates the config file, then
// loads the broker secrets file it references.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := config.loadSecrets(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) loadSecrets() error {
	data, err := os.ReadFile(c.Broker.SecretsFile) // #nosec G304 -- path comes from the validated config
	if err != nil {
		return fmt.Errorf("reading secrets file: %w", err)
	}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(&c.secrets); err != nil {
		return fmt.Errorf("parsing secrets file: %w", err)
	}
	if c.secrets.APIKey == "" || c.secrets.APISecret == "" {
		return fmt.Errorf("secrets file must set api_key and api_secret")
	}
	return nil
}

// Credentials returns the broker key pair loaded from the secrets file.
func (c *Config) Credentials() (key, secret string) {
	return c.secrets.APIKey, c.secrets.APISecret
}

// SetCredentials injects credentials directly, bypassing the secrets file.
// Used by tests and the integration harness.
func (c *Config) SetCredentials(key, secret string) {
	c.secrets = Secrets{APIKey: key, APISecret: secret}
}

func (c *Config) normalize() {
	for i, s := range c.Watchlist {
		c.Watchlist[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	for i, s := range c.CryptoWatchlist {
		c.CryptoWatchlist[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	if c.Entries.Type == "" {
		c.Entries.Type = "buy_stop"
	}
	if c.Entries.TIF == "" {
		c.Entries.TIF = "DAY"
	}
	if c.Entries.BuyStopPctAboveLast == 0 {
		c.Entries.BuyStopPctAboveLast = defaultBuyStopPct
	}
	if c.Entries.StopLimitMaxSlipPct == 0 {
		c.Entries.StopLimitMaxSlipPct = defaultStopLimitSlipPct
	}
	if c.Entries.EODCancelMinutes == 0 {
		c.Entries.EODCancelMinutes = defaultEODCancelMinutes
	}
	if c.Stops.TIF == "" {
		c.Stops.TIF = "GTC"
	}
	if c.Stops.TrailingStopPct == 0 {
		c.Stops.TrailingStopPct = defaultTrailingStopPct
	}
	if c.Stops.TrailLimitOffsetPct == 0 {
		c.Stops.TrailLimitOffsetPct = defaultTrailLimitOffset
	}
	if c.Stops.StabilizeSeconds == 0 {
		c.Stops.StabilizeSeconds = defaultStabilizeSeconds
	}
	if c.Hours.Calendar == "" {
		c.Hours.Calendar = "XNYS"
	}
	if c.Cooldowns.AfterStopoutMinutes == 0 {
		c.Cooldowns.AfterStopoutMinutes = defaultCooldownMinutes
	}
	if c.Allocation.PerSymbolUSD == 0 {
		c.Allocation.PerSymbolUSD = defaultPerSymbolUSD
	}
	if c.Allocation.TotalUSDCap == 0 {
		c.Allocation.TotalUSDCap = defaultTotalUSDCap
	}
	if c.Polling.PriceSeconds == 0 {
		c.Polling.PriceSeconds = defaultPriceSeconds
	}
	if c.Polling.OrdersSeconds == 0 {
		c.Polling.OrdersSeconds = defaultOrdersSeconds
	}
	if c.Polling.EventCheckSeconds == 0 {
		c.Polling.EventCheckSeconds = defaultEventCheckSeconds
	}
	if c.Polling.KeepaliveSeconds == 0 {
		c.Polling.KeepaliveSeconds = defaultKeepaliveSeconds
	}
	if c.Polling.StalenessSeconds == 0 {
		c.Polling.StalenessSeconds = defaultStalenessSeconds
	}
	if c.Polling.BrokerCallSeconds == 0 {
		c.Polling.BrokerCallSeconds = defaultBrokerCallSeconds
	}
	if c.Persistence.DBPath == "" {
		c.Persistence.DBPath = "trailbot.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Monitor.Port == 0 {
		c.Monitor.Port = defaultMonitorPort
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Mode != "paper" && c.Mode != "live" {
		return fmt.Errorf("mode must be 'paper' or 'live'")
	}
	if len(c.Watchlist)+len(c.CryptoWatchlist) == 0 {
		return fmt.Errorf("watchlist or crypto_watchlist must contain at least one symbol")
	}
	seen := make(map[string]bool)
	for _, s := range c.Symbols() {
		if seen[s] {
			return fmt.Errorf("symbol %q listed twice", s)
		}
		seen[s] = true
	}
	for _, s := range c.Watchlist {
		if models.ClassOf(s) != models.AssetEquity {
			return fmt.Errorf("watchlist symbol %q looks like a crypto pair; move it to crypto_watchlist", s)
		}
	}
	for _, s := range c.CryptoWatchlist {
		if models.ClassOf(s) != models.AssetCrypto {
			return fmt.Errorf("crypto_watchlist symbol %q must use the BASE/QUOTE form", s)
		}
	}
	if c.Broker.SecretsFile == "" {
		return fmt.Errorf("broker.secrets_file is required")
	}
	if c.Entries.Type != "buy_stop" && c.Entries.Type != "buy_stop_limit" {
		return fmt.Errorf("entries.type must be 'buy_stop' or 'buy_stop_limit'")
	}
	if c.Entries.BuyStopPctAboveLast <= 0 {
		return fmt.Errorf("entries.buy_stop_pct_above_last must be > 0")
	}
	if c.Entries.StopLimitMaxSlipPct <= 0 {
		return fmt.Errorf("entries.stop_limit_max_slip_pct must be > 0")
	}
	if c.Entries.EODCancelMinutes <= 0 {
		return fmt.Errorf("entries.eod_cancel_minutes must be > 0")
	}
	if c.Stops.TrailingStopPct <= 0 || c.Stops.TrailingStopPct >= 100 {
		return fmt.Errorf("stops.trailing_stop_pct must be in (0,100)")
	}
	if c.Stops.TrailLimitOffsetPct < 0 {
		return fmt.Errorf("stops.trail_limit_offset_pct must be >= 0")
	}
	if c.Stops.UseTrailingLimit {
		// Alpaca trailing stops are market-only; fail at startup instead of
		// on every protective submission.
		return fmt.Errorf("stops.use_trailing_limit is not supported by the broker")
	}
	if c.Allocation.PerSymbolUSD <= 0 {
		return fmt.Errorf("allocation.per_symbol_usd must be > 0")
	}
	if c.Allocation.TotalUSDCap <= 0 {
		return fmt.Errorf("allocation.total_usd_cap must be > 0")
	}
	for sym, usd := range c.Allocation.PerSymbolOverride {
		if usd <= 0 {
			return fmt.Errorf("allocation.per_symbol_override[%s] must be > 0", sym)
		}
	}
	if c.Allocation.MinCashReservePercent < 0 || c.Allocation.MinCashReservePercent >= 100 {
		return fmt.Errorf("allocation.min_cash_reserve_percent must be in [0,100)")
	}
	if c.Risk.MaxTotalExposureUSD <= 0 {
		return fmt.Errorf("risk.max_total_exposure_usd must be > 0")
	}
	if c.Risk.MaxSymbolExposureUSD <= 0 {
		return fmt.Errorf("risk.max_symbol_exposure_usd must be > 0")
	}
	if c.Hours.Calendar != "XNYS" {
		return fmt.Errorf("hours.calendar %q unsupported (only XNYS)", c.Hours.Calendar)
	}
	if c.Cooldowns.AfterStopoutMinutes <= 0 {
		return fmt.Errorf("cooldowns.after_stopout_minutes must be > 0")
	}
	if c.Polling.OrdersSeconds <= 0 || c.Polling.PriceSeconds <= 0 || c.Polling.EventCheckSeconds <= 0 {
		return fmt.Errorf("polling intervals must be > 0")
	}
	if c.Monitor.Enabled && (c.Monitor.Port < 1 || c.Monitor.Port > 65535) {
		return fmt.Errorf("monitor.port must be a valid TCP port")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q unrecognized", c.Logging.Level)
	}
	return nil
}

// IsPaperTrading returns true when running against the paper endpoint.
func (c *Config) IsPaperTrading() bool {
	return c.Mode == "paper"
}

// Symbols returns the combined watchlist, equities first.
func (c *Config) Symbols() []string {
	out := make([]string, 0, len(c.Watchlist)+len(c.CryptoWatchlist))
	out = append(out, c.Watchlist...)
	out = append(out, c.CryptoWatchlist...)
	return out
}

// SymbolBudget returns the per-symbol USD budget, honoring overrides.
func (c *Config) SymbolBudget(symbol string) decimal.Decimal {
	if usd, ok := c.Allocation.PerSymbolOverride[strings.ToUpper(symbol)]; ok {
		return decimal.NewFromFloat(usd)
	}
	return decimal.NewFromFloat(c.Allocation.PerSymbolUSD)
}

// TickInterval is the orchestrator loop cadence.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Polling.OrdersSeconds) * time.Second
}

// EventCheckInterval is the order-event polling cadence, faster than the
// full tick so fills get their protectives promptly. Falls back to the
// tick interval when unset, e.g. in hand-built test configs.
func (c *Config) EventCheckInterval() time.Duration {
	if c.Polling.EventCheckSeconds > 0 {
		return time.Duration(c.Polling.EventCheckSeconds) * time.Second
	}
	return c.TickInterval()
}

// KeepaliveInterval is the broker ping cadence.
func (c *Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.Polling.KeepaliveSeconds) * time.Second
}

// StalenessWindow is the maximum acceptable quote age for entry decisions.
func (c *Config) StalenessWindow() time.Duration {
	return time.Duration(c.Polling.StalenessSeconds) * time.Second
}

// StabilizationWindow suppresses protective reconciliation right after a
// protective submission, so slow broker propagation is not "repaired".
func (c *Config) StabilizationWindow() time.Duration {
	return time.Duration(c.Stops.StabilizeSeconds) * time.Second
}

// BrokerCallTimeout bounds every individual broker REST call.
func (c *Config) BrokerCallTimeout() time.Duration {
	return time.Duration(c.Polling.BrokerCallSeconds) * time.Second
}

// CooldownDuration is the pause after a protective stop-out.
func (c *Config) CooldownDuration() time.Duration {
	return time.Duration(c.Cooldowns.AfterStopoutMinutes) * time.Minute
}
