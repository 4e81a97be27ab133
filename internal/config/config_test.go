package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validYAML(secretsPath string) string {
	return `
mode: paper
watchlist: [TSLA, aapl]
crypto_watchlist: ["BTC/USD"]
broker:
  secrets_file: ` + secretsPath + `
allocation:
  total_usd_cap: 20000
  per_symbol_usd: 1000
  per_symbol_override:
    TSLA: 2000
  min_cash_reserve_percent: 10
  allow_fractional: true
entries:
  type: buy_stop
  buy_stop_pct_above_last: 5.0
  tif: DAY
  cancel_at_close: true
  rearm_next_session: true
stops:
  trailing_stop_pct: 10.0
  tif: GTC
risk:
  max_total_exposure_usd: 20000
  max_symbol_exposure_usd: 2000
hours:
  calendar: XNYS
cooldowns:
  after_stopout_minutes: 20
polling:
  price_seconds: 10
  orders_seconds: 15
  event_check_seconds: 5
persistence:
  db_path: test.db
logging:
  level: info
monitor:
  enabled: true
  port: 8787
`
}

const secretsYAML = `
api_key: PKTEST123
api_secret: sekret456
`

func loadValid(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	secrets := writeFile(t, dir, "secrets.yaml", secretsYAML)
	path := writeFile(t, dir, "config.yaml", validYAML(secrets))
	cfg, err := Load(path)
	require.NoError(t, err)
	return cfg
}

func TestLoadValidConfig(t *testing.T) {
	cfg := loadValid(t)

	assert.Equal(t, []string{"TSLA", "AAPL"}, cfg.Watchlist)
	assert.Equal(t, []string{"BTC/USD"}, cfg.CryptoWatchlist)
	assert.Equal(t, []string{"TSLA", "AAPL", "BTC/USD"}, cfg.Symbols())
	assert.True(t, cfg.IsPaperTrading())

	key, secret := cfg.Credentials()
	assert.Equal(t, "PKTEST123", key)
	assert.Equal(t, "sekret456", secret)

	assert.Equal(t, "2000", cfg.SymbolBudget("TSLA").String())
	assert.Equal(t, "1000", cfg.SymbolBudget("AAPL").String())

	// Defaults filled in by normalize.
	assert.Equal(t, 15, cfg.Entries.EODCancelMinutes)
	assert.Equal(t, 30*time.Second, cfg.StalenessWindow())
	assert.Equal(t, 10*time.Second, cfg.StabilizationWindow())
	assert.Equal(t, 15*time.Second, cfg.TickInterval())
	assert.Equal(t, 5*time.Second, cfg.EventCheckInterval())
	assert.Equal(t, 20*time.Minute, cfg.CooldownDuration())
}

func TestEventCheckIntervalFallsBackToTick(t *testing.T) {
	cfg := &Config{Polling: PollingConfig{OrdersSeconds: 15}}
	assert.Equal(t, 15*time.Second, cfg.EventCheckInterval())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	secrets := writeFile(t, dir, "secrets.yaml", secretsYAML)
	path := writeFile(t, dir, "config.yaml", validYAML(secrets)+"\nbogus_key: 1\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad mode", func(c *Config) { c.Mode = "demo" }, "mode"},
		{"empty watchlists", func(c *Config) { c.Watchlist = nil; c.CryptoWatchlist = nil }, "watchlist"},
		{"crypto in equity list", func(c *Config) { c.Watchlist = []string{"ETH/USD"} }, "crypto_watchlist"},
		{"equity in crypto list", func(c *Config) { c.CryptoWatchlist = []string{"ETH"} }, "BASE/QUOTE"},
		{"duplicate symbol", func(c *Config) { c.Watchlist = []string{"TSLA", "TSLA"} }, "twice"},
		{"bad entry type", func(c *Config) { c.Entries.Type = "market" }, "entries.type"},
		{"trail pct too big", func(c *Config) { c.Stops.TrailingStopPct = 100 }, "trailing_stop_pct"},
		{"negative budget override", func(c *Config) { c.Allocation.PerSymbolOverride = map[string]float64{"TSLA": -1} }, "per_symbol_override"},
		{"cash reserve 100", func(c *Config) { c.Allocation.MinCashReservePercent = 100 }, "min_cash_reserve_percent"},
		{"unknown calendar", func(c *Config) { c.Hours.Calendar = "XLON" }, "calendar"},
		{"trailing limit unsupported", func(c *Config) { c.Stops.UseTrailingLimit = true }, "use_trailing_limit"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := loadValid(t)
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadMissingSecretsFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", validYAML(filepath.Join(dir, "nope.yaml")))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secrets")
}

func TestLoadExpandsEnv(t *testing.T) {
	dir := t.TempDir()
	secrets := writeFile(t, dir, "secrets.yaml", "api_key: ${TRAILBOT_TEST_KEY}\napi_secret: s\n")
	t.Setenv("TRAILBOT_TEST_KEY", "from-env")
	path := writeFile(t, dir, "config.yaml", validYAML(secrets))

	cfg, err := Load(path)
	require.NoError(t, err)
	key, _ := cfg.Credentials()
	assert.Equal(t, "from-env", key)
}
