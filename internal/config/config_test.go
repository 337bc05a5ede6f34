package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-deviation-watch/internal/venue"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
feed:
  symbols: [btcusdt, " ethusdt ", BTCUSDT]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Feed.Symbols)
	assert.Equal(t, "bybit", cfg.Feed.Venue)
	assert.Equal(t, venue.BybitLinearURL, cfg.FeedURL())
	assert.Equal(t, 30*time.Second, cfg.Feed.StalenessWindow)
	assert.Equal(t, time.Second, cfg.Feed.Backoff.Min)
	assert.Equal(t, time.Minute, cfg.Feed.Backoff.Max)
	assert.Equal(t, 5*time.Minute, cfg.Alerting.Cooldown)
	assert.Equal(t, "Markdown", cfg.Alerting.Telegram.ParseMode)
	assert.Equal(t, 2, cfg.Alerting.AutoBlacklistLimit)
	assert.Equal(t, 2, cfg.Rules().AutoBlacklistLimit)
	assert.Equal(t, 100000, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 10, cfg.ResolveMaxPoints(10))

	pairs, err := cfg.Pairs()
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "last/mark", pairs[0].String())
}

func TestLoadRulesRestoresSymbolCase(t *testing.T) {
	path := writeConfig(t, `
feed:
  venue: binance
  symbols: [BTCUSDT]
  pairs: [last/mark, bid/mark]
alerting:
  threshold_pct: 2.5
  threshold_overrides:
    BTCUSDT: 0.5
  auto_blacklist_limit: 3
  symbol_blacklist: [lunausdt]
references:
  source: pyth
  symbol_map:
    btcusdt: btcusd
  pyth:
    feeds:
      BTCUSD: "0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, venue.BinanceFuturesURL, cfg.FeedURL())

	rules := cfg.Rules()
	assert.True(t, rules.Thresholds.For("BTCUSDT").Equal(decimal.RequireFromString("0.5")))
	assert.True(t, rules.Thresholds.For("ETHUSDT").Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, 3, rules.AutoBlacklistLimit)
	assert.Contains(t, rules.Blacklist, "LUNAUSDT")
	assert.True(t, rules.MaxPlausiblePercent.IsZero())

	assert.Equal(t, map[string]string{"BTCUSDT": "BTCUSD"}, cfg.References.SymbolMap)
	assert.Contains(t, cfg.References.Pyth.Feeds, "BTCUSD")

	pairs, err := cfg.Pairs()
	require.NoError(t, err)
	assert.Len(t, pairs, 2)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DEVWATCH_FEED_SYMBOLS", "solusdt,xrpusdt")
	t.Setenv("DEVWATCH_ALERTING_COOLDOWN", "90s")
	t.Setenv("DEVWATCH_ALERTING_TELEGRAM_ENABLED", "true")
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("TELEGRAM_CHAT_ID", "42")

	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{"SOLUSDT", "XRPUSDT"}, cfg.Feed.Symbols)
	assert.Equal(t, 90*time.Second, cfg.Alerting.Cooldown)
	assert.Equal(t, "token", cfg.Alerting.Telegram.BotToken)
	assert.Equal(t, "42", cfg.Alerting.Telegram.ChatID)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"no symbols":     "feed:\n  symbols: []\n",
		"unknown venue":  "feed:\n  venue: kraken\n  symbols: [BTCUSDT]\n",
		"bad pair":       "feed:\n  symbols: [BTCUSDT]\n  pairs: [mark/last]\n",
		"zero threshold": "feed:\n  symbols: [BTCUSDT]\nalerting:\n  threshold_pct: 0\n",
		"telegram token": "feed:\n  symbols: [BTCUSDT]\nalerting:\n  telegram:\n    enabled: true\n    chat_id: '1'\n",
		"kafka brokers":  "feed:\n  symbols: [BTCUSDT]\nalerting:\n  kafka:\n    enabled: true\n",
		"chainlink rpc":  "feed:\n  symbols: [BTCUSDT]\nreferences:\n  source: chainlink\n",
		"backoff order":  "feed:\n  symbols: [BTCUSDT]\n  backoff:\n    min: 10s\n    max: 1s\n",
		"parse mode":     "feed:\n  symbols: [BTCUSDT]\nalerting:\n  telegram:\n    parse_mode: HTML\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}
