package config

import (
	"os"
	"strconv"
	"time"

	"scanbot/internal/strategy"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// loadDotEnvIfPresent loads path into the environment without overriding
// variables that are already set. A missing file is not an error.
func loadDotEnvIfPresent(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return loadDotEnv(path)
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "load %s: %v", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	env := envReader{}

	cfg.APIKey = env.lookupString(cfg.APIKey, "APCA_API_KEY_ID", "ALPACA_KEY")
	cfg.APISecret = env.lookupString(cfg.APISecret, "APCA_API_SECRET_KEY", "ALPACA_SECRET")
	cfg.BaseURL = env.lookupString(cfg.BaseURL, "APCA_API_BASE_URL")
	cfg.TelegramToken = env.lookupString(cfg.TelegramToken, "TELEGRAM_TOKEN")
	cfg.TelegramEndpoint = env.lookupString(cfg.TelegramEndpoint, "TELEGRAM_API_ENDPOINT")
	cfg.ChatID = env.lookupString(cfg.ChatID, "CHAT_ID")
	if v := os.Getenv("WATCHLIST"); v != "" {
		cfg.Watchlist = splitSymbols(v)
	}
	cfg.Mode = strategy.Mode(env.lookupString(string(cfg.Mode), "STRATEGY_MODE"))
	cfg.StopLossPct = env.lookupFloat(cfg.StopLossPct, "STOP_LOSS_PCT")
	cfg.TakeProfitPct = env.lookupFloat(cfg.TakeProfitPct, "TAKE_PROFIT_PCT")
	cfg.CashFraction = env.lookupFloat(cfg.CashFraction, "CASH_FRACTION")
	cfg.RSIBuyCeiling = env.lookupFloat(cfg.RSIBuyCeiling, "RSI_BUY_CEILING")
	cfg.BarInterval = env.lookupString(cfg.BarInterval, "BAR_INTERVAL")
	cfg.BarLimit = env.lookupInt(cfg.BarLimit, "BAR_LIMIT")
	cfg.BarWindow = env.lookupDuration(cfg.BarWindow, "BAR_WINDOW")
	cfg.Feed = env.lookupString(cfg.Feed, "APCA_DATA_FEED")
	cfg.KillSwitch = env.lookupBool(cfg.KillSwitch, "KILL_SWITCH")
	cfg.Schedule = env.lookupString(cfg.Schedule, "SCAN_SCHEDULE")
	cfg.MetricsAddr = env.lookupString(cfg.MetricsAddr, "METRICS_ADDR")
	cfg.LogLevel = env.lookupString(cfg.LogLevel, "LOG_LEVEL")
	cfg.SymbolDelay = env.lookupDuration(cfg.SymbolDelay, "SYMBOL_DELAY")

	return env.err
}

// envReader keeps the first parse error so callers can read every variable
// and check once.
type envReader struct {
	err error
}

// lookupString returns the first non-empty variable among keys, or current.
func (r *envReader) lookupString(current string, keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return current
}

func (r *envReader) lookupFloat(current float64, key string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return current
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, v, err)
		return current
	}
	return f
}

func (r *envReader) lookupInt(current int, key string) int {
	v := os.Getenv(key)
	if v == "" {
		return current
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, err)
		return current
	}
	return n
}

func (r *envReader) lookupBool(current bool, key string) bool {
	v := os.Getenv(key)
	if v == "" {
		return current
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, err)
		return current
	}
	return b
}

func (r *envReader) lookupDuration(current time.Duration, key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return current
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, err)
		return current
	}
	return d
}

func (r *envReader) fail(key, value string, err error) {
	if r.err == nil {
		r.err = errors.Wrapf(ErrInvalidConfig, "%s=%q: %v", key, value, err)
	}
}
