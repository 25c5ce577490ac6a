// Package config loads scanner settings from defaults, an optional YAML file,
// the environment and command line flags, in increasing precedence.
package config

import (
	"flag"
	"os"
	"strings"
	"time"

	"scanbot/internal/indicator"
	"scanbot/internal/md"
	"scanbot/internal/strategy"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is fatal at startup.
var ErrInvalidConfig = errors.New("invalid config")

// MinSymbolDelay is the shortest pause allowed between two symbols.
const MinSymbolDelay = time.Second

var DefaultWatchlist = []string{
	"AAPL", "MSFT", "GOOGL", "AMZN", "NVDA", "META", "TSLA", "AVGO", "COST", "AMD",
	"NFLX", "PLTR", "UBER", "COIN", "SHOP", "SNOW", "JPM", "V", "MA", "DIS", "ONDS", "RKLB", "IREN",
}

type Config struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`

	TelegramToken    string `yaml:"telegram_token"`
	TelegramEndpoint string `yaml:"telegram_endpoint"`
	ChatID           string `yaml:"chat_id"`

	Watchlist     []string      `yaml:"watchlist"`
	Mode          strategy.Mode `yaml:"mode"`
	StopLossPct   float64       `yaml:"stop_loss_pct"`
	TakeProfitPct float64       `yaml:"take_profit_pct"`
	CashFraction  float64       `yaml:"cash_fraction"`
	RSIBuyCeiling float64       `yaml:"rsi_buy_ceiling"`
	ShortWindow   int           `yaml:"short_window"`
	LongWindow    int           `yaml:"long_window"`
	RSIWindow     int           `yaml:"rsi_window"`

	BarInterval string        `yaml:"bar_interval"`
	BarLimit    int           `yaml:"bar_limit"`
	BarWindow   time.Duration `yaml:"bar_window"`
	Feed        string        `yaml:"feed"`
	SymbolDelay time.Duration `yaml:"symbol_delay"`
	DataRetries int           `yaml:"data_retries"`

	MaxNotional float64 `yaml:"max_notional"`
	KillSwitch  bool    `yaml:"kill_switch"`
	Schedule    string  `yaml:"schedule"`
	MetricsAddr string  `yaml:"metrics_addr"`
	LogLevel    string  `yaml:"log_level"`
}

func Defaults() Config {
	sp := strategy.DefaultParams()
	ip := indicator.DefaultParams()
	return Config{
		BaseURL:       "https://paper-api.alpaca.markets",
		Watchlist:     append([]string(nil), DefaultWatchlist...),
		Mode:          sp.Mode,
		StopLossPct:   sp.StopLossPct,
		TakeProfitPct: sp.TakeProfitPct,
		CashFraction:  sp.CashFraction,
		RSIBuyCeiling: sp.RSIBuyCeiling,
		ShortWindow:   ip.ShortWindow,
		LongWindow:    ip.LongWindow,
		RSIWindow:     ip.RSIWindow,
		BarInterval:   "1Hour",
		BarLimit:      100,
		Feed:          "iex",
		SymbolDelay:   MinSymbolDelay,
		DataRetries:   2,
		LogLevel:      "info",
	}
}

// Load reads the configuration for a process started with args (without the
// program name).
func Load(args []string) (Config, error) {
	cfg := Defaults()
	var configPath, envFile string

	fs := flag.NewFlagSet("scanbot", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "path to a YAML config file")
	fs.StringVar(&envFile, "env-file", ".env", "dotenv file loaded into the environment when present")
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Alpaca trading base URL")
	fs.StringVar(&cfg.TelegramEndpoint, "telegram-endpoint", cfg.TelegramEndpoint, "Telegram Bot API endpoint format")
	fs.Var((*symbolList)(&cfg.Watchlist), "watchlist", "comma separated symbols to scan")
	fs.StringVar((*string)(&cfg.Mode), "mode", string(cfg.Mode), "strategy mode: managed or signal")
	fs.Float64Var(&cfg.StopLossPct, "stop-loss-pct", cfg.StopLossPct, "stop-loss as a fraction of entry price")
	fs.Float64Var(&cfg.TakeProfitPct, "take-profit-pct", cfg.TakeProfitPct, "take-profit as a fraction of entry price")
	fs.Float64Var(&cfg.CashFraction, "cash-fraction", cfg.CashFraction, "fraction of account cash spent per entry")
	fs.Float64Var(&cfg.RSIBuyCeiling, "rsi-buy-ceiling", cfg.RSIBuyCeiling, "entries require RSI below this value")
	fs.IntVar(&cfg.ShortWindow, "short-window", cfg.ShortWindow, "short moving average window")
	fs.IntVar(&cfg.LongWindow, "long-window", cfg.LongWindow, "long moving average window")
	fs.IntVar(&cfg.RSIWindow, "rsi-window", cfg.RSIWindow, "RSI window")
	fs.StringVar(&cfg.BarInterval, "interval", cfg.BarInterval, "bar interval such as 1Hour, 15Min or 1Day")
	fs.IntVar(&cfg.BarLimit, "bars", cfg.BarLimit, "number of most recent bars evaluated")
	fs.DurationVar(&cfg.BarWindow, "bar-window", cfg.BarWindow, "history span requested per symbol; 0 derives it from interval and bars")
	fs.StringVar(&cfg.Feed, "feed", cfg.Feed, "market data feed: iex or sip")
	fs.DurationVar(&cfg.SymbolDelay, "symbol-delay", cfg.SymbolDelay, "pause between symbols (at least 1s)")
	fs.IntVar(&cfg.DataRetries, "data-retries", cfg.DataRetries, "retries for market data and account queries")
	fs.Float64Var(&cfg.MaxNotional, "max-notional", cfg.MaxNotional, "max notional per buy, 0 disables")
	fs.BoolVar(&cfg.KillSwitch, "kill-switch", cfg.KillSwitch, "if true, never place orders")
	fs.StringVar(&cfg.Schedule, "schedule", cfg.Schedule, "six-field cron spec; empty runs one scan and exits")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address serving /metrics in scheduled mode")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cfg, err
		}
		return cfg, errors.Wrap(ErrInvalidConfig, err.Error())
	}

	explicit := map[string]string{}
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = f.Value.String()
	})

	if configPath != "" {
		if err := loadFile(configPath, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := loadDotEnvIfPresent(envFile); err != nil {
		return cfg, err
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	for name, value := range explicit {
		if err := fs.Set(name, value); err != nil {
			return cfg, errors.Wrapf(ErrInvalidConfig, "flag -%s: %v", name, err)
		}
	}

	cfg.Watchlist = normalizeSymbols(cfg.Watchlist)
	cfg.Mode = strategy.Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if cfg.BarWindow == 0 {
		// an invalid interval or bar count is reported by validate
		if window, err := md.LookbackWindow(cfg.BarInterval, cfg.BarLimit); err == nil {
			cfg.BarWindow = window
		}
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(ErrInvalidConfig, "read %s: %v", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "parse %s: %v", path, err)
	}
	return nil
}

func validate(cfg Config) error {
	invalid := func(format string, args ...interface{}) error {
		return errors.Wrapf(ErrInvalidConfig, format, args...)
	}

	if cfg.APIKey == "" || cfg.APISecret == "" {
		return invalid("APCA_API_KEY_ID and APCA_API_SECRET_KEY are required")
	}
	if cfg.TelegramToken == "" || cfg.ChatID == "" {
		return invalid("TELEGRAM_TOKEN and CHAT_ID are required")
	}
	if len(cfg.Watchlist) == 0 {
		return invalid("watchlist is empty")
	}
	if _, ok := strategy.ParseMode(string(cfg.Mode)); !ok {
		return invalid("mode must be managed or signal, got %q", cfg.Mode)
	}
	if cfg.StopLossPct <= 0 || cfg.StopLossPct >= 1 {
		return invalid("stop-loss-pct must be in (0, 1), got %v", cfg.StopLossPct)
	}
	if cfg.TakeProfitPct <= 0 {
		return invalid("take-profit-pct must be > 0, got %v", cfg.TakeProfitPct)
	}
	if cfg.CashFraction <= 0 || cfg.CashFraction > 1 {
		return invalid("cash-fraction must be in (0, 1], got %v", cfg.CashFraction)
	}
	if cfg.RSIBuyCeiling <= 0 || cfg.RSIBuyCeiling > 100 {
		return invalid("rsi-buy-ceiling must be in (0, 100], got %v", cfg.RSIBuyCeiling)
	}
	if cfg.ShortWindow < 1 || cfg.RSIWindow < 1 {
		return invalid("short-window and rsi-window must be >= 1")
	}
	if cfg.LongWindow <= cfg.ShortWindow {
		return invalid("long-window must be > short-window")
	}
	if need := cfg.IndicatorParams().MinBars(); cfg.BarLimit < need {
		return invalid("bars must be >= %d for the configured windows, got %d", need, cfg.BarLimit)
	}
	if _, _, err := md.ParseTimeFrame(cfg.BarInterval); err != nil {
		return invalid("interval: %v", err)
	}
	if cfg.BarWindow < 0 {
		return invalid("bar-window must be >= 0")
	}
	if cfg.BarWindow > 0 {
		need, err := md.LookbackWindow(cfg.BarInterval, cfg.BarLimit)
		if err != nil {
			return invalid("bar-window: %v", err)
		}
		if cfg.BarWindow < need {
			return invalid("bar-window %s cannot hold %d %s bars, need at least %s", cfg.BarWindow, cfg.BarLimit, cfg.BarInterval, need)
		}
	}
	if cfg.SymbolDelay < MinSymbolDelay {
		return invalid("symbol-delay must be >= %s, got %s", MinSymbolDelay, cfg.SymbolDelay)
	}
	if cfg.DataRetries < 0 {
		return invalid("data-retries must be >= 0")
	}
	if cfg.MaxNotional < 0 {
		return invalid("max-notional must be >= 0")
	}
	return nil
}

func (c Config) StrategyParams() strategy.Params {
	return strategy.Params{
		Mode:          c.Mode,
		StopLossPct:   c.StopLossPct,
		TakeProfitPct: c.TakeProfitPct,
		CashFraction:  c.CashFraction,
		RSIBuyCeiling: c.RSIBuyCeiling,
	}
}

func (c Config) IndicatorParams() indicator.Params {
	return indicator.Params{
		ShortWindow: c.ShortWindow,
		LongWindow:  c.LongWindow,
		RSIWindow:   c.RSIWindow,
	}
}

func (c Config) MarketDataOptions() md.Options {
	return md.Options{
		APIKey:    c.APIKey,
		APISecret: c.APISecret,
		Feed:      c.Feed,
		Interval:  c.BarInterval,
		Limit:     c.BarLimit,
		Window:    c.BarWindow,
		Retries:   c.DataRetries,
	}
}

// symbolList is a comma separated flag value.
type symbolList []string

func (s *symbolList) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(*s, ",")
}

func (s *symbolList) Set(value string) error {
	*s = splitSymbols(value)
	return nil
}

func splitSymbols(value string) []string {
	return strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == ';'
	})
}

// normalizeSymbols upper-cases and trims symbols and drops blanks and repeats,
// keeping the first occurrence.
func normalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
