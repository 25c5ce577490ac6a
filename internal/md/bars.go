package md

import (
	"context"
	"strconv"
	"strings"
	"time"

	"scanbot/pkg/retrier"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrDataUnavailable marks a symbol whose bars could not be fetched.
var ErrDataUnavailable = errors.New("market data unavailable")

const (
	regularSession = 390 * time.Minute
	// calendar days added on top of weekends for exchange holidays
	holidayMarginDays = 10
)

// Bar is one OHLCV sample. Slices of Bar are ordered by strictly increasing Timestamp.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Closes extracts the close prices of bars.
func Closes(bars []Bar) []float64 {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	return closes
}

type barsAPI interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

type Options struct {
	APIKey    string
	APISecret string
	Feed      string
	Interval  string
	Limit     int
	Window    time.Duration
	Retries   int
}

// Client fetches historical bars over REST.
type Client struct {
	api       barsAPI
	feed      marketdata.Feed
	timeframe marketdata.TimeFrame
	limit     int
	window    time.Duration
	retrier   *retrier.Retrier
	log       *zap.Logger
	now       func() time.Time
}

func NewClient(opts Options, log *zap.Logger) (*Client, error) {
	api := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	})
	return newClient(api, opts, log)
}

func newClient(api barsAPI, opts Options, log *zap.Logger) (*Client, error) {
	timeframe, _, err := ParseTimeFrame(opts.Interval)
	if err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		return nil, errors.Errorf("bar limit must be > 0, got %d", opts.Limit)
	}
	window := opts.Window
	if window <= 0 {
		if window, err = LookbackWindow(opts.Interval, opts.Limit); err != nil {
			return nil, err
		}
	}
	return &Client{
		api:       api,
		feed:      parseFeed(opts.Feed),
		timeframe: timeframe,
		limit:     opts.Limit,
		window:    window,
		retrier: retrier.New(
			retrier.WithMaxRetries(opts.Retries),
			retrier.WithRetryIf(isTransient),
		),
		log: log,
		now: time.Now,
	}, nil
}

// Bars returns at most limit of the newest bars for symbol, oldest first.
// An empty result is not an error.
func (c *Client) Bars(ctx context.Context, symbol string) ([]Bar, error) {
	end := c.now().UTC()
	req := marketdata.GetBarsRequest{
		TimeFrame: c.timeframe,
		Start:     end.Add(-c.window),
		End:       end,
		Feed:      c.feed,
	}

	raw, err := retrier.DoWithData(ctx, c.retrier, func(ctx context.Context) ([]marketdata.Bar, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return c.api.GetBars(symbol, req)
	})
	if err != nil {
		c.log.Warn("fetch bars failed", zap.String("symbol", symbol), zap.Error(err))
		return nil, errors.Wrapf(ErrDataUnavailable, "%s: %v", symbol, err)
	}

	buffer := NewRingBuffer[Bar](c.limit)
	var last time.Time
	dropped := 0
	for _, b := range raw {
		if !last.IsZero() && !b.Timestamp.After(last) {
			dropped++
			continue
		}
		last = b.Timestamp
		buffer.Add(Bar{
			Symbol:    symbol,
			Timestamp: b.Timestamp,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    float64(b.Volume),
		})
	}

	bars := buffer.Values()
	c.log.Debug("bars fetched",
		zap.String("symbol", symbol),
		zap.Int("received", len(raw)),
		zap.Int("kept", len(bars)),
		zap.Int("dropped_out_of_order", dropped),
	)
	return bars, nil
}

func isTransient(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// ParseTimeFrame parses intervals such as "1Hour", "15Min" or "1Day" and
// returns the matching bar timeframe and its duration.
func ParseTimeFrame(value string) (marketdata.TimeFrame, time.Duration, error) {
	value = strings.TrimSpace(value)
	i := 0
	for i < len(value) && value[i] >= '0' && value[i] <= '9' {
		i++
	}
	amount, err := strconv.Atoi(value[:i])
	if err != nil || amount <= 0 {
		return marketdata.TimeFrame{}, 0, errors.Errorf("invalid bar interval %q", value)
	}

	switch strings.ToLower(value[i:]) {
	case "min", "t":
		return marketdata.NewTimeFrame(amount, marketdata.Min), time.Duration(amount) * time.Minute, nil
	case "hour", "h":
		return marketdata.NewTimeFrame(amount, marketdata.Hour), time.Duration(amount) * time.Hour, nil
	case "day", "d":
		if amount != 1 {
			return marketdata.TimeFrame{}, 0, errors.Errorf("invalid bar interval %q: only 1Day is supported", value)
		}
		return marketdata.NewTimeFrame(amount, marketdata.Day), 24 * time.Hour, nil
	default:
		return marketdata.TimeFrame{}, 0, errors.Errorf("invalid bar interval %q", value)
	}
}

// LookbackWindow returns the calendar span that holds n bars of interval when
// only regular sessions trade. Intraday intervals count the bars of one
// 6.5 hour session; weekends and holidays are added on top.
func LookbackWindow(interval string, n int) (time.Duration, error) {
	_, step, err := ParseTimeFrame(interval)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.Errorf("bar count must be > 0, got %d", n)
	}

	perSession := 1
	if step < 24*time.Hour {
		perSession = max(1, int(regularSession/step))
	}
	sessions := (n + perSession - 1) / perSession
	days := (sessions*7+4)/5 + holidayMarginDays
	return time.Duration(days) * 24 * time.Hour, nil
}

func parseFeed(feed string) marketdata.Feed {
	switch feed {
	case "sip":
		return marketdata.SIP
	default:
		return marketdata.IEX
	}
}
