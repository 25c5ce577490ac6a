package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"scanbot/internal/broker"
	"scanbot/internal/indicator"
	"scanbot/internal/md"
	"scanbot/internal/metrics"
	"scanbot/internal/risk"
	"scanbot/internal/strategy"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// crossoverCloses crosses SMA5 above SMA20 on the last bar with RSI14 = 45 and close 50.
var crossoverCloses = []float64{
	53.0, 51.5, 49.5, 53.5, 46.0, 50.0, 54.0, 49.5, 53.5, 53.5,
	48.5, 47.5, 52.5, 50.0, 53.5, 48.0, 50.0, 51.0, 50.5, 53.0, 50.0,
}

func barsFrom(symbol string, closes ...float64) []md.Bar {
	start := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
	bars := make([]md.Bar, len(closes))
	for i, c := range closes {
		bars[i] = md.Bar{Symbol: symbol, Timestamp: start.Add(time.Duration(i) * time.Hour), Open: c, High: c, Low: c, Close: c, Volume: 1000}
	}
	return bars
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

type fakeData struct {
	bars  map[string][]md.Bar
	errs  map[string]error
	calls []string
}

func (f *fakeData) Bars(_ context.Context, symbol string) ([]md.Bar, error) {
	f.calls = append(f.calls, symbol)
	if err := f.errs[symbol]; err != nil {
		return nil, err
	}
	return f.bars[symbol], nil
}

type fakeBroker struct {
	// positions holds the answers to successive Position calls per symbol;
	// the last answer repeats.
	positions     map[string][]*broker.Position
	positionErr   error
	positionCalls map[string]int
	openOrders    map[string][]broker.OrderRef
	account       broker.Account
	accountErrs   []error
	accountCalls  int
	placed        []broker.OrderRequest
	placeErr      error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		positions:     map[string][]*broker.Position{},
		positionCalls: map[string]int{},
		openOrders:    map[string][]broker.OrderRef{},
		account:       broker.Account{Cash: 5000, Equity: 12000, BuyingPower: 10000},
	}
}

func (f *fakeBroker) Position(_ context.Context, symbol string) (*broker.Position, error) {
	n := f.positionCalls[symbol]
	f.positionCalls[symbol]++
	if f.positionErr != nil {
		return nil, f.positionErr
	}
	answers := f.positions[symbol]
	if len(answers) == 0 {
		return nil, nil
	}
	if n >= len(answers) {
		n = len(answers) - 1
	}
	return answers[n], nil
}

func (f *fakeBroker) OpenOrders(_ context.Context, symbol string) ([]broker.OrderRef, error) {
	return f.openOrders[symbol], nil
}

func (f *fakeBroker) Account(context.Context) (broker.Account, error) {
	n := f.accountCalls
	f.accountCalls++
	if n < len(f.accountErrs) && f.accountErrs[n] != nil {
		return broker.Account{}, f.accountErrs[n]
	}
	return f.account, nil
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderRef, error) {
	if err := ctx.Err(); err != nil {
		return broker.OrderRef{}, err
	}
	f.placed = append(f.placed, req)
	if f.placeErr != nil {
		return broker.OrderRef{}, f.placeErr
	}
	return broker.OrderRef{ID: "order-" + req.Symbol, ClientOrderID: req.ClientOrderID, Status: "accepted"}, nil
}

type sentImage struct {
	chatID  string
	png     []byte
	caption string
}

type fakeNotifier struct {
	texts  []string
	images []sentImage
	err    error
}

func (f *fakeNotifier) SendText(_ context.Context, _ string, text string) error {
	f.texts = append(f.texts, text)
	return f.err
}

func (f *fakeNotifier) SendImage(_ context.Context, chatID string, png []byte, caption string) error {
	f.images = append(f.images, sentImage{chatID: chatID, png: png, caption: caption})
	return f.err
}

type fakeCharts struct {
	err     error
	panicOn string
	calls   int
}

func (f *fakeCharts) Render(symbol string, _ []md.Bar, _ indicator.Series) ([]byte, error) {
	f.calls++
	if symbol == f.panicOn {
		panic("font cache corrupted")
	}
	if f.err != nil {
		return nil, f.err
	}
	return []byte("png"), nil
}

type harness struct {
	scanner  *Scanner
	data     *fakeData
	broker   *fakeBroker
	notifier *fakeNotifier
	charts   *fakeCharts
	metrics  *metrics.Metrics
	waits    []time.Duration
}

func newHarness(t *testing.T, params strategy.Params, opts Options) *harness {
	t.Helper()
	h := &harness{
		data:     &fakeData{bars: map[string][]md.Bar{}, errs: map[string]error{}},
		broker:   newFakeBroker(),
		notifier: &fakeNotifier{},
		charts:   &fakeCharts{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	if opts.ChatID == "" {
		opts.ChatID = "42"
	}
	if opts.SymbolDelay == 0 {
		opts.SymbolDelay = time.Second
	}
	if opts.Indicators == (indicator.Params{}) {
		opts.Indicators = indicator.DefaultParams()
	}
	h.scanner = New(opts, strategy.NewEvaluator(params), risk.NewGate(zap.NewNop()), Deps{
		Data:     h.data,
		Broker:   h.broker,
		Notifier: h.notifier,
		Charts:   h.charts,
		Metrics:  h.metrics,
	}, zap.NewNop())
	h.scanner.wait = func(ctx context.Context, d time.Duration) error {
		h.waits = append(h.waits, d)
		return ctx.Err()
	}
	return h
}

func (h *harness) lastText(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, h.notifier.texts)
	return h.notifier.texts[len(h.notifier.texts)-1]
}

func TestRunEntersLongOnCrossover(t *testing.T) {
	h := newHarness(t, strategy.DefaultParams(), Options{Watchlist: []string{"AAPL"}})
	h.data.bars["AAPL"] = barsFrom("AAPL", crossoverCloses...)

	summary, err := h.scanner.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, h.broker.placed, 1)
	order := h.broker.placed[0]
	assert.Equal(t, "AAPL", order.Symbol)
	assert.Equal(t, alpaca.Buy, order.Side)
	assert.Equal(t, alpaca.Market, order.Type)
	assert.Equal(t, alpaca.Day, order.TimeInForce)
	assert.Equal(t, "10.00", order.Qty.StringFixed(2))
	assert.True(t, strings.HasPrefix(order.ClientOrderID, summary.RunID+"-"))

	require.Len(t, h.notifier.images, 1)
	assert.Equal(t, "42", h.notifier.images[0].chatID)
	assert.Contains(t, h.notifier.images[0].caption, "10.00 shares")
	assert.Contains(t, h.notifier.images[0].caption, "Price: $50.00")

	assert.Equal(t, 1, summary.Evaluated)
	assert.Equal(t, 1, summary.Decisions)
	assert.Equal(t, 1, summary.Orders)
	assert.Contains(t, h.lastText(t), "Scan finished")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.OrdersTotal.WithLabelValues("buy", "submitted")))
}

func TestRunStopLossSellsFullPosition(t *testing.T) {
	h := newHarness(t, strategy.DefaultParams(), Options{Watchlist: []string{"TSLA"}})
	h.data.bars["TSLA"] = barsFrom("TSLA", append(repeat(100, 20), 96.90)...)
	h.broker.positions["TSLA"] = []*broker.Position{{Symbol: "TSLA", Qty: decimal.NewFromInt(4), AvgEntry: 100}}

	summary, err := h.scanner.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, h.broker.placed, 1)
	assert.Equal(t, alpaca.Sell, h.broker.placed[0].Side)
	assert.True(t, h.broker.placed[0].Qty.Equal(decimal.NewFromInt(4)))
	require.Len(t, h.notifier.images, 1)
	assert.Contains(t, h.notifier.images[0].caption, "-3.10")
	assert.Equal(t, 1, summary.Orders)
}

func TestRunHoldPlacesNothingAndNotifiesOnlySummary(t *testing.T) {
	h := newHarness(t, strategy.DefaultParams(), Options{Watchlist: []string{"MSFT"}})
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + 0.05*float64(i)
	}
	h.data.bars["MSFT"] = barsFrom("MSFT", closes...)
	h.broker.positions["MSFT"] = []*broker.Position{{Symbol: "MSFT", Qty: decimal.NewFromInt(2), AvgEntry: 100}}

	summary, err := h.scanner.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.broker.placed)
	assert.Empty(t, h.notifier.images)
	require.Len(t, h.notifier.texts, 1)
	assert.Contains(t, h.notifier.texts[0], "Scan finished")
	assert.Equal(t, 0, h.charts.calls)
	assert.Equal(t, 1, summary.Evaluated)
	assert.Equal(t, 0, summary.Decisions)
}

func TestRunSkipsShortSeries(t *testing.T) {
	h := newHarness(t, strategy.DefaultParams(), Options{Watchlist: []string{"RKLB"}})
	h.data.bars["RKLB"] = barsFrom("RKLB", crossoverCloses[:20]...)

	summary, err := h.scanner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, h.broker.positionCalls["RKLB"])
	assert.Empty(t, h.broker.placed)
	assert.Empty(t, h.notifier.images)
}

func TestRunContinuesAfterSymbolFailures(t *testing.T) {
	h := newHarness(t, strategy.DefaultParams(), Options{Watchlist: []string{"BAD", "EMPTY", "AAPL"}})
	h.data.errs["BAD"] = errors.Wrap(md.ErrDataUnavailable, "BAD: feed down")
	h.data.bars["AAPL"] = barsFrom("AAPL", crossoverCloses...)

	summary, err := h.scanner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"BAD", "EMPTY", "AAPL"}, h.data.calls)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Evaluated)
	require.Len(t, h.broker.placed, 1)
	assert.Equal(t, "AAPL", h.broker.placed[0].Symbol)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, h.waits)
}

func TestRunPositionQueryFailureSkipsSymbol(t *testing.T) {
	h := newHarness(t, strategy.DefaultParams(), Options{Watchlist: []string{"AAPL"}})
	h.data.bars["AAPL"] = barsFrom("AAPL", crossoverCloses...)
	h.broker.positionErr = errors.New("503 service unavailable")

	summary, err := h.scanner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	assert.Empty(t, h.broker.placed)
	assert.Contains(t, h.lastText(t), "Scan finished")
}

func TestRunOrderRejectionNotifies(t *testing.T) {
	h := newHarness(t, strategy.DefaultParams(), Options{Watchlist: []string{"AAPL"}})
	h.data.bars["AAPL"] = barsFrom("AAPL", crossoverCloses...)
	h.broker.placeErr = errors.Wrap(broker.ErrOrderRejected, "insufficient buying power")

	summary, err := h.scanner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.OrdersRejected)
	assert.Equal(t, 0, summary.Orders)
	assert.Empty(t, h.notifier.images)
	require.Len(t, h.notifier.texts, 2)
	assert.Contains(t, h.notifier.texts[0], "not placed")
	assert.Contains(t, h.notifier.texts[0], "insufficient buying power")
	assert.Contains(t, h.notifier.texts[1], "Scan finished")
}

func TestRunSummaryAlwaysSent(t *testing.T) {
	h := newHarness(t, strategy.DefaultParams(), Options{Watchlist: []string{"A", "B"}})
	h.data.errs["A"] = md.ErrDataUnavailable
	h.data.errs["B"] = md.ErrDataUnavailable
	h.broker.accountErrs = []error{nil, errors.New("account endpoint down")}

	summary, err := h.scanner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Failed)
	assert.Error(t, summary.AccountErr)
	require.Len(t, h.notifier.texts, 1)
	assert.Contains(t, h.notifier.texts[0], "Account unavailable")
	assert.Contains(t, h.notifier.texts[0], "2 failed")
}

func TestRunSummaryReportsAccount(t *testing.T) {
	h := newHarness(t, strategy.DefaultParams(), Options{Watchlist: []string{"A"}})
	h.broker.account = broker.Account{Cash: 4500.5, Equity: 101234}

	summary, err := h.scanner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4500.5, summary.Cash)
	text := h.lastText(t)
	assert.Contains(t, text, "Total equity: $101,234.00")
	assert.Contains(t, text, "Cash: $4,500.50")
	assert.Equal(t, 2, h.broker.accountCalls)
}

func TestRunTechnicalExitOnClosedPositionIsNoop(t *testing.T) {
	h := newHarness(t, strategy.DefaultParams(), Options{Watchlist: []string{"NVDA"}})
	h.data.bars["NVDA"] = barsFrom("NVDA", append(repeat(102, 25), 101.5, 101, 100.5, 100, 99.5)...)
	// open when scanned, gone by the time the order is vetted
	h.broker.positions["NVDA"] = []*broker.Position{
		{Symbol: "NVDA", Qty: decimal.NewFromInt(3), AvgEntry: 100},
		nil,
	}

	summary, err := h.scanner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, h.broker.positionCalls["NVDA"])
	assert.Empty(t, h.broker.placed)
	assert.Empty(t, h.notifier.images)
	require.Len(t, h.notifier.texts, 1)
	assert.Equal(t, 1, summary.Decisions)
	assert.Equal(t, 1, summary.Evaluated)
}

func TestRunSellIsClampedToReconciledPosition(t *testing.T) {
	h := newHarness(t, strategy.DefaultParams(), Options{Watchlist: []string{"NVDA"}})
	h.data.bars["NVDA"] = barsFrom("NVDA", append(repeat(100, 20), 96.90)...)
	h.broker.positions["NVDA"] = []*broker.Position{
		{Symbol: "NVDA", Qty: decimal.NewFromInt(3), AvgEntry: 100},
		{Symbol: "NVDA", Qty: decimal.NewFromInt(1), AvgEntry: 100},
	}

	_, err := h.scanner.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, h.broker.placed, 1)
	assert.True(t, h.broker.placed[0].Qty.Equal(decimal.NewFromInt(1)))
}

func TestRunOpenOrderBlocksEntry(t *testing.T) {
	h := newHarness(t, strategy.DefaultParams(), Options{Watchlist: []string{"AAPL"}})
	h.data.bars["AAPL"] = barsFrom("AAPL", crossoverCloses...)
	h.broker.openOrders["AAPL"] = []broker.OrderRef{{ID: "working"}}

	_, err := h.scanner.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.broker.placed)
	require.Len(t, h.notifier.texts, 2)
	assert.Contains(t, h.notifier.texts[0], "open order exists")
}

func TestRunSignalModeNeverTrades(t *testing.T) {
	params := strategy.DefaultParams()
	params.Mode = strategy.ModeSignal
	h := newHarness(t, params, Options{Watchlist: []string{"AAPL", "AMD"}})
	h.data.bars["AAPL"] = barsFrom("AAPL", crossoverCloses...)
	h.data.bars["AMD"] = barsFrom("AMD", append(repeat(100, 20), 90)...)

	summary, err := h.scanner.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.broker.placed)
	assert.Empty(t, h.broker.positionCalls)
	assert.Equal(t, 1, h.broker.accountCalls, "only the summary reads the account")
	require.Len(t, h.notifier.images, 2)
	assert.Contains(t, h.notifier.images[0].caption, "Buy signal")
	assert.Contains(t, h.notifier.images[1].caption, "Sell signal")
	assert.Equal(t, 2, summary.Decisions)
	assert.Equal(t, 0, summary.Orders)
}

func TestRunKillSwitchNotifiesWithoutOrdering(t *testing.T) {
	h := newHarness(t, strategy.DefaultParams(), Options{Watchlist: []string{"AAPL"}, KillSwitch: true})
	h.data.bars["AAPL"] = barsFrom("AAPL", crossoverCloses...)

	_, err := h.scanner.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.broker.placed)
	require.Len(t, h.notifier.images, 1)
	assert.Contains(t, h.notifier.images[0].caption, "Kill switch on")
}

func TestRunChartFailureFallsBackToText(t *testing.T) {
	h := newHarness(t, strategy.DefaultParams(), Options{Watchlist: []string{"AAPL"}})
	h.data.bars["AAPL"] = barsFrom("AAPL", crossoverCloses...)
	h.charts.err = errors.New("no fonts")

	_, err := h.scanner.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.notifier.images)
	require.Len(t, h.notifier.texts, 2)
	assert.Contains(t, h.notifier.texts[0], "10.00 shares")
}

func TestRunPanickingSymbolIsCountedAsFailure(t *testing.T) {
	h := newHarness(t, strategy.DefaultParams(), Options{Watchlist: []string{"AAPL", "MSFT"}})
	h.data.bars["AAPL"] = barsFrom("AAPL", crossoverCloses...)
	h.data.bars["MSFT"] = barsFrom("MSFT", crossoverCloses...)
	h.charts.panicOn = "AAPL"

	var summary Summary
	var err error
	require.NotPanics(t, func() {
		summary, err = h.scanner.Run(context.Background())
	})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Evaluated)
	require.Len(t, h.notifier.images, 1)
	assert.Contains(t, h.notifier.images[0].caption, "MSFT")
	require.Len(t, h.notifier.texts, 1)
	assert.Contains(t, h.notifier.texts[0], "Scan finished")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SymbolsTotal.WithLabelValues(metrics.OutcomeFailed)))
}

func TestRunNotificationFailureDoesNotAbort(t *testing.T) {
	h := newHarness(t, strategy.DefaultParams(), Options{Watchlist: []string{"AAPL", "MSFT"}})
	h.data.bars["AAPL"] = barsFrom("AAPL", crossoverCloses...)
	h.data.bars["MSFT"] = barsFrom("MSFT", crossoverCloses...)
	h.notifier.err = errors.New("telegram down")

	summary, err := h.scanner.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, h.broker.placed, 2)
	assert.Equal(t, 2, summary.Orders)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.NotificationFailures))
}

func TestRunCancelledStopsBetweenSymbols(t *testing.T) {
	h := newHarness(t, strategy.DefaultParams(), Options{Watchlist: []string{"AAPL", "MSFT", "TSLA"}})
	h.data.bars["AAPL"] = barsFrom("AAPL", crossoverCloses...)
	ctx, cancel := context.WithCancel(context.Background())
	h.scanner.wait = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	summary, err := h.scanner.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []string{"AAPL"}, h.data.calls)
	assert.Len(t, h.broker.placed, 1)
	assert.Equal(t, 1, summary.Evaluated)
	assert.Contains(t, h.lastText(t), "Scan finished")
}

func TestRunAccountFailureDisablesEntries(t *testing.T) {
	h := newHarness(t, strategy.DefaultParams(), Options{Watchlist: []string{"AAPL"}})
	h.data.bars["AAPL"] = barsFrom("AAPL", crossoverCloses...)
	h.broker.accountErrs = []error{errors.New("timeout")}

	summary, err := h.scanner.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.broker.placed)
	assert.Equal(t, 0, summary.Decisions)
	assert.NoError(t, summary.AccountErr)
}

func TestClientOrderIDsAreUnique(t *testing.T) {
	h := newHarness(t, strategy.DefaultParams(), Options{})
	h.scanner.runID = "run"

	first := h.scanner.nextClientOrderID()
	second := h.scanner.nextClientOrderID()
	assert.Equal(t, "run-1", first)
	assert.Equal(t, "run-2", second)
}
