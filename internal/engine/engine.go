// Package engine runs watchlist scans: fetch bars, evaluate, trade, notify.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"scanbot/internal/broker"
	"scanbot/internal/indicator"
	"scanbot/internal/md"
	"scanbot/internal/metrics"
	"scanbot/internal/notifier"
	"scanbot/internal/risk"
	"scanbot/internal/strategy"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type MarketData interface {
	Bars(ctx context.Context, symbol string) ([]md.Bar, error)
}

type Broker interface {
	Position(ctx context.Context, symbol string) (*broker.Position, error)
	OpenOrders(ctx context.Context, symbol string) ([]broker.OrderRef, error)
	Account(ctx context.Context) (broker.Account, error)
	PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderRef, error)
}

type Notifier interface {
	SendText(ctx context.Context, chatID, text string) error
	SendImage(ctx context.Context, chatID string, png []byte, caption string) error
}

type ChartRenderer interface {
	Render(symbol string, bars []md.Bar, series indicator.Series) ([]byte, error)
}

type Options struct {
	Watchlist   []string
	ChatID      string
	SymbolDelay time.Duration
	KillSwitch  bool
	MaxNotional float64
	Indicators  indicator.Params
}

// Deps are the collaborators a scan talks to. Metrics may be nil.
type Deps struct {
	Data     MarketData
	Broker   Broker
	Notifier Notifier
	Charts   ChartRenderer
	Metrics  *metrics.Metrics
}

type Scanner struct {
	opts      Options
	evaluator *strategy.Evaluator
	gate      risk.Gate
	deps      Deps
	log       *zap.Logger
	wait      func(ctx context.Context, delay time.Duration) error
	now       func() time.Time

	runID       string
	orderSeqNum uint64
}

func New(opts Options, evaluator *strategy.Evaluator, gate risk.Gate, deps Deps, log *zap.Logger) *Scanner {
	return &Scanner{
		opts:      opts,
		evaluator: evaluator,
		gate:      gate,
		deps:      deps,
		log:       log,
		wait:      broker.WaitForContext,
		now:       time.Now,
	}
}

type outcome int

const (
	evaluated outcome = iota
	skipped
	failed
)

// Run scans the watchlist once. Symbols are processed one at a time with
// the configured delay between them; a failing symbol is logged and counted
// and the scan moves on. The summary is always sent. Run only returns an
// error when ctx is cancelled mid-scan.
func (s *Scanner) Run(ctx context.Context) (Summary, error) {
	s.runID = uuid.NewString()
	log := s.log.With(zap.String("run_id", s.runID))
	started := s.now()
	summary := Summary{RunID: s.runID, Started: started}
	log.Info("scan started", zap.Int("symbols", len(s.opts.Watchlist)), zap.String("mode", string(s.evaluator.Params().Mode)))

	budget := s.cashBudget(ctx, log)

	var runErr error
	for i, symbol := range s.opts.Watchlist {
		if i > 0 {
			if err := s.wait(ctx, s.opts.SymbolDelay); err != nil {
				runErr = err
				break
			}
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		switch s.scanSymbol(ctx, log.With(zap.String("symbol", symbol)), symbol, budget, &summary) {
		case evaluated:
			summary.Evaluated++
			s.deps.Metrics.Symbol(metrics.OutcomeEvaluated)
		case skipped:
			summary.Skipped++
			s.deps.Metrics.Symbol(metrics.OutcomeSkipped)
		case failed:
			summary.Failed++
			s.deps.Metrics.Symbol(metrics.OutcomeFailed)
		}
	}
	if runErr != nil {
		log.Warn("scan interrupted", zap.Error(runErr))
	}

	// the summary goes out even when the run was cancelled
	detached := context.WithoutCancel(ctx)
	s.finish(detached, log, &summary)
	summary.Duration = s.now().Sub(started)
	s.deps.Metrics.ObserveScan(summary.Duration)

	log.Info("scan finished",
		zap.Int("evaluated", summary.Evaluated),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Int("decisions", summary.Decisions),
		zap.Int("orders", summary.Orders),
		zap.Int("orders_rejected", summary.OrdersRejected),
		zap.Duration("duration", summary.Duration),
	)
	return summary, runErr
}

// cashBudget is the amount one entry may spend this run.
func (s *Scanner) cashBudget(ctx context.Context, log *zap.Logger) float64 {
	params := s.evaluator.Params()
	if params.Mode == strategy.ModeSignal {
		return 0
	}
	acct, err := s.deps.Broker.Account(ctx)
	if err != nil {
		log.Warn("account unavailable, entries disabled for this run", zap.Error(err))
		return 0
	}
	budget := acct.Cash * params.CashFraction
	log.Info("cash budget", zap.Float64("cash", acct.Cash), zap.Float64("budget", budget))
	return budget
}

func (s *Scanner) scanSymbol(ctx context.Context, log *zap.Logger, symbol string, budget float64, summary *Summary) (result outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("symbol failed", zap.String("stage", "panic"), zap.Any("panic", r), zap.Stack("stack"))
			result = failed
		}
	}()

	bars, err := s.deps.Data.Bars(ctx, symbol)
	if err != nil {
		log.Warn("symbol failed", zap.String("stage", "bars"), zap.Bool("data_unavailable", errors.Is(err, md.ErrDataUnavailable)), zap.Error(err))
		return failed
	}

	series, snap, err := indicator.Compute(md.Closes(bars), s.opts.Indicators)
	if err != nil {
		if errors.Is(err, indicator.ErrInsufficientData) {
			log.Info("symbol skipped", zap.Int("bars", len(bars)), zap.String("reason", err.Error()))
			return skipped
		}
		log.Warn("symbol failed", zap.String("stage", "indicators"), zap.Error(err))
		return failed
	}

	var position *strategy.Position
	if s.evaluator.Params().Mode == strategy.ModeManaged {
		pos, err := s.deps.Broker.Position(ctx, symbol)
		if err != nil {
			log.Warn("symbol failed", zap.String("stage", "position"), zap.Error(err))
			return failed
		}
		if pos != nil {
			position = &strategy.Position{Symbol: symbol, Qty: pos.Qty, EntryPrice: pos.AvgEntry}
		}
	}

	decision := s.evaluator.Evaluate(snap, position, budget)
	s.deps.Metrics.Decision(string(decision.Kind))
	log.Info("decision",
		zap.String("kind", string(decision.Kind)),
		zap.String("qty", decision.Qty.String()),
		zap.String("reason", decision.Reason),
		zap.Float64("close", snap.Close),
		zap.Float64("short_ma", snap.ShortMA),
		zap.Float64("long_ma", snap.LongMA),
		zap.Float64("rsi", snap.RSI),
	)
	if !decision.Actionable() {
		return evaluated
	}
	summary.Decisions++

	// once a decision is made the symbol is finished even if ctx is cancelled
	ctx = context.WithoutCancel(ctx)

	note := ""
	if s.evaluator.Params().Mode == strategy.ModeManaged {
		var notify bool
		note, notify = s.execute(ctx, log, symbol, snap, decision, summary)
		if !notify {
			return evaluated
		}
	}
	s.notifyDecision(ctx, log, symbol, bars, series, snap, decision, note)
	return evaluated
}

// execute vets and places the order for decision. It returns a note for the
// notification and whether the decision should be announced at all.
func (s *Scanner) execute(ctx context.Context, log *zap.Logger, symbol string, snap indicator.Snapshot, decision strategy.Decision, summary *Summary) (string, bool) {
	side := risk.Buy
	if decision.Kind.IsExit() {
		side = risk.Sell
	}
	intent := risk.Intent{Symbol: symbol, Side: side, Qty: decision.Qty, Reason: decision.Reason}

	riskCtx, err := s.reconcile(ctx, symbol, snap.Close)
	if err != nil {
		log.Warn("reconcile failed, order skipped", zap.Error(err))
		s.deps.Metrics.Order(string(side), "blocked")
		s.sendText(ctx, log, notifier.RejectionText(symbol, decision.Kind, err))
		return "", false
	}

	approved, err := s.gate.Evaluate(intent, riskCtx)
	switch {
	case err == nil:
	case errors.Is(err, risk.ErrNoPosition) && decision.Kind.IsExit():
		log.Info("exit skipped, position already closed", zap.String("kind", string(decision.Kind)))
		return "", false
	case errors.Is(err, risk.ErrKillSwitch):
		s.deps.Metrics.Order(string(side), "blocked")
		return "Kill switch on: no order placed", true
	default:
		s.deps.Metrics.Order(string(side), "blocked")
		s.sendText(ctx, log, notifier.RejectionText(symbol, decision.Kind, err))
		return "", false
	}

	req := s.buildOrder(symbol, approved.Intent)
	ref, err := s.deps.Broker.PlaceOrder(ctx, req)
	if err != nil {
		summary.OrdersRejected++
		s.deps.Metrics.Order(string(side), "rejected")
		log.Warn("order rejected", zap.Bool("broker_rejected", errors.Is(err, broker.ErrOrderRejected)), zap.Error(err))
		s.sendText(ctx, log, notifier.RejectionText(symbol, decision.Kind, err))
		return "", false
	}

	summary.Orders++
	s.deps.Metrics.Order(string(side), "submitted")
	log.Info("order submitted",
		zap.String("side", string(req.Side)),
		zap.String("qty", req.Qty.String()),
		zap.String("order_id", ref.ID),
		zap.String("client_order_id", ref.ClientOrderID),
		zap.String("status", ref.Status),
	)
	return "", true
}

func (s *Scanner) buildOrder(symbol string, intent risk.Intent) broker.OrderRequest {
	side := alpaca.Buy
	if intent.Side == risk.Sell {
		side = alpaca.Sell
	}
	return broker.OrderRequest{
		Symbol:        symbol,
		Qty:           intent.Qty,
		Side:          side,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: s.nextClientOrderID(),
	}
}

func (s *Scanner) nextClientOrderID() string {
	seq := atomic.AddUint64(&s.orderSeqNum, 1)
	return fmt.Sprintf("%s-%d", s.runID, seq)
}

// notifyDecision sends the chart with its caption, falling back to the
// caption alone when the chart cannot be drawn.
func (s *Scanner) notifyDecision(ctx context.Context, log *zap.Logger, symbol string, bars []md.Bar, series indicator.Series, snap indicator.Snapshot, decision strategy.Decision, note string) {
	caption := notifier.DecisionCaption(symbol, decision, snap, s.evaluator.Params())
	if note != "" {
		caption += "\n" + note
	}

	png, err := s.deps.Charts.Render(symbol, bars, series)
	if err != nil {
		log.Warn("chart render failed, sending text", zap.Error(err))
		s.sendText(ctx, log, caption)
		return
	}
	if err := s.deps.Notifier.SendImage(ctx, s.opts.ChatID, png, caption); err != nil {
		s.deps.Metrics.NotificationFailed()
		log.Warn("notification failed", zap.Error(err))
	}
}

func (s *Scanner) sendText(ctx context.Context, log *zap.Logger, text string) {
	if err := s.deps.Notifier.SendText(ctx, s.opts.ChatID, text); err != nil {
		s.deps.Metrics.NotificationFailed()
		log.Warn("notification failed", zap.Error(err))
	}
}
