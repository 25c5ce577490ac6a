package strategy

import (
	"fmt"

	"scanbot/internal/indicator"
	"scanbot/internal/risk"

	"github.com/shopspring/decimal"
)

// Params are the thresholds the evaluator trades on. Percentages are
// fractions: 0.03 is three percent.
type Params struct {
	Mode          Mode
	StopLossPct   float64
	TakeProfitPct float64
	CashFraction  float64
	RSIBuyCeiling float64
}

func DefaultParams() Params {
	return Params{
		Mode:          ModeManaged,
		StopLossPct:   0.03,
		TakeProfitPct: 0.06,
		CashFraction:  0.10,
		RSIBuyCeiling: 70,
	}
}

type Evaluator struct {
	params Params
}

func NewEvaluator(params Params) *Evaluator {
	if params.Mode == "" {
		params.Mode = ModeManaged
	}
	return &Evaluator{params: params}
}

func (e *Evaluator) Params() Params {
	return e.params
}

// Evaluate decides what to do with a symbol. position is nil when the account
// is flat; cashBudget is the amount an entry may spend.
func (e *Evaluator) Evaluate(snap indicator.Snapshot, position *Position, cashBudget float64) Decision {
	if e.params.Mode == ModeSignal {
		return e.signal(snap, cashBudget)
	}
	if position.open() {
		return e.manage(snap, position)
	}
	return e.enter(snap, cashBudget)
}

// manage checks the exits of an open position, first match wins.
func (e *Evaluator) manage(snap indicator.Snapshot, position *Position) Decision {
	var pnl float64
	if position.EntryPrice > 0 {
		pnl = (snap.Close - position.EntryPrice) / position.EntryPrice

		if pnl <= -e.params.StopLossPct {
			return Decision{
				Kind:   ExitStopLoss,
				Qty:    position.Qty,
				Reason: fmt.Sprintf("stop-loss hit at %.2f%%", pnl*100),
				PnLPct: pnl,
			}
		}
		if pnl >= e.params.TakeProfitPct {
			return Decision{
				Kind:   ExitTakeProfit,
				Qty:    position.Qty,
				Reason: fmt.Sprintf("take-profit hit at %+.2f%%", pnl*100),
				PnLPct: pnl,
			}
		}
	}
	if snap.ShortBelowLong() {
		return Decision{
			Kind:   ExitTechnical,
			Qty:    position.Qty,
			Reason: fmt.Sprintf("short MA %.2f below long MA %.2f at %+.2f%%", snap.ShortMA, snap.LongMA, pnl*100),
			PnLPct: pnl,
		}
	}
	return Decision{Kind: None, Reason: fmt.Sprintf("holding at %+.2f%%", pnl*100), PnLPct: pnl}
}

func (e *Evaluator) enter(snap indicator.Snapshot, cashBudget float64) Decision {
	if !snap.CrossedAbove() {
		return Decision{Kind: None, Reason: "no crossover"}
	}
	if snap.RSI >= e.params.RSIBuyCeiling {
		return Decision{Kind: None, Reason: fmt.Sprintf("crossover with RSI %.2f at or above %.2f", snap.RSI, e.params.RSIBuyCeiling)}
	}
	qty := risk.SizeOrder(cashBudget, snap.Close)
	if !qty.IsPositive() {
		return Decision{Kind: None, Reason: "crossover but budget buys nothing"}
	}
	return Decision{
		Kind:   EnterLong,
		Qty:    qty,
		Reason: fmt.Sprintf("short MA crossed above long MA, RSI %.2f", snap.RSI),
	}
}

// signal reports both crossovers. The quantity of an entry is informational.
func (e *Evaluator) signal(snap indicator.Snapshot, cashBudget float64) Decision {
	switch {
	case snap.CrossedAbove():
		return Decision{
			Kind:   EnterLong,
			Qty:    risk.SizeOrder(cashBudget, snap.Close),
			Reason: fmt.Sprintf("buy signal: short MA crossed above long MA, RSI %.2f", snap.RSI),
		}
	case snap.CrossedBelow():
		return Decision{
			Kind:   ExitTechnical,
			Qty:    decimal.Zero,
			Reason: fmt.Sprintf("sell signal: short MA crossed below long MA, RSI %.2f", snap.RSI),
		}
	default:
		return Decision{Kind: None, Reason: "no crossover"}
	}
}
