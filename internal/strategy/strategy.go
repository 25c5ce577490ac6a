// Package strategy turns an indicator snapshot and the live position into a
// trading decision.
package strategy

import (
	"github.com/shopspring/decimal"
)

type Mode string

const (
	// ModeManaged watches open positions and trades on entries and exits.
	ModeManaged Mode = "managed"
	// ModeSignal reports crossovers only. It never looks at positions.
	ModeSignal Mode = "signal"
)

func ParseMode(value string) (Mode, bool) {
	switch Mode(value) {
	case ModeManaged, ModeSignal:
		return Mode(value), true
	default:
		return "", false
	}
}

type Kind string

const (
	None           Kind = "NONE"
	EnterLong      Kind = "ENTER_LONG"
	ExitStopLoss   Kind = "EXIT_STOP_LOSS"
	ExitTakeProfit Kind = "EXIT_TAKE_PROFIT"
	ExitTechnical  Kind = "EXIT_TECHNICAL"
)

func (k Kind) IsEntry() bool {
	return k == EnterLong
}

func (k Kind) IsExit() bool {
	switch k {
	case ExitStopLoss, ExitTakeProfit, ExitTechnical:
		return true
	default:
		return false
	}
}

// Position is the open long position the brokerage reports for a symbol.
type Position struct {
	Symbol     string
	Qty        decimal.Decimal
	EntryPrice float64
}

func (p *Position) open() bool {
	return p != nil && p.Qty.IsPositive()
}

type Decision struct {
	Kind   Kind
	Qty    decimal.Decimal
	Reason string
	// PnLPct is the unrealized return of the position as a fraction; zero
	// without a position.
	PnLPct float64
}

func (d Decision) Actionable() bool {
	return d.Kind != None
}
