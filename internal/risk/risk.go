// Package risk sizes orders and vets them before they reach the broker.
package risk

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrKillSwitch      = errors.New("kill switch enabled")
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrOpenOrder       = errors.New("open order exists")
	ErrPositionOpen    = errors.New("position already open")
	ErrNoPosition      = errors.New("no position to sell")
	ErrMaxNotional     = errors.New("max notional exceeded")
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

type Intent struct {
	Symbol string
	Side   Side
	Qty    decimal.Decimal
	Reason string
}

// RiskContext is the broker state observed right before the order.
type RiskContext struct {
	Price          float64
	PositionQty    decimal.Decimal
	OpenOrderCount int
	// MaxNotional caps buys; zero disables the cap.
	MaxNotional float64
	KillSwitch  bool
}

type ApprovedIntent struct {
	Intent Intent
	Reason string
}

type Gate struct {
	log *zap.Logger
}

func NewGate(log *zap.Logger) Gate {
	return Gate{log: log}
}

func (g Gate) Evaluate(intent Intent, ctx RiskContext) (ApprovedIntent, error) {
	log := g.log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("symbol", intent.Symbol), zap.String("side", string(intent.Side)))

	notional := intent.Qty.InexactFloat64() * ctx.Price
	log.Debug("risk evaluation",
		zap.String("qty", intent.Qty.String()),
		zap.String("position", ctx.PositionQty.String()),
		zap.Float64("price", ctx.Price),
		zap.Float64("notional", notional),
	)

	reject := func(err error, fields ...zap.Field) (ApprovedIntent, error) {
		log.Info("risk rejected", append(fields, zap.String("reason", err.Error()))...)
		return ApprovedIntent{}, errors.Wrapf(err, "%s %s", intent.Side, intent.Symbol)
	}

	if ctx.KillSwitch {
		return reject(ErrKillSwitch)
	}
	if !intent.Qty.IsPositive() {
		return reject(ErrInvalidQuantity, zap.String("qty", intent.Qty.String()))
	}
	if ctx.OpenOrderCount > 0 {
		return reject(ErrOpenOrder, zap.Int("count", ctx.OpenOrderCount))
	}

	switch intent.Side {
	case Buy:
		if ctx.PositionQty.IsPositive() {
			return reject(ErrPositionOpen, zap.String("position", ctx.PositionQty.String()))
		}
		if ctx.MaxNotional > 0 && notional > ctx.MaxNotional {
			return reject(ErrMaxNotional, zap.Float64("notional", notional), zap.Float64("max", ctx.MaxNotional))
		}
	case Sell:
		if !ctx.PositionQty.IsPositive() {
			return reject(ErrNoPosition)
		}
		if intent.Qty.GreaterThan(ctx.PositionQty) {
			log.Info("risk clamped sell to position", zap.String("qty", intent.Qty.String()), zap.String("position", ctx.PositionQty.String()))
			intent.Qty = ctx.PositionQty
		}
	default:
		return reject(errors.Errorf("unknown side %q", intent.Side))
	}

	log.Info("risk approved", zap.String("qty", intent.Qty.String()), zap.String("reason", intent.Reason))
	return ApprovedIntent{Intent: intent, Reason: "approved"}, nil
}
