package engine

import (
	"context"

	"scanbot/internal/risk"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// reconcile reads the broker state an order is vetted against. It runs right
// before submission, so an exit aimed at a position closed since the scan
// read it finds no position and becomes a no-op.
func (s *Scanner) reconcile(ctx context.Context, symbol string, price float64) (risk.RiskContext, error) {
	riskCtx := risk.RiskContext{
		Price:       price,
		PositionQty: decimal.Zero,
		MaxNotional: s.opts.MaxNotional,
		KillSwitch:  s.opts.KillSwitch,
	}
	if s.opts.KillSwitch {
		return riskCtx, nil
	}

	orders, err := s.deps.Broker.OpenOrders(ctx, symbol)
	if err != nil {
		return riskCtx, errors.Wrap(err, "reconcile open orders")
	}
	riskCtx.OpenOrderCount = len(orders)

	position, err := s.deps.Broker.Position(ctx, symbol)
	if err != nil {
		return riskCtx, errors.Wrap(err, "reconcile position")
	}
	if position != nil {
		riskCtx.PositionQty = position.Qty
	}
	return riskCtx, nil
}
