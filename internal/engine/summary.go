package engine

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"scanbot/internal/notifier"

	"go.uber.org/zap"
)

// Summary describes one finished run.
type Summary struct {
	RunID    string
	Started  time.Time
	Duration time.Duration

	Evaluated      int
	Skipped        int
	Failed         int
	Decisions      int
	Orders         int
	OrdersRejected int

	Cash       float64
	Equity     float64
	AccountErr error
}

func (s Summary) Message() string {
	var b strings.Builder
	b.WriteString("✅ <b>Scan finished</b>\n")
	if s.AccountErr != nil {
		fmt.Fprintf(&b, "Account unavailable: %s\n", html.EscapeString(s.AccountErr.Error()))
	} else {
		fmt.Fprintf(&b, "Total equity: %s\n", notifier.Money(s.Equity))
		fmt.Fprintf(&b, "Cash: %s\n", notifier.Money(s.Cash))
	}
	fmt.Fprintf(&b, "Symbols: %d evaluated, %d skipped, %d failed\n", s.Evaluated, s.Skipped, s.Failed)
	fmt.Fprintf(&b, "Signals: %d, orders: %d placed, %d rejected", s.Decisions, s.Orders, s.OrdersRejected)
	return b.String()
}

// finish queries the account after the loop and sends the summary.
func (s *Scanner) finish(ctx context.Context, log *zap.Logger, summary *Summary) {
	acct, err := s.deps.Broker.Account(ctx)
	if err != nil {
		log.Warn("final account query failed", zap.Error(err))
		summary.AccountErr = err
	} else {
		summary.Cash = acct.Cash
		summary.Equity = acct.Equity
	}
	s.sendText(ctx, log, summary.Message())
}
