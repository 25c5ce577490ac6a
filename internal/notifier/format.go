package notifier

import (
	"fmt"
	"html"
	"strings"

	"scanbot/internal/indicator"
	"scanbot/internal/strategy"

	"github.com/dustin/go-humanize"
)

// DecisionCaption renders the chart caption for a decision on symbol.
func DecisionCaption(symbol string, d strategy.Decision, snap indicator.Snapshot, p strategy.Params) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔔 <b>%s</b>\n", html.EscapeString(symbol))
	b.WriteString(actionLine(d, p))
	fmt.Fprintf(&b, "\nPrice: %s", Money(snap.Close))
	fmt.Fprintf(&b, "\nRSI: %.2f", snap.RSI)
	return b.String()
}

func actionLine(d strategy.Decision, p strategy.Params) string {
	signal := p.Mode == strategy.ModeSignal
	switch d.Kind {
	case strategy.EnterLong:
		if signal {
			return "📈 Buy signal: short MA crossed above long MA"
		}
		return fmt.Sprintf("🚀 New entry: %s shares. Target +%.1f%%, stop -%.1f%%",
			d.Qty.StringFixed(2), p.TakeProfitPct*100, p.StopLossPct*100)
	case strategy.ExitStopLoss:
		return fmt.Sprintf("🛑 Stop-loss exit. Loss: %.2f%%", d.PnLPct*100)
	case strategy.ExitTakeProfit:
		return fmt.Sprintf("💰 Take-profit exit. Gain: %.2f%%", d.PnLPct*100)
	case strategy.ExitTechnical:
		if signal {
			return "📉 Sell signal: short MA crossed below long MA"
		}
		return "📉 Technical exit (trend reversal)"
	default:
		return html.EscapeString(d.Reason)
	}
}

// RejectionText reports an order the broker or the pre-trade checks refused.
func RejectionText(symbol string, kind strategy.Kind, cause error) string {
	return fmt.Sprintf("⚠️ <b>%s</b> %s order not placed: %s",
		html.EscapeString(symbol), kind, html.EscapeString(cause.Error()))
}

// Money formats v as dollars with thousands separators.
func Money(v float64) string {
	if v < 0 {
		return "-$" + humanize.FormatFloat("#,###.##", -v)
	}
	return "$" + humanize.FormatFloat("#,###.##", v)
}
