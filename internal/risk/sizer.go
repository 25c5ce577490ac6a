package risk

import "github.com/shopspring/decimal"

// SizeOrder converts a cash budget into a fractional share quantity at
// lastClose, rounded to two decimals. It returns zero when either input is
// not positive.
func SizeOrder(cashBudget, lastClose float64) decimal.Decimal {
	if cashBudget <= 0 || lastClose <= 0 {
		return decimal.Zero
	}
	qty := decimal.NewFromFloat(cashBudget).Div(decimal.NewFromFloat(lastClose))
	return qty.Round(2)
}
