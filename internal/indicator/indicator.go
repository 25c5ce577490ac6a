// Package indicator computes the moving averages and RSI the scanner trades on.
//
// Series are aligned with their input: element i describes the bar at index i,
// and indices without enough history hold NaN.
package indicator

import (
	"math"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/trend"
)

// Defined reports whether v is a computed value rather than the NaN placeholder.
func Defined(v float64) bool {
	return !math.IsNaN(v)
}

// SMA returns the simple moving average of closes over window.
func SMA(closes []float64, window int) []float64 {
	out := undefinedSeries(len(closes))
	if window <= 0 || len(closes) < window {
		return out
	}

	input := make([]float64, len(closes))
	copy(input, closes)

	sma := trend.NewSmaWithPeriod[float64](window)
	values := helper.ChanToSlice(sma.Compute(helper.SliceToChan(input)))
	// the library skips its idle period, so the values belong to the tail
	if len(values) > len(out) {
		values = values[len(values)-len(out):]
	}
	copy(out[len(out)-len(values):], values)
	return out
}

// RSI returns the relative strength index of closes, averaging gains and
// losses with a simple rolling mean over window price changes. A window with
// no losses yields exactly 100.
func RSI(closes []float64, window int) []float64 {
	out := undefinedSeries(len(closes))
	if window <= 0 || len(closes) < window+1 {
		return out
	}

	gains := make([]float64, len(closes)-1)
	losses := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gains[i-1] = delta
		} else if delta < 0 {
			losses[i-1] = -delta
		}
	}

	avgGain := SMA(gains, window)
	avgLoss := SMA(losses, window)
	for i := window - 1; i < len(gains); i++ {
		out[i+1] = relativeStrength(avgGain[i], avgLoss[i])
	}
	return out
}

func relativeStrength(avgGain, avgLoss float64) float64 {
	// the rolling sum can leave float residue where every loss was zero
	if avgLoss <= 1e-12 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

func undefinedSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
