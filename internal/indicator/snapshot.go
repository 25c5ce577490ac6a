package indicator

import (
	"math"

	"github.com/pkg/errors"
)

// ErrInsufficientData means the series is too short to define a snapshot.
var ErrInsufficientData = errors.New("not enough bars for indicators")

type Params struct {
	ShortWindow int
	LongWindow  int
	RSIWindow   int
}

func DefaultParams() Params {
	return Params{ShortWindow: 5, LongWindow: 20, RSIWindow: 14}
}

// MinBars is the shortest series Compute accepts: the previous long average
// and the current RSI both need one bar beyond their window.
func (p Params) MinBars() int {
	return max(p.ShortWindow, p.LongWindow, p.RSIWindow) + 1
}

// Series holds the full indicator lines, aligned with the input closes.
type Series struct {
	ShortMA []float64
	LongMA  []float64
	RSI     []float64
}

// Snapshot is the last two points of a single fetched series.
type Snapshot struct {
	Close       float64
	ShortMA     float64
	ShortMAPrev float64
	LongMA      float64
	LongMAPrev  float64
	RSI         float64
}

// CrossedAbove reports a fresh upward crossover on the latest bar.
func (s Snapshot) CrossedAbove() bool {
	return compare(s.ShortMA, s.LongMA) > 0 && compare(s.ShortMAPrev, s.LongMAPrev) <= 0
}

// CrossedBelow reports a fresh downward crossover on the latest bar.
func (s Snapshot) CrossedBelow() bool {
	return compare(s.ShortMA, s.LongMA) < 0 && compare(s.ShortMAPrev, s.LongMAPrev) >= 0
}

// ShortBelowLong reports whether the short average is under the long one on
// the latest bar.
func (s Snapshot) ShortBelowLong() bool {
	return compare(s.ShortMA, s.LongMA) < 0
}

// levelTolerance is the relative gap under which two averages count as level.
// Running-sum averages of a flat series can differ in the last few bits.
const levelTolerance = 1e-9

// compare returns -1, 0 or 1 as short is below, level with or above long.
func compare(short, long float64) int {
	tol := levelTolerance * math.Max(math.Abs(long), 1)
	switch {
	case short-long > tol:
		return 1
	case long-short > tol:
		return -1
	default:
		return 0
	}
}

// Compute derives the indicator series and the latest snapshot from closes.
func Compute(closes []float64, p Params) (Series, Snapshot, error) {
	if len(closes) < p.MinBars() {
		return Series{}, Snapshot{}, errors.Wrapf(ErrInsufficientData, "have %d bars, need %d", len(closes), p.MinBars())
	}

	series := Series{
		ShortMA: SMA(closes, p.ShortWindow),
		LongMA:  SMA(closes, p.LongWindow),
		RSI:     RSI(closes, p.RSIWindow),
	}

	last := len(closes) - 1
	snap := Snapshot{
		Close:       closes[last],
		ShortMA:     series.ShortMA[last],
		ShortMAPrev: series.ShortMA[last-1],
		LongMA:      series.LongMA[last],
		LongMAPrev:  series.LongMA[last-1],
		RSI:         series.RSI[last],
	}
	for _, v := range []float64{snap.Close, snap.ShortMA, snap.ShortMAPrev, snap.LongMA, snap.LongMAPrev, snap.RSI} {
		if !Defined(v) {
			return Series{}, Snapshot{}, errors.Wrap(ErrInsufficientData, "indicator undefined on latest bars")
		}
	}
	return series, snap, nil
}
