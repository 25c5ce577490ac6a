// Package chart draws the price, moving average and RSI chart sent with a
// decision.
package chart

import (
	"bytes"
	"strconv"
	"time"

	"scanbot/internal/indicator"
	"scanbot/internal/md"

	"github.com/pkg/errors"
	gochart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

const (
	width  = 1000
	height = 500
)

type Renderer struct {
	ShortLabel string
	LongLabel  string
}

func NewRenderer(shortWindow, longWindow int) *Renderer {
	return &Renderer{
		ShortLabel: "SMA " + strconv.Itoa(shortWindow),
		LongLabel:  "SMA " + strconv.Itoa(longWindow),
	}
}

// Render returns a PNG of bars with the indicator series overlaid. RSI is
// plotted on the secondary axis with the 70 and 30 guide lines.
func (r *Renderer) Render(symbol string, bars []md.Bar, series indicator.Series) ([]byte, error) {
	if len(bars) < 2 {
		return nil, errors.Errorf("chart %s: need at least 2 bars, have %d", symbol, len(bars))
	}

	times := make([]time.Time, len(bars))
	for i, b := range bars {
		times[i] = b.Timestamp
	}

	graph := gochart.Chart{
		Title:  symbol,
		Width:  width,
		Height: height,
		Background: gochart.Style{
			Padding: gochart.Box{Top: 40, Left: 20, Right: 20, Bottom: 20},
		},
		XAxis: gochart.XAxis{
			ValueFormatter: gochart.TimeValueFormatterWithFormat("01-02 15h"),
		},
		YAxis: gochart.YAxis{
			Name:           "Price",
			ValueFormatter: func(v interface{}) string { return gochart.FloatValueFormatterWithFormat(v, "%.2f") },
		},
		YAxisSecondary: gochart.YAxis{
			Name:  "RSI",
			Range: &gochart.ContinuousRange{Min: 0, Max: 100},
		},
		Series: []gochart.Series{
			gochart.TimeSeries{
				Name:    "Close",
				XValues: times,
				YValues: md.Closes(bars),
				Style:   gochart.Style{StrokeColor: drawing.ColorBlack, StrokeWidth: 1.5},
			},
		},
	}

	if s, ok := line(r.ShortLabel, times, series.ShortMA, gochart.Style{StrokeColor: drawing.ColorFromHex("ff7f0e"), StrokeWidth: 1.2}); ok {
		graph.Series = append(graph.Series, s)
	}
	if s, ok := line(r.LongLabel, times, series.LongMA, gochart.Style{StrokeColor: drawing.ColorFromHex("1f77b4"), StrokeWidth: 1.2}); ok {
		graph.Series = append(graph.Series, s)
	}
	if s, ok := line("RSI", times, series.RSI, gochart.Style{StrokeColor: drawing.ColorFromHex("9467bd"), StrokeWidth: 1}); ok {
		s.YAxis = gochart.YAxisSecondary
		graph.Series = append(graph.Series, s, guide(times, 70, "d62728"), guide(times, 30, "2ca02c"))
	}
	graph.Elements = []gochart.Renderable{gochart.LegendLeft(&graph)}

	var buf bytes.Buffer
	if err := graph.Render(gochart.PNG, &buf); err != nil {
		return nil, errors.Wrapf(err, "render chart %s", symbol)
	}
	return buf.Bytes(), nil
}

// line keeps the defined points of values. Fewer than two points cannot be drawn.
func line(name string, times []time.Time, values []float64, style gochart.Style) (gochart.TimeSeries, bool) {
	s := gochart.TimeSeries{Name: name, Style: style}
	for i, v := range values {
		if i >= len(times) || !indicator.Defined(v) {
			continue
		}
		s.XValues = append(s.XValues, times[i])
		s.YValues = append(s.YValues, v)
	}
	return s, len(s.XValues) >= 2
}

func guide(times []time.Time, level float64, hex string) gochart.TimeSeries {
	return gochart.TimeSeries{
		XValues: []time.Time{times[0], times[len(times)-1]},
		YValues: []float64{level, level},
		YAxis:   gochart.YAxisSecondary,
		Style: gochart.Style{
			StrokeColor:     drawing.ColorFromHex(hex),
			StrokeWidth:     1,
			StrokeDashArray: []float64{5, 5},
		},
	}
}
