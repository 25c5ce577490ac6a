// Package metrics exposes Prometheus metrics for scan runs.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Symbol outcomes.
const (
	OutcomeEvaluated = "evaluated"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Metrics holds the scanner metrics. A nil *Metrics records nothing.
type Metrics struct {
	ScansTotal           prometheus.Counter
	ScanDuration         prometheus.Histogram
	SymbolsTotal         *prometheus.CounterVec // labels: outcome
	DecisionsTotal       *prometheus.CounterVec // labels: kind
	OrdersTotal          *prometheus.CounterVec // labels: side, result
	NotificationFailures prometheus.Counter
	LastScanTimestamp    prometheus.Gauge
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ScansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanbot_scans_total",
			Help: "Completed watchlist scans",
		}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scanbot_scan_duration_seconds",
			Help:    "Wall time of a full watchlist scan",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
		}),
		SymbolsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanbot_symbols_total",
			Help: "Symbols processed by outcome",
		}, []string{"outcome"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanbot_decisions_total",
			Help: "Decisions by kind",
		}, []string{"kind"}),
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanbot_orders_total",
			Help: "Order submissions by side and result",
		}, []string{"side", "result"}),
		NotificationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanbot_notification_failures_total",
			Help: "Telegram deliveries that failed",
		}),
		LastScanTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scanbot_last_scan_timestamp_seconds",
			Help: "Unix time the last scan finished",
		}),
	}

	reg.MustRegister(
		m.ScansTotal,
		m.ScanDuration,
		m.SymbolsTotal,
		m.DecisionsTotal,
		m.OrdersTotal,
		m.NotificationFailures,
		m.LastScanTimestamp,
	)
	return m
}

func (m *Metrics) ObserveScan(d time.Duration) {
	if m == nil {
		return
	}
	m.ScansTotal.Inc()
	m.ScanDuration.Observe(d.Seconds())
	m.LastScanTimestamp.SetToCurrentTime()
}

func (m *Metrics) Symbol(outcome string) {
	if m == nil {
		return
	}
	m.SymbolsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Decision(kind string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) Order(side, result string) {
	if m == nil {
		return
	}
	m.OrdersTotal.WithLabelValues(side, result).Inc()
}

func (m *Metrics) NotificationFailed() {
	if m == nil {
		return
	}
	m.NotificationFailures.Inc()
}

// Serve exposes reg on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server")
	}
	return nil
}
