// Package metrics exposes Prometheus counters and gauges for the OMS,
// book, and sim components, served at /metrics (§6 metrics.addr).
//
// Grounded on the chidi150c-coinbase pack repo's metrics.go (labeled
// CounterVec/GaugeVec per concern, registered once, served via
// promhttp.Handler from main), generalised from a package-level
// init()-registered global registry to an explicit *Metrics value so
// multiple engine instances in tests don't collide on the default
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every counter/gauge the engine updates.
type Metrics struct {
	registry *prometheus.Registry

	OrdersSubmitted *prometheus.CounterVec
	OrdersFilled    *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	RiskRejections  *prometheus.CounterVec

	PositionNotional *prometheus.GaugeVec
	Equity           prometheus.Gauge
	AvailableMargin  prometheus.Gauge

	ReconcileDrift  *prometheus.GaugeVec
	ForcedSyncTotal prometheus.Counter

	BookGapTotal *prometheus.CounterVec
}

// New builds a Metrics bundle on its own registry and registers every
// series.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hfmm_orders_submitted_total",
			Help: "Orders submitted to the gateway.",
		}, []string{"symbol", "side"}),
		OrdersFilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hfmm_orders_filled_total",
			Help: "Fill events applied to local orders.",
		}, []string{"symbol", "side"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hfmm_orders_rejected_total",
			Help: "Orders rejected locally or by the gateway.",
		}, []string{"symbol", "reason"}),
		RiskRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hfmm_risk_rejections_total",
			Help: "Submissions rejected by margin or worst-case exposure checks.",
		}, []string{"symbol", "reason"}),
		PositionNotional: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hfmm_position_notional",
			Help: "Signed position notional per symbol (volume * mark price).",
		}, []string{"symbol"}),
		Equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hfmm_account_equity_usdt",
			Help: "Account equity (balance + unrealised PnL).",
		}),
		AvailableMargin: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hfmm_account_available_margin_usdt",
			Help: "Margin available for new orders.",
		}),
		ReconcileDrift: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hfmm_reconcile_drift",
			Help: "Local-minus-remote position drift per symbol, from the last reconciliation pass.",
		}, []string{"symbol"}),
		ForcedSyncTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hfmm_forced_sync_total",
			Help: "Number of forced reconciliation syncs triggered by persistent dirty state.",
		}),
		BookGapTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hfmm_book_gap_total",
			Help: "Sequence gaps detected in the local order book per symbol.",
		}, []string{"symbol"}),
	}

	reg.MustRegister(
		m.OrdersSubmitted, m.OrdersFilled, m.OrdersRejected, m.RiskRejections,
		m.PositionNotional, m.Equity, m.AvailableMargin,
		m.ReconcileDrift, m.ForcedSyncTotal, m.BookGapTotal,
	)
	return m
}

// Handler serves the Prometheus text exposition format for this bundle.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
