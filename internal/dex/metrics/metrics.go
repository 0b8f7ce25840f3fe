// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the market pipeline updates. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	OrdersTotal     *prometheus.CounterVec
	FillsTotal      *prometheus.CounterVec
	VolumeQuote     *prometheus.CounterVec
	FeesCollected   *prometheus.CounterVec
	EpochRollovers  *prometheus.CounterVec
	RebatesPaid     *prometheus.CounterVec
	SettlementFails *prometheus.CounterVec
	OperationTime   *prometheus.HistogramVec
	BookDepth       *prometheus.GaugeVec
}

// New registers the engine collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		OrdersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dexcore", Name: "orders_total",
			Help: "Order requests by market and result.",
		}, []string{"market", "result"}),
		FillsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dexcore", Name: "fills_total",
			Help: "Executed fills by market.",
		}, []string{"market"}),
		VolumeQuote: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dexcore", Name: "volume_quote_total",
			Help: "Quote-denominated traded volume by market.",
		}, []string{"market"}),
		FeesCollected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dexcore", Name: "fees_collected_total",
			Help: "Quote-denominated fees collected by market.",
		}, []string{"market"}),
		EpochRollovers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dexcore", Name: "epoch_rollovers_total",
			Help: "Epoch rollovers by market.",
		}, []string{"market"}),
		RebatesPaid: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dexcore", Name: "rebates_paid_total",
			Help: "Quote-denominated maker rebates distributed by market.",
		}, []string{"market"}),
		SettlementFails: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dexcore", Name: "settlement_failures_total",
			Help: "Settlement preparations rejected, by market and reason.",
		}, []string{"market", "reason"}),
		OperationTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dexcore", Name: "operation_duration_seconds",
			Help:    "Wall time of serialized market operations.",
			Buckets: prometheus.ExponentialBuckets(0.000005, 4, 10),
		}, []string{"market", "op"}),
		BookDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dexcore", Name: "book_depth_orders",
			Help: "Resting orders per side.",
		}, []string{"market", "side"}),
	}
}

// OrderResult increments the order counter; safe on a nil receiver.
func (m *Metrics) OrderResult(market, result string) {
	if m == nil {
		return
	}
	m.OrdersTotal.WithLabelValues(market, result).Inc()
}

// RecordFills adds fill count, volume and fees for one operation.
func (m *Metrics) RecordFills(market string, fills int, volume, fees float64) {
	if m == nil || fills == 0 {
		return
	}
	m.FillsTotal.WithLabelValues(market).Add(float64(fills))
	m.VolumeQuote.WithLabelValues(market).Add(volume)
	m.FeesCollected.WithLabelValues(market).Add(fees)
}

// RecordRollover notes an epoch boundary crossing.
func (m *Metrics) RecordRollover(market string, rebates float64) {
	if m == nil {
		return
	}
	m.EpochRollovers.WithLabelValues(market).Inc()
	m.RebatesPaid.WithLabelValues(market).Add(rebates)
}

// RecordSettlementFailure notes a rejected settlement preparation.
func (m *Metrics) RecordSettlementFailure(market, reason string) {
	if m == nil {
		return
	}
	m.SettlementFails.WithLabelValues(market, reason).Inc()
}

// ObserveOperation records the duration of one serialized operation.
func (m *Metrics) ObserveOperation(market, op string, seconds float64) {
	if m == nil {
		return
	}
	m.OperationTime.WithLabelValues(market, op).Observe(seconds)
}

// SetDepth publishes the current book depth.
func (m *Metrics) SetDepth(market string, bids, asks int) {
	if m == nil {
		return
	}
	m.BookDepth.WithLabelValues(market, "bid").Set(float64(bids))
	m.BookDepth.WithLabelValues(market, "ask").Set(float64(asks))
}
