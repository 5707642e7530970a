package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fulfillment"

type Metrics struct {
	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec

	CheckoutTransitions  *prometheus.CounterVec
	CheckoutOutcomes     *prometheus.CounterVec
	PaymentCalls         *prometheus.CounterVec
	CompensationFailures prometheus.Counter
	CartCache            *prometheus.CounterVec
	CartsReaped          prometheus.Counter
	OutboxPublished      *prometheus.CounterVec
	StockDrift           prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers every collector on reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"handler"}),
		CheckoutTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "transitions_total",
			Help:      "Persisted checkout state transitions.",
		}, []string{"from", "to"}),
		CheckoutOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "outcomes_total",
			Help:      "Checkout invocations by the state they returned in.",
		}, []string{"state"}),
		PaymentCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "calls_total",
			Help:      "Payment gateway calls by operation and result.",
		}, []string{"op", "result"}),
		CompensationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "compensation_failures_total",
			Help:      "Compensations that failed and need manual reconciliation.",
		}),
		CartCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cart",
			Name:      "cache_lookups_total",
			Help:      "Cart cache lookups by result.",
		}, []string{"result"}),
		CartsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cart",
			Name:      "reaped_total",
			Help:      "Expired carts deleted by the reaper.",
		}),
		OutboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "published_total",
			Help:      "Outbox events handed to the broker by result.",
		}, []string{"result"}),
		StockDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "inventory",
			Name:      "stock_drift_products",
			Help:      "Products whose stock counter disagreed with the ledger at the last reconcile.",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.Requests, m.LatencyMS,
		m.CheckoutTransitions, m.CheckoutOutcomes, m.PaymentCalls, m.CompensationFailures,
		m.CartCache, m.CartsReaped, m.OutboxPublished, m.StockDrift,
	)
	return m
}

// NewProcess adds the Go runtime and process collectors next to ours.
func NewProcess() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return New(reg)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
