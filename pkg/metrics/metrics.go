package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "hyperbook"

// Metrics contains the node's Prometheus collectors
type Metrics struct {
	// Transactions applied, by type and result (ok / rejected / error class)
	Txs *prometheus.CounterVec
	// Fills executed against resting offers
	Fills prometheus.Counter
	// Offers resting on the book after the last block
	Offers prometheus.Gauge
	// Pending transactions in the mempool
	MempoolSize prometheus.Gauge
	// Time spent applying one block of transactions
	BlockSeconds prometheus.Histogram
	// Height of the last applied block
	Height prometheus.Gauge
	// Events dropped by the publisher because its buffer was full
	DroppedEvents prometheus.Counter
}

// New builds the collectors and registers them with reg; a nil reg leaves them
// unregistered, which tests use as a no-op sink
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Txs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "app",
			Name:      "txs_total",
			Help:      "Transactions applied, by type and result.",
		}, []string{"type", "result"}),
		Fills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "engine",
			Name:      "fills_total",
			Help:      "Fills executed against resting offers.",
		}),
		Offers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "engine",
			Name:      "offers",
			Help:      "Live offers on the book.",
		}),
		MempoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "mempool",
			Name:      "size",
			Help:      "Pending transactions.",
		}),
		BlockSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "app",
			Name:      "block_seconds",
			Help:      "Time to apply one block of transactions.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		Height: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "app",
			Name:      "height",
			Help:      "Height of the last applied block.",
		}),
		DroppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because the publish buffer was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Txs, m.Fills, m.Offers, m.MempoolSize, m.BlockSeconds, m.Height, m.DroppedEvents)
	}
	return m
}

// Nop returns unregistered collectors
func Nop() *Metrics { return New(nil) }
