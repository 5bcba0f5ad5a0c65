package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reasons an inbound message is rejected before reaching a queue.
const (
	rejectTopic     = "topic"
	rejectJSON      = "json"
	rejectIdentity  = "identity"
	rejectDuplicate = "duplicate"
	rejectUnrouted  = "unrouted"
)

type metrics struct {
	received    *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	published   prometheus.Counter
	batchSize   prometheus.Histogram
	selfFlushes prometheus.Counter
}

// newMetrics builds the collectors; a nil registerer leaves them unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		received: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arena",
			Subsystem: "transport",
			Name:      "received_total",
			Help:      "Messages accepted into a queue or handler, by category.",
		}, []string{"category"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arena",
			Subsystem: "transport",
			Name:      "rejected_total",
			Help:      "Inbound messages dropped at the boundary, by reason.",
		}, []string{"reason"}),
		published: f.NewCounter(prometheus.CounterOpts{
			Namespace: "arena",
			Subsystem: "transport",
			Name:      "published_total",
			Help:      "Messages handed to the pub/sub connection.",
		}),
		batchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arena",
			Subsystem: "transport",
			Name:      "batch_size",
			Help:      "Messages per drained batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		selfFlushes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "arena",
			Subsystem: "transport",
			Name:      "self_flushes_total",
			Help:      "Batches pushed to the handler because no tock came in time.",
		}),
	}
}
