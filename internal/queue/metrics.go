package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "logship_queue_depth",
		Help: "Current number of messages pending in the writer queue",
	}, []string{"writer"})

	queueThreshold = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "logship_queue_discard_threshold",
		Help: "Maximum number of messages the writer queue will hold",
	}, []string{"writer"})

	queueDiscardedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logship_queue_discarded_total",
		Help: "Total messages dropped by the queue discard policy",
	}, []string{"writer", "action"})
)

func init() {
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(queueThreshold)
	prometheus.MustRegister(queueDiscardedTotal)
}
