package receiver

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	linesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logship_receiver_lines_total",
		Help: "Total log records accepted by the receiver",
	}, []string{"source"})

	linesTruncated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logship_receiver_truncated_total",
		Help: "Total log records cut down to the line size limit",
	}, []string{"source"})

	linesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logship_receiver_dropped_total",
		Help: "Total log records dropped before reaching a queue",
	}, []string{"source", "reason"})

	connectionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logship_receiver_connections_total",
		Help: "Total TCP connections accepted by the receiver",
	})
)

func init() {
	prometheus.MustRegister(linesReceived)
	prometheus.MustRegister(linesTruncated)
	prometheus.MustRegister(linesDropped)
	prometheus.MustRegister(connectionsAccepted)
}
