package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	messagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logship_messages_sent_total",
		Help: "Total messages delivered to the destination",
	}, []string{"writer"})

	messagesRequeuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logship_messages_requeued_total",
		Help: "Total messages returned to the queue after a failed send",
	}, []string{"writer"})

	batchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logship_batches_total",
		Help: "Total batch send attempts",
	}, []string{"writer"})

	lastBatchSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "logship_last_batch_size",
		Help: "Message count of the most recent batch",
	}, []string{"writer"})

	throttledBatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logship_throttled_batches_total",
		Help: "Total batches delayed by backend rate limiting",
	}, []string{"writer"})

	sequenceRaceRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logship_sequence_race_retries_total",
		Help: "Total ordering-token conflicts with concurrent writers",
	}, []string{"writer"})

	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logship_writer_errors_total",
		Help: "Total classified errors recorded by writers",
	}, []string{"writer"})
)

func init() {
	prometheus.MustRegister(messagesSentTotal)
	prometheus.MustRegister(messagesRequeuedTotal)
	prometheus.MustRegister(batchesTotal)
	prometheus.MustRegister(lastBatchSize)
	prometheus.MustRegister(throttledBatchesTotal)
	prometheus.MustRegister(sequenceRaceRetriesTotal)
	prometheus.MustRegister(errorsTotal)
}
