// Package stats tracks per-writer delivery counters and last-error state.
// Counters are written only by the writer's dispatch loop (or a synchronous
// sender) and read by external monitors; reads carry no ordering guarantee
// against an in-flight batch.
package stats

import (
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// QueueInfo is the slice of the message queue the statistics surface
// exposes to monitors.
type QueueInfo interface {
	Len() int
	DiscardCount() uint64
}

// LastError captures the most recent classified failure.
type LastError struct {
	Message   string
	Timestamp time.Time
	Stack     string
}

// Statistics is one writer's counter set. Each writer owns its own
// instance; there is no process-wide aggregate beyond the Prometheus
// registry.
type Statistics struct {
	writer string
	queue  QueueInfo

	messagesSent     atomic.Uint64
	messagesRequeued atomic.Uint64
	batchesSent      atomic.Uint64
	lastBatchSize    atomic.Uint64
	throttledBatches atomic.Uint64
	raceRetries      atomic.Uint64

	mu        sync.Mutex
	lastError *LastError
}

// New creates statistics for the named writer.
func New(writer string, queue QueueInfo) *Statistics {
	return &Statistics{writer: writer, queue: queue}
}

// RecordSent adds n successfully delivered messages.
func (s *Statistics) RecordSent(n int) {
	s.messagesSent.Add(uint64(n))
	messagesSentTotal.WithLabelValues(s.writer).Add(float64(n))
}

// RecordRequeued adds n messages returned to the queue after a failed send.
func (s *Statistics) RecordRequeued(n int) {
	s.messagesRequeued.Add(uint64(n))
	messagesRequeuedTotal.WithLabelValues(s.writer).Add(float64(n))
}

// RecordBatch notes a completed batch attempt of the given size.
func (s *Statistics) RecordBatch(size int) {
	s.batchesSent.Add(1)
	s.lastBatchSize.Store(uint64(size))
	batchesTotal.WithLabelValues(s.writer).Inc()
	lastBatchSize.WithLabelValues(s.writer).Set(float64(size))
}

// RecordThrottle notes a batch delayed by backend rate limiting.
func (s *Statistics) RecordThrottle() {
	s.throttledBatches.Add(1)
	throttledBatchesTotal.WithLabelValues(s.writer).Inc()
}

// RecordRaceRetry notes an ordering-token conflict with another writer.
func (s *Statistics) RecordRaceRetry() {
	s.raceRetries.Add(1)
	sequenceRaceRetriesTotal.WithLabelValues(s.writer).Inc()
}

// RecordError stores the failure as the writer's last error.
func (s *Statistics) RecordError(msg string, err error) {
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	le := &LastError{
		Message:   msg,
		Timestamp: time.Now(),
		Stack:     string(debug.Stack()),
	}
	s.mu.Lock()
	s.lastError = le
	s.mu.Unlock()
	errorsTotal.WithLabelValues(s.writer).Inc()
}

// Snapshot is a point-in-time copy of the counters for monitors.
type Snapshot struct {
	Writer            string
	MessagesSent      uint64
	MessagesRequeued  uint64
	MessagesDiscarded uint64
	MessagesInQueue   int
	BatchesSent       uint64
	LastBatchSize     uint64
	ThrottledBatches  uint64
	RaceRetries       uint64
	LastError         *LastError
}

// Snapshot returns the current counter values. The copy is not atomic
// across fields.
func (s *Statistics) Snapshot() Snapshot {
	snap := Snapshot{
		Writer:           s.writer,
		MessagesSent:     s.messagesSent.Load(),
		MessagesRequeued: s.messagesRequeued.Load(),
		BatchesSent:      s.batchesSent.Load(),
		LastBatchSize:    s.lastBatchSize.Load(),
		ThrottledBatches: s.throttledBatches.Load(),
		RaceRetries:      s.raceRetries.Load(),
	}
	if s.queue != nil {
		snap.MessagesDiscarded = s.queue.DiscardCount()
		snap.MessagesInQueue = s.queue.Len()
	}
	s.mu.Lock()
	if s.lastError != nil {
		le := *s.lastError
		snap.LastError = &le
	}
	s.mu.Unlock()
	return snap
}
