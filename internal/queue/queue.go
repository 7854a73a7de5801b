package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/szibis/logship/internal/message"
)

// DiscardAction defines which message is dropped when the queue is full.
type DiscardAction string

const (
	// DiscardNone rejects the incoming message and records an overflow.
	// The queue never grows past its threshold.
	DiscardNone DiscardAction = "none"
	// DiscardOldest drops the head of the queue to make room.
	DiscardOldest DiscardAction = "oldest"
	// DiscardNewest drops the incoming message.
	DiscardNewest DiscardAction = "newest"
)

// ParseDiscardAction maps a config string to a DiscardAction.
// Unknown values fall back to DiscardOldest.
func ParseDiscardAction(s string) DiscardAction {
	switch DiscardAction(s) {
	case DiscardNone, DiscardOldest, DiscardNewest:
		return DiscardAction(s)
	default:
		return DiscardOldest
	}
}

// Queue is a bounded FIFO of pending log messages shared between producer
// goroutines and a single dispatch loop. Enqueue never blocks the producer:
// when the queue is at its discard threshold the configured DiscardAction
// decides which message is dropped. Requeue reinserts at the head so that a
// failed batch retries in its original order.
//
// Threshold and action are hot-swappable; the setters take effect on the
// next enqueue.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond

	entries   []*message.Message
	threshold int
	action    DiscardAction

	// released is set by Release; it turns every blocked Dequeue into a
	// poll so the dispatch loop can drain and exit cooperatively.
	released bool

	discarded atomic.Uint64

	name string
}

// New creates a queue for the named writer. A threshold <= 0 means every
// enqueue is discarded immediately.
func New(name string, threshold int, action DiscardAction) *Queue {
	q := &Queue{
		entries:   make([]*message.Message, 0, 512),
		threshold: threshold,
		action:    action,
		name:      name,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	queueThreshold.WithLabelValues(name).Set(float64(threshold))
	return q
}

// Enqueue adds a message to the tail of the queue, applying the discard
// policy when the queue is at capacity. It never blocks.
func (q *Queue) Enqueue(msg *message.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.threshold <= 0 {
		q.recordDiscard()
		return
	}

	if len(q.entries) >= q.threshold {
		switch q.action {
		case DiscardOldest:
			q.dropHead()
			q.recordDiscard()
		default:
			// newest and none both reject the incoming message; the
			// queue must never exceed its threshold.
			q.recordDiscard()
			return
		}
	}

	q.entries = append(q.entries, msg)
	queueDepth.WithLabelValues(q.name).Set(float64(len(q.entries)))
	q.notEmpty.Signal()
}

// Requeue reinserts a message at the head of the queue. Callers requeue a
// failed batch in reverse send order so the original relative order is
// restored. Requeue bypasses the discard threshold: the message was already
// accepted once and is not dropped while in flight.
func (q *Queue) Requeue(msg *message.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(q.entries, nil)
	copy(q.entries[1:], q.entries)
	q.entries[0] = msg
	queueDepth.WithLabelValues(q.name).Set(float64(len(q.entries)))
	q.notEmpty.Signal()
}

// Dequeue removes and returns the oldest message, blocking up to maxWait
// for one to arrive. It returns nil on timeout, and becomes non-blocking
// once Release has been called. A maxWait <= 0 is a poll.
func (q *Queue) Dequeue(maxWait time.Duration) *message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 && maxWait > 0 && !q.released {
		var timedOut atomic.Bool
		timer := time.AfterFunc(maxWait, func() {
			timedOut.Store(true)
			q.notEmpty.Broadcast()
		})
		defer timer.Stop()

		for len(q.entries) == 0 && !q.released && !timedOut.Load() {
			q.notEmpty.Wait()
		}
	}

	if len(q.entries) == 0 {
		return nil
	}
	msg := q.dropHead()
	queueDepth.WithLabelValues(q.name).Set(float64(len(q.entries)))
	return msg
}

// Release wakes every blocked Dequeue and makes future calls non-blocking.
// Messages already in the queue remain retrievable; Release only removes
// the waiting behavior so a stopping dispatch loop can drain and exit.
func (q *Queue) Release() {
	q.mu.Lock()
	q.released = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

// SetDiscardThreshold updates the capacity. Shrinking does not evict
// existing entries; the new bound applies on the next enqueue.
func (q *Queue) SetDiscardThreshold(n int) {
	q.mu.Lock()
	q.threshold = n
	q.mu.Unlock()
	queueThreshold.WithLabelValues(q.name).Set(float64(n))
}

// SetDiscardAction updates the full-queue policy.
func (q *Queue) SetDiscardAction(action DiscardAction) {
	q.mu.Lock()
	q.action = action
	q.mu.Unlock()
}

// Len returns the number of pending messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// IsEmpty reports whether the queue holds no pending messages.
func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// DiscardCount returns the total number of messages dropped by the discard
// policy since the queue was created.
func (q *Queue) DiscardCount() uint64 {
	return q.discarded.Load()
}

// dropHead removes and returns the oldest entry. Must be called with q.mu
// held and a non-empty queue.
func (q *Queue) dropHead() *message.Message {
	msg := q.entries[0]
	q.entries[0] = nil // allow GC to collect the entry
	q.entries = q.entries[1:]
	q.maybeCompact()
	return msg
}

// maybeCompact reallocates the backing slice when its capacity runs far
// ahead of its length, so the sliding window does not pin memory. Must be
// called with q.mu held.
func (q *Queue) maybeCompact() {
	if cap(q.entries) > 1024 && cap(q.entries) > 2*len(q.entries) {
		compacted := make([]*message.Message, len(q.entries), len(q.entries)+512)
		copy(compacted, q.entries)
		q.entries = compacted
	}
}

func (q *Queue) recordDiscard() {
	q.discarded.Add(1)
	queueDiscardedTotal.WithLabelValues(q.name, string(q.action)).Inc()
}
