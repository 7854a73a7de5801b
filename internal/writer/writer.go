// Package writer contains the dispatch engine: one goroutine per writer
// owns a bounded message queue and a destination facade, drains the queue
// into size-bounded batches, and drives sends through the retry manager.
// Producer goroutines only ever touch the queue (via AddMessage) and the
// runtime settings; everything else is single-threaded inside the loop.
package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szibis/logship/internal/facade"
	"github.com/szibis/logship/internal/logging"
	"github.com/szibis/logship/internal/message"
	"github.com/szibis/logship/internal/queue"
	"github.com/szibis/logship/internal/retry"
	"github.com/szibis/logship/internal/stats"
)

// State is the writer lifecycle. There is no transition out of StateFailed.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrMessageTooLarge is returned by AddMessage when a single message
// exceeds the destination's batch limits. Oversize messages are the
// producer's responsibility: they are truncated or dropped before enqueue,
// never inside the batch builder.
var ErrMessageTooLarge = errors.New("message exceeds destination limits")

// Config is a writer's immutable-after-construction configuration. Batch
// delay and the discard settings are the only values mutable later, through
// the Set* methods.
type Config struct {
	// Name labels the writer in logs, metrics, and statistics.
	Name string
	// BatchDelay is the maximum wall-clock wait while accumulating a
	// batch (default: 2s).
	BatchDelay time.Duration
	// DiscardThreshold caps the queue (default: 10000).
	DiscardThreshold int
	// DiscardAction is the full-queue policy (default: oldest).
	DiscardAction queue.DiscardAction
	// RetryBudget is the number of send attempts per batch before the
	// batch is requeued (default: 3).
	RetryBudget int
	// SendTimeout bounds the total time spent retrying one batch
	// (default: 30s).
	SendTimeout time.Duration
	// Synchronous bypasses the background loop: each AddMessage sends
	// its own one-message batch on the calling goroutine.
	Synchronous bool
	// Retry tunes the backoff curve; its MaxAttempts is overridden by
	// RetryBudget.
	Retry retry.Config
}

// settings holds the hot-swappable part of the configuration. The loop
// reads one snapshot per iteration; setters swap in a fresh copy, so there
// are no torn reads and no lock on the message path.
type settings struct {
	batchDelay time.Duration
}

// Writer ships queued messages to one destination. Create with New, start
// the dispatch loop with Start, and feed it through AddMessage from any
// number of goroutines.
type Writer struct {
	cfg      Config
	fac      facade.Facade
	queue    *queue.Queue
	retrier  *retry.Manager
	stats    *stats.Statistics
	log      *logging.Logger
	settings atomic.Pointer[settings]

	state atomic.Int32

	initOnce    sync.Once
	initialized chan struct{}
	initOK      atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  chan struct{}
	// shutdownAt is the drain deadline in unix millis; zero means no
	// stop has been requested.
	shutdownAt atomic.Int64

	// batchMu makes processBatch a single critical section shared by the
	// loop and any synchronous senders.
	batchMu sync.Mutex

	// reensure asks the loop to re-run destination discovery before the
	// next send, after the backend reported the destination missing.
	reensure atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	// batchCount tracks processBatch invocations that built a non-empty
	// batch. Intended for tests.
	batchCount atomic.Uint64
}

// New creates a writer over the given facade. The queue, retry manager,
// and statistics are owned by the writer.
func New(cfg Config, fac facade.Facade) *Writer {
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = 2 * time.Second
	}
	if cfg.DiscardThreshold <= 0 {
		cfg.DiscardThreshold = 10000
	}
	if cfg.DiscardAction == "" {
		cfg.DiscardAction = queue.DiscardOldest
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	cfg.Retry.MaxAttempts = cfg.RetryBudget

	q := queue.New(cfg.Name, cfg.DiscardThreshold, cfg.DiscardAction)
	ctx, cancel := context.WithCancel(context.Background())

	w := &Writer{
		cfg:         cfg,
		fac:         fac,
		queue:       q,
		retrier:     retry.New(cfg.Retry),
		stats:       stats.New(cfg.Name, q),
		log:         logging.ForWriter(cfg.Name),
		initialized: make(chan struct{}),
		stopCh:      make(chan struct{}),
		stopped:     make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	w.settings.Store(&settings{batchDelay: cfg.BatchDelay})
	w.state.Store(int32(StateUninitialized))
	return w
}

// Name returns the writer's label.
func (w *Writer) Name() string { return w.cfg.Name }

// State returns the current lifecycle state.
func (w *Writer) State() State { return State(w.state.Load()) }

// Stats returns the writer's statistics surface.
func (w *Writer) Stats() *stats.Statistics { return w.stats }

// BatchCount returns the number of non-empty batches processed. Intended
// for tests.
func (w *Writer) BatchCount() uint64 { return w.batchCount.Load() }

// AddMessage enqueues a record for delivery. It never blocks; a full queue
// applies the discard policy. In synchronous mode the message is sent on
// the calling goroutine instead, serialized with the dispatch loop.
func (w *Writer) AddMessage(msg *message.Message) error {
	if !w.fac.WithinServiceLimits(w.fac.EffectiveSize(msg), 1) {
		return ErrMessageTooLarge
	}

	w.queue.Enqueue(msg)

	if w.cfg.Synchronous {
		if s := w.State(); s == StateReady || s == StateRunning {
			w.processBatch(time.Now())
		}
	}
	return nil
}

// SetBatchDelay updates the batch accumulation window.
func (w *Writer) SetBatchDelay(d time.Duration) {
	if d <= 0 {
		return
	}
	w.settings.Store(&settings{batchDelay: d})
}

// SetDiscardThreshold updates the queue capacity.
func (w *Writer) SetDiscardThreshold(n int) {
	w.queue.SetDiscardThreshold(n)
}

// SetDiscardAction updates the full-queue policy.
func (w *Writer) SetDiscardAction(a queue.DiscardAction) {
	w.queue.SetDiscardAction(a)
}

// Start launches the dispatch goroutine.
func (w *Writer) Start() {
	go w.run()
}

// WaitUntilInitialized blocks until destination discovery has finished,
// successfully or not, or the timeout elapses. It returns true once
// initialization is complete and succeeded.
func (w *Writer) WaitUntilInitialized(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.initialized:
		return w.initOK.Load()
	case <-timer.C:
		return false
	}
}

// Stop requests shutdown: it sets a drain deadline of one batch delay from
// now and releases the blocking dequeue. The loop processes at least one
// more batch attempt, drains what it can before the deadline, and exits.
// In-flight sends complete or time out on their own retry budget.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		delay := w.settings.Load().batchDelay
		w.shutdownAt.Store(time.Now().Add(delay).UnixMilli())
		if w.State() == StateRunning || w.State() == StateReady {
			w.state.Store(int32(StateStopping))
		}
		close(w.stopCh)
		w.queue.Release()
	})
}

// WaitUntilStopped blocks until the dispatch goroutine has exited and
// backend resources are released, or the timeout elapses.
func (w *Writer) WaitUntilStopped(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.stopped:
		return true
	case <-timer.C:
		return false
	}
}

// run is the dispatch loop. It never panics out: every per-batch error
// degrades to requeue-and-continue.
func (w *Writer) run() {
	w.log.Debug("dispatch loop starting")

	if !w.initialize() {
		w.finish(StateFailed)
		return
	}
	w.state.Store(int32(StateRunning))
	w.log.Debug("dispatch loop initialized", logging.F("destination", w.fac.Description()))

	// Synchronous writers send on the caller's goroutine; this goroutine
	// only waits out the lifetime and drains leftovers at shutdown.
	if w.cfg.Synchronous {
		<-w.stopCh
	}

	// The do-while shape guarantees at least one batch attempt even when
	// the writer is stopped immediately after starting, so messages
	// enqueued just before shutdown are not silently dropped.
	for {
		progress := w.processBatch(w.drainDeadline())
		if !w.keepRunning(progress) {
			break
		}
	}

	w.finish(StateStopped)
	w.log.Debug("dispatch loop shut down")
}

// initialize runs destination discovery exactly once. On failure the queue
// switches to immediate-discard so producers do not accumulate unbounded
// memory behind a dead writer.
func (w *Writer) initialize() bool {
	err := w.retrier.Invoke(w.ctx, w.cfg.SendTimeout, func() error {
		return w.fac.EnsureDestinationAvailable(w.ctx)
	}, facade.Retryable)

	ok := err == nil
	if ok {
		w.state.Store(int32(StateReady))
	} else {
		w.stats.RecordError("destination setup failed", err)
		w.log.Error("destination setup failed, writer is dead", logging.F(
			"destination", w.fac.Description(),
			"error", err.Error(),
		))
		w.queue.SetDiscardThreshold(0)
		w.queue.SetDiscardAction(queue.DiscardOldest)
	}

	// Release waiters exactly once, regardless of outcome.
	w.initOK.Store(ok)
	w.initOnce.Do(func() { close(w.initialized) })
	return ok
}

// keepRunning decides whether the loop takes another iteration. Before a
// stop request it always does. After one, it keeps draining while messages
// remain, the drain deadline has not passed, and the last batch actually
// made progress (a failing backend must not hold shutdown hostage).
func (w *Writer) keepRunning(progress bool) bool {
	deadline := w.shutdownAt.Load()
	if deadline == 0 {
		return true
	}
	if w.queue.IsEmpty() {
		return false
	}
	return progress && time.Now().UnixMilli() < deadline
}

// drainDeadline returns how long the next batch may wait for its first
// message: effectively forever while running, the stop deadline once
// stopping.
func (w *Writer) drainDeadline() time.Time {
	if deadline := w.shutdownAt.Load(); deadline != 0 {
		return time.UnixMilli(deadline)
	}
	// Re-arm the wait periodically; an hourly wakeup on an idle queue is
	// free and keeps the deadline arithmetic finite.
	return time.Now().Add(time.Hour)
}

// processBatch builds and sends one batch. It is the single critical
// section shared with synchronous senders. Returns true when the batch was
// delivered (or intentionally dropped), false when it was requeued or no
// message arrived.
func (w *Writer) processBatch(waitUntil time.Time) bool {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()

	if w.reensure.Swap(false) {
		if err := w.fac.EnsureDestinationAvailable(w.ctx); err != nil {
			w.reensure.Store(true)
			w.stats.RecordError("destination re-creation failed", err)
			w.log.Error("destination re-creation failed", logging.F("error", err.Error()))
		} else {
			w.log.Info("destination re-created", logging.F("destination", w.fac.Description()))
		}
	}

	batch := w.buildBatch(waitUntil)
	if len(batch) == 0 {
		return false
	}
	w.batchCount.Add(1)

	failed, delivered := w.sendBatch(batch)
	w.requeueMessages(failed)
	w.stats.RecordBatch(len(batch))
	return delivered
}

// buildBatch blocks for the first message until waitUntil, then pulls more
// while the batch delay has not elapsed and the next message still fits
// the service limits. A message that would overflow the batch goes back
// onto the queue head and closes the batch. When waitUntil has already
// passed (synchronous sends, shutdown drain) follow-up pulls are polls, so
// the batch closes as soon as the queue runs dry.
func (w *Writer) buildBatch(waitUntil time.Time) []*message.Message {
	msg := w.queue.Dequeue(time.Until(waitUntil))
	if msg == nil {
		return nil
	}

	accumulate := waitUntil.After(time.Now())
	batchTimeout := time.Now().Add(w.settings.Load().batchDelay)
	batch := make([]*message.Message, 0, 512)
	batchBytes := 0

	for msg != nil {
		size := w.fac.EffectiveSize(msg)
		// The first message is never rejected by the size check; the
		// producer has already filtered oversize messages.
		if len(batch) > 0 && !w.fac.WithinServiceLimits(batchBytes+size, len(batch)+1) {
			w.queue.Requeue(msg)
			break
		}
		batch = append(batch, msg)
		batchBytes += size

		wait := time.Until(batchTimeout)
		if !accumulate {
			wait = 0
		}
		msg = w.queue.Dequeue(wait)
	}
	return batch
}

// sendBatch drives one batch through the facade under the retry manager,
// applying the error taxonomy. It returns the messages to requeue and
// whether the batch reached a terminal outcome (sent or dropped).
func (w *Writer) sendBatch(batch []*message.Message) (failed []*message.Message, delivered bool) {
	tokenRetries := 0

	attempt := func() error {
		f, err := w.fac.Send(w.ctx, batch)
		if err != nil {
			return err
		}
		failed = f
		return nil
	}
	retryable := func(err error) bool {
		switch facade.KindOf(err) {
		case facade.KindThrottling:
			w.stats.RecordThrottle()
			return true
		case facade.KindAborted:
			return true
		case facade.KindInvalidToken:
			// Ordering conflict with another writer: the facade has
			// refreshed its token; retry exactly once in place.
			w.stats.RecordRaceRetry()
			tokenRetries++
			return tokenRetries <= 1
		default:
			return false
		}
	}

	err := w.retrier.Invoke(w.ctx, w.cfg.SendTimeout, attempt, retryable)
	if err == nil {
		w.stats.RecordSent(len(batch) - len(failed))
		if len(failed) > 0 {
			w.log.Warn("partial batch failure", logging.F(
				"failed", len(failed),
				"batch", len(batch),
			))
		}
		return failed, true
	}

	switch facade.KindOf(err) {
	case facade.KindAlreadyProcessed:
		// The backend has this batch; sending again would duplicate it.
		w.stats.RecordError("batch already processed by backend", err)
		w.log.Warn("backend reports batch as duplicate, dropping", logging.F(
			"batch", len(batch),
		))
		return nil, true
	case facade.KindMissingDestination:
		w.reensure.Store(true)
		w.stats.RecordError("destination missing", err)
		w.log.Error("destination disappeared, will re-create", logging.F(
			"destination", w.fac.Description(),
			"error", err.Error(),
		))
		return batch, false
	default:
		// Throttling/abort exhaustion, stale-token fallback, and
		// anything unexpected all degrade the same way: requeue and let
		// the next cycle try again. The loop never crashes on a send.
		w.stats.RecordError(fmt.Sprintf("batch send failed (%s)", facade.KindOf(err)), err)
		w.log.Warn("batch send failed, requeueing", logging.F(
			"kind", string(facade.KindOf(err)),
			"batch", len(batch),
			"error", err.Error(),
		))
		return batch, false
	}
}

// requeueMessages returns unsent messages to the queue head in reverse
// order, restoring their original relative order for the next attempt.
func (w *Writer) requeueMessages(failed []*message.Message) {
	if len(failed) == 0 {
		return
	}
	for i := len(failed) - 1; i >= 0; i-- {
		w.queue.Requeue(failed[i])
	}
	w.stats.RecordRequeued(len(failed))
}

// finish releases backend resources and settles the terminal state.
func (w *Writer) finish(terminal State) {
	if err := w.fac.Shutdown(); err != nil {
		w.log.Warn("facade shutdown failed", logging.F("error", err.Error()))
	}
	w.cancel()
	w.state.Store(int32(terminal))
	w.initOnce.Do(func() { close(w.initialized) })
	close(w.stopped)
}
