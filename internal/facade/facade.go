// Package facade abstracts the backend services a writer can ship logs to.
// The set of backends is closed and known at build time: a sequenced stream
// (CloudWatch Logs), a partition-keyed stream (Kinesis), and a pub/sub
// topic (SNS). All backend-specific errors are translated to the normalized
// taxonomy in errors.go at this boundary; the dispatch loop never inspects
// SDK exception types.
package facade

import (
	"context"

	"github.com/szibis/logship/internal/message"
)

// Facade is the contract between the dispatch loop and one backend
// destination. Implementations are not safe for concurrent use; the writer
// serializes all calls through its batch lock.
type Facade interface {
	// EnsureDestinationAvailable idempotently verifies, and if configured
	// creates, the destination and any sub-resource. A concurrent create
	// by another writer ("already exists") is success. The returned error
	// carries KindInvalidConfiguration only for unrecoverable
	// misconfiguration, which is terminal for the writer; transient
	// failures are retryable.
	EnsureDestinationAvailable(ctx context.Context) error

	// EffectiveSize returns the message's contribution to batch
	// accounting, including the backend's fixed per-message overhead.
	EffectiveSize(msg *message.Message) int

	// WithinServiceLimits reports whether a batch of the given aggregate
	// size and count is still accepted by the backend.
	WithinServiceLimits(batchBytes, batchCount int) bool

	// Send transmits a batch. On full success it returns an empty failed
	// slice. On partial rejection it returns exactly the messages that
	// must be retried, in their original relative order. Backend-wide
	// failures (throttling, missing destination, conflicts) are returned
	// as a classified *Error instead.
	Send(ctx context.Context, batch []*message.Message) ([]*message.Message, error)

	// Shutdown releases backend client resources. Idempotent.
	Shutdown() error

	// Description identifies the destination for logs and errors.
	Description() string
}
