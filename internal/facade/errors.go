package facade

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

// Kind is the normalized category of a backend failure. The dispatch loop
// switches on Kind and nothing else.
type Kind string

const (
	// KindThrottling is a rate-limit rejection; retryable.
	KindThrottling Kind = "throttling"
	// KindAborted is a transient backend-side conflict; retryable.
	KindAborted Kind = "aborted"
	// KindInvalidToken is an ordering-token conflict on a sequenced
	// stream. The writer refreshes the token and retries once.
	KindInvalidToken Kind = "invalid_sequence_token"
	// KindAlreadyProcessed means the backend detected a duplicate batch.
	// Treated as success; the batch is dropped, not requeued.
	KindAlreadyProcessed Kind = "already_processed"
	// KindMissingDestination means the destination disappeared mid-stream.
	KindMissingDestination Kind = "missing_destination"
	// KindInvalidConfiguration is an unrecoverable setup problem, fatal
	// at initialization.
	KindInvalidConfiguration Kind = "invalid_configuration"
	// KindUnexpected is everything else; the batch is requeued and the
	// loop continues.
	KindUnexpected Kind = "unexpected"
)

// Error is a backend failure normalized to the taxonomy. Code preserves the
// backend's own error code for logs.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Kind, e.Code)
}

// Unwrap returns the backend error for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same send may succeed if repeated.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindThrottling, KindAborted, KindInvalidToken:
		return true
	default:
		return false
	}
}

// KindOf extracts the normalized kind from any error. Unclassified errors
// are KindUnexpected.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnexpected
}

// Retryable reports whether err is a retryable backend failure.
func Retryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return false
}

// configError wraps a local misconfiguration (bad name, bad retention) that
// never reached the backend.
func configError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidConfiguration, Code: "local", Err: fmt.Errorf(format, args...)}
}

// classify translates an AWS SDK error into the taxonomy. The smithy
// APIError code is the single source of truth: backend SDK exception types
// never escape the facade.
func classify(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return &Error{Kind: KindAborted, Code: "context", Err: err}
		}
		// Connection-level failures: the SDK surfaces them without an
		// API code. Treat as transient.
		return &Error{Kind: KindAborted, Code: "transport", Err: err}
	}

	code := apiErr.ErrorCode()
	switch code {
	case "ThrottlingException", "Throttling", "ThrottledException",
		"ProvisionedThroughputExceededException", "LimitExceededException",
		"RequestLimitExceeded", "TooManyRequestsException":
		return &Error{Kind: KindThrottling, Code: code, Err: err}
	case "OperationAbortedException", "ServiceUnavailableException",
		"ServiceUnavailable", "InternalFailure", "InternalError":
		return &Error{Kind: KindAborted, Code: code, Err: err}
	case "InvalidSequenceTokenException":
		return &Error{Kind: KindInvalidToken, Code: code, Err: err}
	case "DataAlreadyAcceptedException":
		return &Error{Kind: KindAlreadyProcessed, Code: code, Err: err}
	case "ResourceNotFoundException", "NotFound", "NotFoundException":
		return &Error{Kind: KindMissingDestination, Code: code, Err: err}
	case "InvalidParameterException", "InvalidParameterValueException",
		"ValidationException", "InvalidArgumentException",
		"AccessDeniedException", "UnauthorizedException",
		"UnrecognizedClientException", "AuthorizationErrorException":
		return &Error{Kind: KindInvalidConfiguration, Code: code, Err: err}
	default:
		return &Error{Kind: KindUnexpected, Code: code, Err: err}
	}
}
