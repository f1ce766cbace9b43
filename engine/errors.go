package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	errInvalidRetryPolicy = errors.New("engine: retry policy MaxRetries must be >= 0")
	errInvalidConcurrency = errors.New("engine: worker concurrency must be >= 1")
)

// Kind classifies an error a workflow or step body raises. Storage-layer
// errors use their own Kind (store.Kind) and are handled separately by the
// propagation policy in dispatcher.go; these three kinds are user- and
// queue-raised.
type Kind string

const (
	// KindFatal means immediate failure, no retry.
	KindFatal Kind = "fatal"
	// KindRetryable means the step should be retried, optionally not before
	// RetryAfter.
	KindRetryable Kind = "retryable"
	// KindTransport means a queue/storage I/O failure; always retryable at
	// the queue layer regardless of step-level retry budget.
	KindTransport Kind = "transport"
)

// Error is the structured error a step or workflow body raises to signal
// how the executor should classify the failure.
type Error struct {
	Kind       Kind
	Message    string
	Stack      string
	RetryAfter *time.Time
	Cause      error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Fatal constructs a non-retryable failure from the formatted msg.
func Fatal(msg string, args ...any) *Error {
	return &Error{Kind: KindFatal, Message: fmt.Sprintf(msg, args...)}
}

// Retryable constructs a retryable failure from the formatted msg, optionally not before
// retryAfter (zero time means "retry per backoff policy").
func Retryable(retryAfter time.Time, msg string, args ...any) *Error {
	e := &Error{Kind: KindRetryable, Message: fmt.Sprintf(msg, args...)}
	if !retryAfter.IsZero() {
		e.RetryAfter = &retryAfter
	}
	return e
}

// Transport wraps a queue/storage I/O error.
func Transport(cause error) *Error {
	return &Error{Kind: KindTransport, Message: cause.Error(), Cause: cause}
}

// classify maps an arbitrary step-body error to a Kind. A plain error (not
// *Error) is always treated as Retryable — user code that wants a fatal
// failure must return engine.Fatal(...) explicitly.
func classify(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Kind: KindRetryable, Message: err.Error(), Cause: err}
}
