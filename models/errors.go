package models

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a blocking call exceeds its bound.
	ErrTimeout = errors.New("request timed out")
	// ErrChannelClosed is returned for requests against a channel that was
	// unsubscribed or whose client has shut down.
	ErrChannelClosed = errors.New("channel closed")
	// ErrNotReady means the channel exists but has never produced data.
	ErrNotReady = errors.New("no data received yet")
	// ErrNotSubscribed means the channel was never subscribed.
	ErrNotSubscribed = errors.New("channel not subscribed")
	// ErrClientClosed is returned once a client or supervisor has shut down.
	// It also matches ErrChannelClosed: every channel is closed by then.
	ErrClientClosed error = &clientClosedError{}
	// ErrQueueFull is returned by the non-blocking client when its request
	// queue is at capacity.
	ErrQueueFull = errors.New("request queue full")
	// ErrRetriesExhausted marks a connection that gave up reconnecting.
	ErrRetriesExhausted = errors.New("reconnect retry budget exhausted")
	// ErrUnsupportedExchange is returned for venues without an adapter.
	ErrUnsupportedExchange = errors.New("unsupported exchange")
	// ErrKindMismatch is returned when a book is requested from a tape
	// channel or the other way round.
	ErrKindMismatch = errors.New("query kind does not match channel kind")
)

type clientClosedError struct{}

func (*clientClosedError) Error() string { return "client closed" }

func (*clientClosedError) Is(target error) bool { return target == ErrChannelClosed }

// TransportError wraps connection level failures. They are retried through
// the reconnect backoff.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError carries a diagnostic for a payload an adapter could not parse.
type DecodeError struct {
	Exchange Exchange
	Payload  string
	Err      error
}

const maxPayloadDiagnostic = 256

// NewDecodeError truncates the payload so diagnostics stay bounded.
func NewDecodeError(ex Exchange, payload []byte, err error) *DecodeError {
	p := string(payload)
	if len(p) > maxPayloadDiagnostic {
		p = p[:maxPayloadDiagnostic] + "..."
	}
	return &DecodeError{Exchange: ex, Payload: p, Err: err}
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s decode: %v", e.Exchange, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DesyncError reports a sequence gap, a crossed book or a checksum mismatch.
type DesyncError struct {
	Reason   string
	Expected int64
	Got      int64
}

func (e *DesyncError) Error() string {
	if e.Expected == 0 && e.Got == 0 {
		return "book desync: " + e.Reason
	}
	return fmt.Sprintf("book desync: %s (expected %d, got %d)", e.Reason, e.Expected, e.Got)
}

// SubscriptionRejectedError is returned when the venue refuses a channel.
type SubscriptionRejectedError struct {
	Channel Channel
	Reason  string
}

func (e *SubscriptionRejectedError) Error() string {
	return fmt.Sprintf("subscription %s rejected: %s", e.Channel, e.Reason)
}

// IsDesync reports whether err is (or wraps) a DesyncError.
func IsDesync(err error) bool {
	var d *DesyncError
	return errors.As(err, &d)
}

// IsRejected reports whether err is (or wraps) a SubscriptionRejectedError.
func IsRejected(err error) bool {
	var r *SubscriptionRejectedError
	return errors.As(err, &r)
}
