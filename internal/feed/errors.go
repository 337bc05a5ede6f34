package feed

import (
	"errors"
	"fmt"
)

// ErrStale reports that nothing arrived within the staleness window.
var ErrStale = errors.New("feed: staleness window elapsed without messages")

// ErrSubscribeTimeout reports a missing subscription acknowledgement.
var ErrSubscribeTimeout = errors.New("feed: subscription not acknowledged in time")

// ConnectionError wraps transport-level failures.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("feed %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SubscriptionError wraps a rejected or unacknowledged subscription.
type SubscriptionError struct {
	Err error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("feed subscribe: %v", e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// ParseError wraps an undecodable message. It never tears a session down.
type ParseError struct {
	Err     error
	Payload string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("feed parse: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NewParseError truncates the offending payload for logging.
func NewParseError(err error, payload []byte) *ParseError {
	const max = 256
	if len(payload) > max {
		payload = payload[:max]
	}
	return &ParseError{Err: err, Payload: string(payload)}
}
