package feed

import (
	"context"

	"price-deviation-watch/internal/deviation"
)

// Transport opens sessions to a feed endpoint.
type Transport interface {
	Dial(ctx context.Context) (Session, error)
}

// Session is one live connection. Read blocks until a message arrives or the
// session is closed; Close must unblock a pending Read.
type Session interface {
	Write(ctx context.Context, frame []byte) error
	Read() ([]byte, error)
	Close() error
}

// Control classifies non-data frames.
type Control int

const (
	ControlNone Control = iota
	ControlAck
	ControlPong
)

// Protocol speaks a venue's wire format.
type Protocol interface {
	// SubscribeFrames returns the frames to send for symbols. Each frame is
	// answered by exactly one acknowledgement. It is called once at the start
	// of every session, so protocols reset any per-session price cache here.
	SubscribeFrames(symbols []string) ([][]byte, error)
	// Classify recognises acknowledgements and keep-alive replies. A non-nil
	// error means the venue rejected a request.
	Classify(msg []byte) (Control, error)
	// PingFrame returns the application-level keep-alive, or nil.
	PingFrame() []byte
	// Decode normalises a data message into samples.
	Decode(msg []byte) ([]deviation.Sample, error)
}

// Handler receives decoded samples in receipt order.
type Handler func(ctx context.Context, samples []deviation.Sample)
