package feed

import (
	"math/rand"
	"time"

	"github.com/jpillora/backoff"
)

// BackoffOptions shape the reconnect delay curve.
type BackoffOptions struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	// Jitter adds up to this fraction of the base delay on top of it.
	Jitter float64
	// ResetAfter is how long a session must stream before the curve restarts
	// from Min.
	ResetAfter time.Duration
}

// Backoff produces exponentially growing, jittered reconnect delays that never
// decrease within a failure streak and never exceed Max.
type Backoff struct {
	curve  *backoff.Backoff
	jitter float64
	max    time.Duration
	last   time.Duration
	rand   func() float64
}

// NewBackoff builds a backoff from options, filling defaults.
func NewBackoff(opts BackoffOptions) *Backoff {
	if opts.Min <= 0 {
		opts.Min = 500 * time.Millisecond
	}
	if opts.Max < opts.Min {
		opts.Max = opts.Min
	}
	if opts.Factor < 1 {
		opts.Factor = 2
	}
	if opts.Jitter < 0 {
		opts.Jitter = 0
	}

	return &Backoff{
		curve: &backoff.Backoff{
			Min:    opts.Min,
			Max:    opts.Max,
			Factor: opts.Factor,
		},
		jitter: opts.Jitter,
		max:    opts.Max,
		rand:   rand.Float64,
	}
}

// Next returns the delay before the next reconnect attempt.
func (b *Backoff) Next() time.Duration {
	base := b.curve.Duration()
	d := base
	if b.jitter > 0 {
		d += time.Duration(b.rand() * b.jitter * float64(base))
	}
	if d > b.max {
		d = b.max
	}
	if d < b.last {
		d = b.last
	}
	b.last = d
	return d
}

// Reset restarts the curve from its minimum.
func (b *Backoff) Reset() {
	b.curve.Reset()
	b.last = 0
}

// Attempt returns the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int {
	return int(b.curve.Attempt())
}
