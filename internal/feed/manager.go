package feed

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"price-deviation-watch/internal/deviation"
	"price-deviation-watch/internal/metrics"
)

// Options configure a Manager.
type Options struct {
	Symbols          []string
	ConnectTimeout   time.Duration
	SubscribeTimeout time.Duration
	StalenessWindow  time.Duration
	PingInterval     time.Duration
	Backoff          BackoffOptions
	// WarnAfter is the number of consecutive failures logged at warn level
	// before escalating to error.
	WarnAfter int

	OnTransition func(from, to State)
	Metrics      *metrics.Metrics
	// Sleep waits between reconnect attempts; it must return early when ctx
	// is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Manager keeps one subscription alive against a venue, reconnecting with
// backoff until its context is cancelled.
type Manager struct {
	opts      Options
	transport Transport
	protocol  Protocol
	handler   Handler
	logger    zerolog.Logger

	state atomic.Int32
}

// NewManager builds a manager with defaults applied to opts.
func NewManager(opts Options, transport Transport, protocol Protocol, handler Handler, logger zerolog.Logger) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = 10 * time.Second
	}
	if opts.StalenessWindow <= 0 {
		opts.StalenessWindow = 30 * time.Second
	}
	if opts.WarnAfter <= 0 {
		opts.WarnAfter = 3
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if handler == nil {
		handler = func(context.Context, []deviation.Sample) {}
	}
	opts.Symbols = lo.Uniq(opts.Symbols)

	return &Manager{
		opts:      opts,
		transport: transport,
		protocol:  protocol,
		handler:   handler,
		logger:    logger.With().Str("component", "feed").Logger(),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Run connects, subscribes and streams until ctx is cancelled, then returns
// ctx.Err().
func (m *Manager) Run(ctx context.Context) error {
	defer m.transition(ShuttingDown)

	bo := NewBackoff(m.opts.Backoff)
	failures := 0

	for {
		streamed, reached, err := m.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if reached && streamed >= m.opts.Backoff.ResetAfter {
			bo.Reset()
			failures = 0
		}
		failures++

		m.transition(Reconnecting)
		delay := bo.Next()
		m.opts.Metrics.ObserveReconnect(delay)

		ev := m.logger.Warn()
		if failures >= m.opts.WarnAfter {
			ev = m.logger.Error()
		}
		ev.Err(err).
			Int("attempt", failures).
			Dur("delay", delay).
			Msg("feed session ended; reconnecting")

		if err := m.opts.Sleep(ctx, delay); err != nil {
			return ctx.Err()
		}
	}
}

// session runs one connection from dial to teardown. It reports how long the
// session spent streaming and whether it got there at all.
func (m *Manager) session(ctx context.Context) (time.Duration, bool, error) {
	m.transition(Connecting)

	dialCtx, cancelDial := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	sess, err := m.transport.Dial(dialCtx)
	cancelDial()
	if err != nil {
		return 0, false, &ConnectionError{Op: "dial", Err: err}
	}

	sessCtx, stop := context.WithCancel(ctx)
	defer stop()
	defer sess.Close()

	msgs := make(chan []byte, 64)
	readErr := make(chan error, 1)
	go readLoop(sessCtx, sess, msgs, readErr)

	m.transition(Subscribing)
	if err := m.subscribe(sessCtx, sess, msgs, readErr); err != nil {
		return 0, false, err
	}

	m.transition(Streaming)
	m.logger.Info().Int("symbols", len(m.opts.Symbols)).Msg("feed streaming")
	started := time.Now()
	err = m.stream(sessCtx, sess, msgs, readErr)
	return time.Since(started), true, err
}

func readLoop(ctx context.Context, sess Session, msgs chan<- []byte, errs chan<- error) {
	for {
		msg, err := sess.Read()
		if err != nil {
			errs <- err
			return
		}
		select {
		case msgs <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) subscribe(ctx context.Context, sess Session, msgs <-chan []byte, readErr <-chan error) error {
	frames, err := m.protocol.SubscribeFrames(m.opts.Symbols)
	if err != nil {
		return &SubscriptionError{Err: err}
	}
	for _, frame := range frames {
		if err := sess.Write(ctx, frame); err != nil {
			return &ConnectionError{Op: "write", Err: err}
		}
	}

	pending := len(frames)
	if pending == 0 {
		return nil
	}

	timer := time.NewTimer(m.opts.SubscribeTimeout)
	defer timer.Stop()

	for pending > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return &ConnectionError{Op: "read", Err: err}
		case <-timer.C:
			return &SubscriptionError{Err: ErrSubscribeTimeout}
		case msg := <-msgs:
			ctrl, err := m.protocol.Classify(msg)
			if err != nil {
				return &SubscriptionError{Err: err}
			}
			switch ctrl {
			case ControlAck:
				pending--
			case ControlPong:
			default:
				m.dispatch(ctx, msg)
			}
		}
	}
	return nil
}

func (m *Manager) stream(ctx context.Context, sess Session, msgs <-chan []byte, readErr <-chan error) error {
	watchdog := time.NewTimer(m.opts.StalenessWindow)
	defer watchdog.Stop()

	var ping <-chan time.Time
	pingFrame := m.protocol.PingFrame()
	if pingFrame != nil && m.opts.PingInterval > 0 {
		ticker := time.NewTicker(m.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			m.transition(Errored)
			return &ConnectionError{Op: "read", Err: err}
		case <-watchdog.C:
			m.transition(Stale)
			return ErrStale
		case <-ping:
			if err := sess.Write(ctx, pingFrame); err != nil {
				m.transition(Errored)
				return &ConnectionError{Op: "ping", Err: err}
			}
		case msg := <-msgs:
			watchdog.Reset(m.opts.StalenessWindow)
			ctrl, err := m.protocol.Classify(msg)
			if err != nil {
				m.logger.Warn().Err(err).Msg("venue rejected request")
				continue
			}
			if ctrl != ControlNone {
				continue
			}
			m.dispatch(ctx, msg)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, msg []byte) {
	samples, err := m.protocol.Decode(msg)
	if err != nil {
		var perr *ParseError
		if !errors.As(err, &perr) {
			perr = NewParseError(err, msg)
		}
		m.opts.Metrics.ObserveParseError()
		m.logger.Warn().Err(perr.Err).Str("payload", perr.Payload).Msg("discarding undecodable message")
		return
	}
	if len(samples) == 0 {
		return
	}
	m.handler(ctx, samples)
}

func (m *Manager) transition(to State) {
	from := State(m.state.Swap(int32(to)))
	if from == to {
		return
	}
	m.opts.Metrics.SetFeedState(int(to))
	m.logger.Debug().Stringer("from", from).Stringer("to", to).Msg("feed state change")
	if m.opts.OnTransition != nil {
		m.opts.OnTransition(from, to)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
