package alerting

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"price-deviation-watch/internal/metrics"
)

// Recorder persists emitted alerts.
type Recorder interface {
	RecordAlert(ctx context.Context, alert Alert) error
}

// DispatcherOptions tune the delivery queue.
type DispatcherOptions struct {
	QueueSize     int
	NotifyTimeout time.Duration
	Recorder      Recorder
	Metrics       *metrics.Metrics
}

// Dispatcher decouples alert delivery from evaluation. Enqueue never blocks;
// a full queue drops the alert. Policy state has already advanced by then, so
// a dropped or failed delivery is not retried.
type Dispatcher struct {
	notifier Notifier
	opts     DispatcherOptions
	queue    chan Alert
	logger   zerolog.Logger
}

func NewDispatcher(notifier Notifier, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 10 * time.Second
	}
	return &Dispatcher{
		notifier: notifier,
		opts:     opts,
		queue:    make(chan Alert, opts.QueueSize),
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Enqueue hands an alert to the delivery goroutine. It reports false when the
// queue is full.
func (d *Dispatcher) Enqueue(a Alert) bool {
	select {
	case d.queue <- a:
		return true
	default:
		d.opts.Metrics.ObserveNotifyDropped()
		d.logger.Warn().
			Str("symbol", a.Symbol).
			Str("kind", string(a.Kind)).
			Msg("alert queue full; dropping notification")
		return false
	}
}

// Run delivers queued alerts until ctx is cancelled, then flushes whatever is
// still buffered.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.flush()
			return nil
		case a := <-d.queue:
			d.send(ctx, a)
		}
	}
}

// flush drains the queue under a single NotifyTimeout deadline. Alerts still
// queued once it expires are dropped.
func (d *Dispatcher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.NotifyTimeout)
	defer cancel()

	for {
		select {
		case a := <-d.queue:
			if ctx.Err() != nil {
				d.drop(a, len(d.queue)+1)
				return
			}
			d.send(ctx, a)
		default:
			return
		}
	}
}

func (d *Dispatcher) drop(a Alert, n int) {
	for i := 0; i < n; i++ {
		d.opts.Metrics.ObserveNotifyDropped()
	}
	d.logger.Warn().
		Str("symbol", a.Symbol).
		Int("dropped", n).
		Msg("flush deadline exceeded; dropping queued alerts")
}

func (d *Dispatcher) send(parent context.Context, a Alert) {
	ctx, cancel := context.WithTimeout(parent, d.opts.NotifyTimeout)
	defer cancel()

	d.opts.Metrics.ObserveAlert(string(a.Kind))
	msg := Render(a)
	if err := Deliver(ctx, d.notifier, a, msg); err != nil {
		d.opts.Metrics.ObserveNotifyFailure()
		ev := d.logger.Error()
		if IsTransient(err) {
			ev = d.logger.Warn()
		}
		ev.Err(err).Str("alert_id", a.ID.String()).Str("symbol", a.Symbol).Msg("告警发送失败")
	} else {
		d.logger.Info().
			Str("alert_id", a.ID.String()).
			Str("kind", string(a.Kind)).
			Str("symbol", a.Symbol).
			Str("pair", a.Pair).
			Str("deviation_pct", a.DeviationPct.StringFixed(3)).
			Msg("alert sent")
	}

	if d.opts.Recorder == nil {
		return
	}
	if err := d.opts.Recorder.RecordAlert(ctx, a); err != nil {
		d.logger.Error().Err(err).Str("alert_id", a.ID.String()).Msg("failed to persist alert record")
	}
}
