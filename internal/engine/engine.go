package engine

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"price-deviation-watch/internal/alerting"
	"price-deviation-watch/internal/deviation"
	"price-deviation-watch/internal/feed"
	"price-deviation-watch/internal/metrics"
	"price-deviation-watch/internal/policy"
	"price-deviation-watch/internal/state"
)

// Enricher adds derived samples to each decoded batch.
type Enricher interface {
	Enrich(samples []deviation.Sample) []deviation.Sample
}

// Job is a background task run alongside the pipeline, such as reference
// polling or the metrics endpoint.
type Job func(ctx context.Context) error

// Deps wires the pipeline.
type Deps struct {
	Feed      feed.Options
	Transport feed.Transport
	Protocol  feed.Protocol
	// Source names the venue in alerts.
	Source string

	Rules    policy.Rules
	Notifier alerting.Notifier
	Recorder alerting.Recorder
	Enricher Enricher
	Jobs     []Job

	Workers         int
	WorkerQueueSize int
	NotifyQueueSize int
	NotifyTimeout   time.Duration

	// Store is created when nil.
	Store   *state.Store
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Handle controls a running pipeline.
type Handle struct {
	cancel context.CancelFunc
	store  *state.Store
	feed   *feed.Manager
	done   chan struct{}
	err    error
}

type engine struct {
	deps       Deps
	policy     *policy.Policy
	store      *state.Store
	dispatcher *alerting.Dispatcher
	queues     []chan deviation.Sample
	logger     zerolog.Logger
}

// Start launches the feed manager, evaluation workers, alert dispatcher and
// background jobs. It returns once everything is running.
func Start(ctx context.Context, deps Deps) (*Handle, error) {
	if deps.Transport == nil || deps.Protocol == nil {
		return nil, errors.New("engine: feed transport and protocol are required")
	}
	if deps.Notifier == nil {
		return nil, errors.New("engine: notifier is required")
	}
	if len(deps.Feed.Symbols) == 0 {
		return nil, errors.New("engine: no symbols configured")
	}
	if deps.Workers <= 0 {
		deps.Workers = 4
	}
	if deps.WorkerQueueSize <= 0 {
		deps.WorkerQueueSize = 1024
	}
	if deps.Store == nil {
		deps.Store = state.NewStore(0)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Feed.Metrics == nil {
		deps.Feed.Metrics = deps.Metrics
	}

	logger := deps.Logger.With().Str("component", "engine").Logger()
	e := &engine{
		deps:   deps,
		policy: policy.New(deps.Rules),
		store:  deps.Store,
		dispatcher: alerting.NewDispatcher(deps.Notifier, alerting.DispatcherOptions{
			QueueSize:     deps.NotifyQueueSize,
			NotifyTimeout: deps.NotifyTimeout,
			Recorder:      deps.Recorder,
			Metrics:       deps.Metrics,
		}, deps.Logger),
		queues: make([]chan deviation.Sample, deps.Workers),
		logger: logger,
	}
	for i := range e.queues {
		e.queues[i] = make(chan deviation.Sample, deps.WorkerQueueSize)
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	manager := feed.NewManager(deps.Feed, deps.Transport, deps.Protocol, e.dispatch, deps.Logger)

	g.Go(func() error { return ignoreCancel(e.dispatcher.Run(gctx)) })
	for i := range e.queues {
		q := e.queues[i]
		g.Go(func() error { return e.work(gctx, q) })
	}
	g.Go(func() error { return ignoreCancel(manager.Run(gctx)) })
	for _, job := range deps.Jobs {
		job := job
		g.Go(func() error { return ignoreCancel(job(gctx)) })
	}

	h := &Handle{cancel: cancel, store: e.store, feed: manager, done: make(chan struct{})}
	go func() {
		h.err = g.Wait()
		cancel()
		close(h.done)
	}()

	logger.Info().
		Str("source", deps.Source).
		Int("symbols", len(deps.Feed.Symbols)).
		Int("workers", deps.Workers).
		Msg("engine started")
	return h, nil
}

// Stop cancels the pipeline and waits for every goroutine to exit.
func (h *Handle) Stop() error {
	h.cancel()
	return h.Wait()
}

// Wait blocks until the pipeline exits and returns the first fatal error.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Done is closed once the pipeline has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Store exposes alert state for inspection.
func (h *Handle) Store() *state.Store {
	return h.store
}

// FeedState reports the connection lifecycle state.
func (h *Handle) FeedState() feed.State {
	return h.feed.State()
}

// dispatch runs on the receive loop. It blocks when a worker queue is full so
// that per-symbol order is kept and no sample is silently dropped.
func (e *engine) dispatch(ctx context.Context, samples []deviation.Sample) {
	if e.deps.Enricher != nil {
		samples = e.deps.Enricher.Enrich(samples)
	}
	for _, s := range samples {
		q := e.queues[workerFor(s.Symbol, len(e.queues))]
		select {
		case q <- s:
		case <-ctx.Done():
			return
		}
	}
}

func workerFor(symbol string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(n))
}

func (e *engine) work(ctx context.Context, q <-chan deviation.Sample) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-q:
			e.evaluate(s)
		}
	}
}

func (e *engine) evaluate(s deviation.Sample) {
	m := e.deps.Metrics
	m.ObserveSample(s.Pair.String())

	res, err := deviation.Evaluate(s)
	if err != nil {
		m.ObserveInvalidSample()
		e.logger.Debug().Err(err).Str("symbol", s.Symbol).Str("pair", s.Pair.String()).Msg("discarding sample")
		return
	}

	now := e.deps.Now()
	d := e.decide(now, res)
	m.ObserveDecision(string(d.Reason))

	switch d.Reason {
	case policy.ReasonCooldown:
		e.logger.Debug().
			Str("symbol", res.Symbol).
			Str("pair", res.Pair.String()).
			Str("deviation_pct", res.Percent.StringFixed(4)).
			Int("suppressed", d.State.Suppressed).
			Msg("alert suppressed by cooldown")
	case policy.ReasonRecovered:
		e.logger.Info().Str("symbol", res.Symbol).Str("pair", res.Pair.String()).Msg("deviation recovered")
	case policy.ReasonImplausible:
		e.logger.Debug().
			Str("symbol", res.Symbol).
			Str("deviation_pct", res.Percent.StringFixed(4)).
			Msg("deviation implausible; likely symbol mismatch")
	}

	if d.Fire {
		e.logger.Info().
			Str("symbol", res.Symbol).
			Str("pair", res.Pair.String()).
			Str("deviation_pct", res.Percent.StringFixed(4)).
			Str("threshold_pct", d.Threshold.String()).
			Str("direction", string(res.Direction)).
			Int("consecutive", d.State.ConsecutiveAlerts).
			Msg("deviation alert")
		e.dispatcher.Enqueue(alerting.NewAlert(alerting.KindDeviation, e.deps.Source, res, d, now))
		m.SetTrackedKeys(e.store.Len())
	}
	if d.NewlyBlacklisted {
		e.logger.Warn().
			Str("symbol", res.Symbol).
			Str("key", res.Key).
			Int("consecutive", d.State.ConsecutiveAlerts).
			Msg("symbol auto-blacklisted")
		e.dispatcher.Enqueue(alerting.NewAlert(alerting.KindBlacklisted, e.deps.Source, res, d, now))
	}
}

// decide runs the policy against the state of res.Key. The blacklist is held
// on the plain-symbol entry, so once any comparison of a symbol trips the
// limit every other comparison of that symbol stays silent too. All keys of a
// symbol are evaluated by the same worker, so the two entries cannot race.
func (e *engine) decide(now time.Time, res deviation.Result) policy.Decision {
	if res.Key != res.Symbol {
		if sym := e.store.Get(res.Symbol); sym.Blacklisted {
			return policy.Decision{
				Reason:    policy.ReasonBlacklisted,
				State:     e.store.Get(res.Key),
				Threshold: e.policy.Rules().Thresholds.For(res.Symbol),
			}
		}
	}

	var d policy.Decision
	e.store.Update(res.Key, func(st state.AlertState) state.AlertState {
		d = e.policy.Evaluate(now, res, st)
		return d.State
	})

	if d.NewlyBlacklisted && res.Key != res.Symbol {
		e.store.Update(res.Symbol, func(st state.AlertState) state.AlertState {
			st.Blacklisted = true
			st.BlacklistedAt = now
			return st
		})
	}
	return d
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
