package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "devwatch"

// Metrics groups the watcher's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Samples         *prometheus.CounterVec
	ParseErrors     prometheus.Counter
	InvalidSamples  prometheus.Counter
	Decisions       *prometheus.CounterVec
	AlertsFired     *prometheus.CounterVec
	NotifyFailures  prometheus.Counter
	NotifyDropped   prometheus.Counter
	Reconnects      prometheus.Counter
	BackoffDelay    prometheus.Histogram
	FeedState       prometheus.Gauge
	TrackedKeys     prometheus.Gauge
	ReferencePrices prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers all collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Samples: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Price samples decoded from the feed, by price pair.",
		}, []string{"pair"}),
		ParseErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Feed messages discarded because they could not be decoded.",
		}),
		InvalidSamples: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_samples_total",
			Help:      "Samples discarded for a missing or non-positive reference price.",
		}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Alert policy decisions by reason.",
		}, []string{"reason"}),
		AlertsFired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fired_total",
			Help:      "Alerts handed to the notifier, by kind.",
		}, []string{"kind"}),
		NotifyFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_failures_total",
			Help:      "Notifications the transport failed to deliver.",
		}),
		NotifyDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_dropped_total",
			Help:      "Notifications dropped because the dispatch queue was full.",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Feed reconnect attempts.",
		}),
		BackoffDelay: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnect_backoff_seconds",
			Help:      "Delay waited before each reconnect attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		FeedState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_state",
			Help:      "Current feed connection state (see feed.State).",
		}),
		TrackedKeys: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_alert_keys",
			Help:      "Alert keys with state in memory.",
		}),
		ReferencePrices: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reference_prices",
			Help:      "External reference prices currently cached.",
		}),
		gatherer: reg,
	}
}

func (m *Metrics) ObserveSample(pair string) {
	if m == nil {
		return
	}
	m.Samples.WithLabelValues(pair).Inc()
}

func (m *Metrics) ObserveParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

func (m *Metrics) ObserveInvalidSample() {
	if m == nil {
		return
	}
	m.InvalidSamples.Inc()
}

func (m *Metrics) ObserveDecision(reason string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveAlert(kind string) {
	if m == nil {
		return
	}
	m.AlertsFired.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveNotifyFailure() {
	if m == nil {
		return
	}
	m.NotifyFailures.Inc()
}

func (m *Metrics) ObserveNotifyDropped() {
	if m == nil {
		return
	}
	m.NotifyDropped.Inc()
}

func (m *Metrics) ObserveReconnect(delay time.Duration) {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
	m.BackoffDelay.Observe(delay.Seconds())
}

func (m *Metrics) SetFeedState(state int) {
	if m == nil {
		return
	}
	m.FeedState.Set(float64(state))
}

func (m *Metrics) SetTrackedKeys(n int) {
	if m == nil {
		return
	}
	m.TrackedKeys.Set(float64(n))
}

func (m *Metrics) SetReferencePrices(n int) {
	if m == nil {
		return
	}
	m.ReferencePrices.Set(float64(n))
}

// Handler serves the registry on /metrics.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
