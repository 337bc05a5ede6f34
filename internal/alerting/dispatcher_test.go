package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-deviation-watch/internal/metrics"
)

type chanNotifier struct {
	ch  chan string
	err error
}

func (n *chanNotifier) Notify(_ context.Context, message string) error {
	n.ch <- message
	return n.err
}

type memRecorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *memRecorder) RecordAlert(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *memRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func TestDispatcherDeliversAndRecords(t *testing.T) {
	notifier := &chanNotifier{ch: make(chan string, 4)}
	rec := &memRecorder{}
	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	d := NewDispatcher(notifier, DispatcherOptions{Recorder: rec, Metrics: met}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.True(t, d.Enqueue(sampleAlert()))

	select {
	case msg := <-notifier.ch:
		assert.Contains(t, msg, "BTCUSDT")
	case <-time.After(2 * time.Second):
		t.Fatal("alert not delivered")
	}
	assert.Eventually(t, func() bool { return rec.Len() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1.0, testutil.ToFloat64(met.AlertsFired.WithLabelValues("deviation")))
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	d := NewDispatcher(&recordingNotifier{}, DispatcherOptions{QueueSize: 1, Metrics: met}, testLogger())

	assert.True(t, d.Enqueue(sampleAlert()))
	assert.False(t, d.Enqueue(sampleAlert()))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.NotifyDropped))
}

func TestDispatcherFailureIsCountedNotRetried(t *testing.T) {
	notifier := &chanNotifier{ch: make(chan string, 4), err: &TransientError{Err: errors.New("timeout")}}
	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	d := NewDispatcher(notifier, DispatcherOptions{Metrics: met}, testLogger())

	require.True(t, d.Enqueue(sampleAlert()))
	// cancelled before Run: the buffered alert is flushed exactly once
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))

	assert.Len(t, notifier.ch, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(met.NotifyFailures))
}

func TestDispatcherNotifyTimeout(t *testing.T) {
	blocking := notifierFunc(func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	d := NewDispatcher(blocking, DispatcherOptions{NotifyTimeout: 20 * time.Millisecond}, testLogger())

	start := time.Now()
	d.send(context.Background(), sampleAlert())
	assert.Less(t, time.Since(start), time.Second)
}

func TestDispatcherFlushSharesOneDeadline(t *testing.T) {
	blocking := notifierFunc(func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return &TransientError{Err: ctx.Err()}
	})
	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	d := NewDispatcher(blocking, DispatcherOptions{
		QueueSize:     16,
		NotifyTimeout: 100 * time.Millisecond,
		Metrics:       met,
	}, testLogger())
	for i := 0; i < 10; i++ {
		require.True(t, d.Enqueue(sampleAlert()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	require.NoError(t, d.Run(ctx))

	// one timeout for the whole queue instead of one per alert
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(met.NotifyFailures))
	assert.Equal(t, 9.0, testutil.ToFloat64(met.NotifyDropped))
}

type notifierFunc func(ctx context.Context, message string) error

func (f notifierFunc) Notify(ctx context.Context, message string) error { return f(ctx, message) }
