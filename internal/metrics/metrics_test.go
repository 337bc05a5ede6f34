package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveSample("last/mark")
		m.ObserveParseError()
		m.ObserveInvalidSample()
		m.ObserveDecision("fired")
		m.ObserveAlert("deviation")
		m.ObserveNotifyFailure()
		m.ObserveNotifyDropped()
		m.ObserveReconnect(time.Second)
		m.SetFeedState(3)
		m.SetTrackedKeys(1)
		m.SetReferencePrices(1)
	})
}

func TestCollectors(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveSample("last/mark")
	m.ObserveSample("last/mark")
	m.ObserveDecision("cooldown")
	m.ObserveReconnect(500 * time.Millisecond)
	m.SetFeedState(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Samples.WithLabelValues("last/mark")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("cooldown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconnects))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FeedState))
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveParseError()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "devwatch_parse_errors_total 1")
}

func TestServeStopsOnCancel(t *testing.T) {
	m := New(prometheus.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, "127.0.0.1:0", zerolog.Nop()) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
