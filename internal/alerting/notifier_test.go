package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, "Markdown", time.Second, testLogger())
	require.NoError(t, notifier.Notify(context.Background(), Render(sampleAlert())))

	assert.Equal(t, "chat", received["chat_id"])
	assert.Equal(t, "Markdown", received["parse_mode"])
	assert.Contains(t, received["text"], "BTCUSDT")
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, "", time.Second, testLogger())
	err := notifier.Notify(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
	assert.False(t, IsTransient(err))
}

func TestTelegramNotifierTransientStatus(t *testing.T) {
	for _, code := range []int{http.StatusTooManyRequests, http.StatusBadGateway} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))

		notifier := NewTelegramNotifier("token", "chat", srv.URL, "", time.Second, testLogger())
		err := notifier.Notify(context.Background(), "hello")
		srv.Close()

		require.Error(t, err)
		assert.True(t, IsTransient(err), "status %d", code)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	err := NewTelegramNotifier("token", "chat", srv.URL, "", time.Second, testLogger()).
		Notify(context.Background(), "hello")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

type recordingNotifier struct {
	messages []string
	err      error
}

func (r *recordingNotifier) Notify(_ context.Context, message string) error {
	r.messages = append(r.messages, message)
	return r.err
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	transient := &recordingNotifier{err: &TransientError{Err: errors.New("timeout")}}
	broken := &recordingNotifier{err: errors.New("forbidden")}

	err := Multi{ok, transient}.Notify(context.Background(), "m")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, []string{"m"}, ok.messages)

	err = Multi{ok, transient, broken}.Notify(context.Background(), "m")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "timeout")
	assert.Contains(t, err.Error(), "forbidden")

	assert.NoError(t, Multi{ok}.NotifyAlert(context.Background(), sampleAlert(), "m"))
	assert.Len(t, ok.messages, 3)
}

func TestLogNotifier(t *testing.T) {
	var buf strings.Builder
	n := NewLogNotifier(zerolog.New(&buf))

	require.NoError(t, n.NotifyAlert(context.Background(), sampleAlert(), "ignored"))
	assert.Contains(t, buf.String(), `"symbol":"BTCUSDT"`)
	assert.Contains(t, buf.String(), `"component":"alert_log"`)
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
