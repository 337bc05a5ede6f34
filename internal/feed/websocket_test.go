package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebsocketTransportRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("echo:"), msg...)); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	transport := NewWebsocketTransport(url, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sess, err := transport.Dial(ctx)
	require.NoError(t, err)

	require.NoError(t, sess.Write(ctx, []byte(`{"op":"ping"}`)))
	msg, err := sess.Read()
	require.NoError(t, err)
	assert.Equal(t, `echo:{"op":"ping"}`, string(msg))

	require.NoError(t, sess.Close())
	assert.NotPanics(t, func() { _ = sess.Close() })

	_, err = sess.Read()
	assert.Error(t, err)
}

func TestWebsocketTransportDialFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	transport := NewWebsocketTransport("ws"+strings.TrimPrefix(server.URL, "http"), 0)
	_, err := transport.Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
