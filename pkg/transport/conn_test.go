package transport

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

	"github.com/Veraticus/cellsync/pkg/model"
)

// echoServer upgrades every request and hands the server side of the
// connection to handle.
func echoServer(t *testing.T, handle func(conn Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(ws)
		defer func() { _ = conn.Close() }()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketConn(t *testing.T) {
	t.Run("SendReceive", func(t *testing.T) {
		url := echoServer(t, func(conn Conn) {
			for {
				msg, err := conn.Receive()
				if err != nil {
					return
				}
				if sub, ok := msg.(SubscribeMessage); ok {
					_ = conn.Send(DataUpdateMessage{Feed: sub.Feed, Value: 99.5})
				}
			}
		})

		conn, err := NewWebSocketDialer(url, nil).Dial(context.Background())
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		feed := model.Feed{Source: "market", ID: "AAPL", Field: "price"}
		require.NoError(t, conn.Send(SubscribeMessage{Feed: feed}))

		msg, err := conn.Receive()
		require.NoError(t, err)
		update, ok := msg.(DataUpdateMessage)
		require.True(t, ok, "got %T", msg)
		assert.Equal(t, "market:AAPL:price", update.Key())
		assert.Equal(t, 99.5, update.Value)
	})

	t.Run("InvalidFrameKeepsConnection", func(t *testing.T) {
		url := echoServer(t, func(conn Conn) {
			ws := conn.(*wsConn).ws
			_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`))
			_ = conn.Send(ModelUpdateMessage{ModelPath: "models/q1"})
			_, _ = conn.Receive()
		})

		conn, err := NewWebSocketDialer(url, nil).Dial(context.Background())
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		_, err = conn.Receive()
		assert.ErrorIs(t, err, ErrInvalidMessage)

		msg, err := conn.Receive()
		require.NoError(t, err)
		assert.Equal(t, ModelUpdateMessage{ModelPath: "models/q1"}, msg)
	})

	t.Run("CloseIsIdempotent", func(t *testing.T) {
		url := echoServer(t, func(conn Conn) {
			_, _ = conn.Receive()
		})

		conn, err := NewWebSocketDialer(url, nil).Dial(context.Background())
		require.NoError(t, err)

		require.NoError(t, conn.Close())
		assert.NoError(t, conn.Close())
		assert.ErrorIs(t, conn.Send(AuthenticateMessage{Token: "x"}), ErrClosed)
		_, err = conn.Receive()
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("RemoteCloseEndsReceive", func(t *testing.T) {
		url := echoServer(t, func(conn Conn) {})

		conn, err := NewWebSocketDialer(url, nil).Dial(context.Background())
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		done := make(chan error, 1)
		go func() {
			_, err := conn.Receive()
			done <- err
		}()

		select {
		case err := <-done:
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrInvalidMessage)
		case <-time.After(5 * time.Second):
			t.Fatal("Receive did not return after remote close")
		}
	})

	t.Run("DialFailure", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := "ws" + strings.TrimPrefix(srv.URL, "http")
		defer srv.Close()

		_, err := NewWebSocketDialer(url, nil).Dial(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 404")
	})
}
