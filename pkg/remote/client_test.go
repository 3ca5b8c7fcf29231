package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/cellsync/pkg/model"
)

// recordingServer answers every path with handler and remembers the last
// request body and headers.
type recordingServer struct {
	*httptest.Server
	lastPath  atomic.Value
	lastAuth  atomic.Value
	lastBody  atomic.Value
	callCount atomic.Int32
}

func newRecordingServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *recordingServer {
	t.Helper()
	rs := &recordingServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.callCount.Add(1)
		rs.lastPath.Store(r.URL.Path)
		rs.lastAuth.Store(r.Header.Get("Authorization"))
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		rs.lastBody.Store(body)
		handler(w, r)
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *recordingServer) body() map[string]any {
	b, _ := rs.lastBody.Load().(map[string]any)
	return b
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestClientEndpoints(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		path     string
		response any
		call     func(c *Client) (any, error)
		want     any
		wantBody map[string]any
	}{
		{
			name:     "GetValue",
			path:     "/get-value",
			response: map[string]any{"value": 42.0},
			call: func(c *Client) (any, error) {
				return c.GetValue(ctx, "models/q1", "revenue", "v3")
			},
			want:     42.0,
			wantBody: map[string]any{"modelPath": "models/q1", "reference": "revenue", "version": "v3"},
		},
		{
			name:     "CreateLink",
			path:     "/create-link",
			response: map[string]any{"value": "linked"},
			call: func(c *Client) (any, error) {
				return c.CreateLink(ctx, "models/q1", "cost", "client-1")
			},
			want:     "linked",
			wantBody: map[string]any{"modelPath": "models/q1", "reference": "cost", "clientId": "client-1"},
		},
		{
			name:     "ScenarioValue",
			path:     "/scenario-value",
			response: map[string]any{"value": 7.5},
			call: func(c *Client) (any, error) {
				return c.ScenarioValue(ctx, "bull", "ebitda")
			},
			want:     7.5,
			wantBody: map[string]any{"scenario": "bull", "reference": "ebitda"},
		},
		{
			name:     "Audit",
			path:     "/audit",
			response: map[string]any{"value": "alice"},
			call: func(c *Client) (any, error) {
				return c.Audit(ctx, "revenue", "lastEditor")
			},
			want:     "alice",
			wantBody: map[string]any{"reference": "revenue", "field": "lastEditor"},
		},
		{
			name:     "Comments",
			path:     "/comments",
			response: map[string]any{"latestComment": "check Q3"},
			call: func(c *Client) (any, error) {
				return c.Comments(ctx, "revenue")
			},
			want:     "check Q3",
			wantBody: map[string]any{"reference": "revenue"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.response)
			})
			c := New(srv.URL+"/", Options{})

			got, err := tt.call(c)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.path, srv.lastPath.Load())
			assert.Equal(t, tt.wantBody, srv.body())
		})
	}
}

func TestClientSensitivity(t *testing.T) {
	srv := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"matrix": [][]any{{0.9, 100.0}, {1.1, 120.0}}})
	})
	c := New(srv.URL, Options{})

	matrix, err := c.Sensitivity(context.Background(), SensitivityRequest{
		InputAddress: "B2", OutputAddress: "B9", Steps: 2, VariationPercent: 10,
	})
	require.NoError(t, err)
	require.Len(t, matrix, 2)
	assert.Equal(t, 120.0, matrix[1][1])

	body := srv.body()
	assert.Equal(t, "B2", body["inputAddress"])
	assert.Equal(t, 2.0, body["steps"])
	assert.Equal(t, 10.0, body["variationPercent"])
}

func TestClientSyncAndUnlink(t *testing.T) {
	srv := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	c := New(srv.URL, Options{})
	ctx := context.Background()

	op := model.PendingOperation{
		Kind:      model.OperationUpdate,
		Address:   "A1",
		Value:     7.0,
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		OriginID:  "client-1",
	}
	require.NoError(t, c.Sync(ctx, op))
	assert.Equal(t, "/sync", srv.lastPath.Load())
	body := srv.body()
	assert.Equal(t, "A1", body["address"])
	assert.Equal(t, "update", body["kind"])
	assert.Equal(t, "client-1", body["originId"])
	assert.Equal(t, "2024-01-02T03:04:05Z", body["timestamp"])

	require.NoError(t, c.Unlink(ctx, "A1", "client-1"))
	assert.Equal(t, "/unlink", srv.lastPath.Load())
	assert.Equal(t, map[string]any{"localAddress": "A1", "clientId": "client-1"}, srv.body())
}

func TestClientBearerToken(t *testing.T) {
	srv := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"value": 1})
	})
	c := New(srv.URL, Options{})
	ctx := context.Background()

	_, err := c.GetValue(ctx, "m", "r", "")
	require.NoError(t, err)
	assert.Equal(t, "", srv.lastAuth.Load(), "no header without a token")

	c.SetToken("secret")
	_, err = c.GetValue(ctx, "m", "r", "")
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", srv.lastAuth.Load())
}

func TestClientErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantTarget error
		wantOther  error
	}{
		{"BadRequest", http.StatusBadRequest, ErrRemoteRejected, ErrUnauthorized},
		{"ServerError", http.StatusInternalServerError, ErrRemoteRejected, ErrUnauthorized},
		{"Unauthorized", http.StatusUnauthorized, ErrUnauthorized, ErrRemoteRejected},
		{"Forbidden", http.StatusForbidden, ErrUnauthorized, ErrRemoteRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})
			c := New(srv.URL, Options{})

			_, err := c.GetValue(context.Background(), "m", "r", "")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantTarget)
			assert.NotErrorIs(t, err, tt.wantOther)

			var remoteErr *Error
			require.True(t, errors.As(err, &remoteErr))
			assert.Equal(t, tt.status, remoteErr.StatusCode)
			assert.Equal(t, "nope", remoteErr.Body)
			assert.Equal(t, "/get-value", remoteErr.Path)
		})
	}

	t.Run("NetworkUnavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		c := New(url, Options{})
		err := c.Sync(context.Background(), model.PendingOperation{Address: "A1", Kind: model.OperationUpdate})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNetworkUnavailable)
	})

	t.Run("Timeout", func(t *testing.T) {
		srv := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		})
		c := New(srv.URL, Options{Timeout: 50 * time.Millisecond})

		start := time.Now()
		_, err := c.GetValue(context.Background(), "m", "r", "")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNetworkUnavailable)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestClientRateLimit(t *testing.T) {
	srv := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"value": 1})
	})
	c := New(srv.URL, Options{RequestsPerSecond: 1, Burst: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.GetValue(ctx, "m", "r", "")
	require.NoError(t, err, "first request uses the burst")

	_, err = c.GetValue(ctx, "m", "r", "")
	require.Error(t, err, "second request cannot get a token before the deadline")
	assert.Equal(t, int32(1), srv.callCount.Load())
}
