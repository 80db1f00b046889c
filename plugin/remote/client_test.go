package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/wxbridge/internal/apperr"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(&Config{
		InstanceID: "i1",
		BaseURL:    srv.URL,
		APIKey:     "secret",
	})
}

func TestInitChecksAPIKeyAndStatus(t *testing.T) {
	var gotKey string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		json.NewEncoder(w).Encode(ServerStatus{Status: "ok", WeChatStatus: "online", Uptime: 42})
	}))

	status, err := client.Init(context.Background())
	require.NoError(t, err)
	require.Equal(t, "secret", gotKey)
	require.Equal(t, int64(42), status.Uptime)
	require.Equal(t, int64(42), client.ServerUptime())
}

func TestInitRejectsOutdatedRemote(t *testing.T) {
	tests := []struct {
		name    string
		version string
		wantErr bool
	}{
		{"older than minimum", "0.3.9", true},
		{"exactly minimum", minServerVersion, false},
		{"newer", "1.2.0", false},
		{"no version reported", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(ServerStatus{Status: "ok", Version: tt.version, Uptime: 1})
			}))

			_, err := client.Init(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				require.Equal(t, apperr.KindProtocol, apperr.KindOf(err))
				require.False(t, apperr.IsRetryable(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestEnvelopeErrorCodeMapsToProtocol(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 5001, "message": "chat not found"})
	}))

	err := client.SendText(context.Background(), "alice", "hi", nil)
	require.Error(t, err)
	require.Equal(t, apperr.KindProtocol, apperr.KindOf(err))
	require.False(t, apperr.IsRetryable(err))
}

func TestAuthFailure(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.ListUnreadMainWindow(context.Background())
	require.Equal(t, apperr.KindAuth, apperr.KindOf(err))
}

func TestFetchListenerMessagesDecodesBareArray(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "alice", r.URL.Query().Get("chat_name"))
		json.NewEncoder(w).Encode([]RawMessage{
			{MessageID: "m1", Sender: "alice", Content: "hi", Type: "text", CreateTime: 1700000000},
		})
	}))

	msgs, err := client.FetchListenerMessages(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "m1", msgs[0].MessageID)
}

func TestBreakerTripsAfterThreeConsecutiveFailures(t *testing.T) {
	calls := 0
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := client.Init(ctx)
		require.Error(t, err)
	}
	require.False(t, client.Connected())

	// While open the breaker fails fast without reaching the server.
	before := calls
	_, err := client.Init(ctx)
	require.Error(t, err)
	require.Equal(t, apperr.KindNetwork, apperr.KindOf(err))
	require.True(t, apperr.IsRetryable(err))
	require.Equal(t, before, calls)

	snap := client.Stats()
	require.Equal(t, int64(4), snap.Calls)
	require.Equal(t, int64(4), snap.Failures)
}

func TestAddListenerPayload(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]any{"code": 0})
	}))

	err := client.AddListener(context.Background(), "dev group", ListenerOptions{SavePic: true})
	require.NoError(t, err)
	require.Equal(t, "dev group", got["chat_name"])
	require.Equal(t, true, got["save_pic"])
}
