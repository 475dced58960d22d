package realtime_test

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

	"alertflow/internal/logging"
	"alertflow/internal/realtime"
)

// startHub serves hub over httptest and returns its ws:// base URL.
func startHub(t *testing.T, allowedOrigins ...string) (string, *realtime.Hub) {
	t.Helper()

	hub := realtime.NewHub(logging.Discard(), allowedOrigins)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	t.Cleanup(func() {
		_ = hub.Close()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http"), hub
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHubRoutesByKey(t *testing.T) {
	t.Parallel()

	base, hub := startHub(t)
	dashboard := dial(t, base+"?key=dashboard.d1")
	other := dial(t, base+"?key=tenant.other")
	all := dial(t, base)

	require.Eventually(t, func() bool { return hub.Count() == 3 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Send(context.Background(), "dashboard.d1", []byte(`{"alert_id":"a1"}`)))

	for _, conn := range []*websocket.Conn{dashboard, all} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, `{"alert_id":"a1"}`, string(msg))
	}

	require.NoError(t, other.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "client subscribed to another key must not receive the update")
}

func TestHubUnregistersOnDisconnect(t *testing.T) {
	t.Parallel()

	base, hub := startHub(t)
	conn := dial(t, base+"?key=tenant.acme")
	require.Eventually(t, func() bool { return hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	t.Parallel()

	base, hub := startHub(t)
	conn := dial(t, base)
	require.Eventually(t, func() bool { return hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Close())
	assert.Equal(t, 0, hub.Count())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.NoError(t, hub.Send(context.Background(), "tenant.acme", []byte("{}")))
}

func TestHubChecksOrigin(t *testing.T) {
	t.Parallel()

	base, hub := startHub(t, "https://ops.example.com/")
	host := strings.TrimPrefix(base, "ws://")

	cases := []struct {
		name   string
		origin string
		ok     bool
	}{
		{name: "no origin", origin: "", ok: true},
		{name: "same host", origin: "http://" + host, ok: true},
		{name: "allow-listed", origin: "https://OPS.example.com", ok: true},
		{name: "foreign page", origin: "https://evil.example.net", ok: false},
		{name: "allow-listed host other scheme", origin: "http://ops.example.com", ok: false},
		{name: "garbage", origin: "::", ok: false},
	}
	for _, tc := range cases {
		header := http.Header{}
		if tc.origin != "" {
			header.Set("Origin", tc.origin)
		}
		conn, resp, err := websocket.DefaultDialer.Dial(base, header)
		if tc.ok {
			require.NoError(t, err, tc.name)
			_ = conn.Close()
			continue
		}
		require.Error(t, err, tc.name)
		require.NotNil(t, resp, tc.name)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, tc.name)
	}
	require.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubAllowsAnyOriginWithWildcard(t *testing.T) {
	t.Parallel()

	base, _ := startHub(t, "*")
	conn, _, err := websocket.DefaultDialer.Dial(base, http.Header{"Origin": []string{"https://dashboard.example.org"}})
	require.NoError(t, err)
	_ = conn.Close()
}
