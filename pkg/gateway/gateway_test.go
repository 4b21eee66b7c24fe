package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/lookout/pkg/auth"
	"github.com/cuemby/lookout/pkg/hub"
	"github.com/cuemby/lookout/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type denyAll struct{}

func (denyAll) CanView(context.Context, string, int64) (bool, error) { return false, nil }

type testServer struct {
	*httptest.Server
	hub     *hub.Hub
	gateway *Gateway
}

func newTestServer(t *testing.T, authz auth.Authorizer) *testServer {
	t.Helper()

	table := NewTable()
	h := hub.New(table, hub.WithPushTimeout(time.Second))
	g := New(h, table, authz, Config{PingInterval: time.Second, WriteTimeout: time.Second})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.ServeWS)
	mux.HandleFunc("/stream", g.ServeSSE)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		g.Shutdown()
		srv.Close()
		h.Close()
	})
	return &testServer{Server: srv, hub: h, gateway: g}
}

func userHeader(user string) http.Header {
	h := http.Header{}
	h.Set(auth.DefaultUserHeader, user)
	return h
}

func dial(t *testing.T, srv *testServer, appID int64, levels ...types.Level) *Client {
	t.Helper()
	u, err := WebSocketURL(srv.URL, appID, levels)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, u, userHeader("u1"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func next(t *testing.T, c *Client) *Message {
	t.Helper()
	require.NoError(t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	msg, err := c.Next()
	require.NoError(t, err)
	return msg
}

func TestWebSocketHandshakeRejections(t *testing.T) {
	srv := newTestServer(t, auth.AllowAll{})
	denied := newTestServer(t, denyAll{})

	tests := []struct {
		name   string
		srv    *testServer
		query  string
		user   string
		status int
	}{
		{"missing application", srv, "", "u1", http.StatusBadRequest},
		{"non-numeric application", srv, "?application=abc", "u1", http.StatusBadRequest},
		{"bad levels", srv, "?application=1&levels=loud", "u1", http.StatusBadRequest},
		{"no identity", srv, "?application=1", "", http.StatusUnauthorized},
		{"forbidden", denied, "?application=1", "u1", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := "ws" + strings.TrimPrefix(tt.srv.URL, "http") + "/ws" + tt.query
			header := http.Header{}
			if tt.user != "" {
				header = userHeader(tt.user)
			}
			_, err := Dial(context.Background(), u, header)
			require.Error(t, err)
			assert.Contains(t, err.Error(), http.StatusText(tt.status))
			assert.Empty(t, tt.srv.hub.Subscribers(), "refused connection must not be registered")
		})
	}
}

func TestWebSocketEndToEnd(t *testing.T) {
	srv := newTestServer(t, auth.AllowAll{})
	c := dial(t, srv, 42)

	connID := c.Welcome.ConnectionID
	require.NotEmpty(t, connID)
	assert.Equal(t, int64(42), c.Welcome.ApplicationID)
	assert.Len(t, c.Welcome.Levels, 6)
	assert.Equal(t, []string{connID}, srv.hub.MembersOf(42))

	sub, ok := srv.hub.Lookup(connID)
	require.True(t, ok)
	assert.Equal(t, "u1", sub.UserID)
	assert.Equal(t, TransportWebSocket, sub.Transport)

	srv.hub.OnEventPersisted(context.Background(), &types.Event{
		ApplicationID: 42, Level: types.LevelCritical, Message: "disk full", GlobalID: 7,
	})

	msg := next(t, c)
	assert.Equal(t, MessageEvent, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, "disk full", msg.Event.Message)
	assert.Equal(t, int64(7), msg.Event.GlobalID)

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool {
		_, ok := srv.hub.Lookup(connID)
		return !ok && len(srv.hub.MembersOf(42)) == 0 && srv.gateway.Table().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketFilterMessage(t *testing.T) {
	srv := newTestServer(t, auth.AllowAll{})
	c := dial(t, srv, 5)

	require.NoError(t, c.SetFilter([]types.Level{types.LevelError}))
	msg := next(t, c)
	assert.Equal(t, MessageFilter, msg.Type)
	assert.Equal(t, []types.Level{types.LevelError}, msg.Levels)

	ctx := context.Background()
	srv.hub.OnEventPersisted(ctx, &types.Event{ApplicationID: 5, Level: types.LevelDebug, GlobalID: 1})
	srv.hub.OnEventPersisted(ctx, &types.Event{ApplicationID: 5, Level: types.LevelError, GlobalID: 2})

	// the debug event was filtered, so the error event arrives first
	msg = next(t, c)
	require.Equal(t, MessageEvent, msg.Type)
	assert.Equal(t, int64(2), msg.Event.GlobalID)

	require.NoError(t, c.SetFilter([]types.Level{"bogus"}))
	msg = next(t, c)
	assert.Equal(t, MessageError, msg.Type)
}

func TestWebSocketLevelsQuery(t *testing.T) {
	srv := newTestServer(t, auth.AllowAll{})
	c := dial(t, srv, 8, types.LevelWarning)

	assert.Equal(t, []types.Level{types.LevelWarning}, c.Welcome.Levels)
	sub, ok := srv.hub.Lookup(c.Welcome.ConnectionID)
	require.True(t, ok)
	assert.Equal(t, types.NewLevelSet(types.LevelWarning), sub.Levels)
}

func TestWebSocketCrossApplicationIsolation(t *testing.T) {
	srv := newTestServer(t, auth.AllowAll{})
	a := dial(t, srv, 1)
	b := dial(t, srv, 2)

	srv.hub.OnEventPersisted(context.Background(), &types.Event{ApplicationID: 2, Level: types.LevelError, GlobalID: 20})
	srv.hub.OnEventPersisted(context.Background(), &types.Event{ApplicationID: 1, Level: types.LevelError, GlobalID: 10})

	assert.Equal(t, int64(10), next(t, a).Event.GlobalID)
	assert.Equal(t, int64(20), next(t, b).Event.GlobalID)
}

type sseFrame struct {
	event string
	data  string
}

func readFrame(t *testing.T, sc *bufio.Scanner) sseFrame {
	t.Helper()
	var f sseFrame
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if f.event != "" {
				return f
			}
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			f.data = strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatalf("stream ended: %v", sc.Err())
	return f
}

func TestSSEStream(t *testing.T) {
	srv := newTestServer(t, auth.AllowAll{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream?application=3", nil)
	require.NoError(t, err)
	req.Header.Set(auth.DefaultUserHeader, "u9")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	frame := readFrame(t, sc)
	require.Equal(t, MessageWelcome, frame.event)

	var hello Message
	require.NoError(t, json.Unmarshal([]byte(frame.data), &hello))
	assert.Equal(t, []string{hello.ConnectionID}, srv.hub.MembersOf(3))

	srv.hub.OnEventPersisted(context.Background(), &types.Event{ApplicationID: 3, Level: types.LevelWarning, Message: "slow query"})

	frame = readFrame(t, sc)
	require.Equal(t, MessageEvent, frame.event)
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(frame.data), &msg))
	assert.Equal(t, "slow query", msg.Event.Message)

	cancel()
	assert.Eventually(t, func() bool {
		return len(srv.hub.MembersOf(3)) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSSERejectsInvalidApplication(t *testing.T) {
	srv := newTestServer(t, auth.AllowAll{})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/stream?application=-1", nil)
	require.NoError(t, err)
	req.Header.Set(auth.DefaultUserHeader, "u1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, srv.hub.Subscribers())
}

func TestOpenAppliesLevelsBeforeFirstDispatch(t *testing.T) {
	srv := newTestServer(t, auth.AllowAll{})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var id int64
		for {
			select {
			case <-stop:
				return
			default:
			}
			id++
			srv.hub.OnEventPersisted(context.Background(), &types.Event{
				ApplicationID: 1, Level: types.LevelDebug, Message: "noise", GlobalID: id,
			})
		}
	}()

	req := &Request{ApplicationID: 1, UserID: "u1", Levels: types.NewLevelSet(types.LevelError)}
	conns := make([]*fakeConn, 50)
	for i := range conns {
		conns[i] = &fakeConn{}
		sub, err := srv.gateway.Open(req, "test", conns[i])
		require.NoError(t, err)
		assert.Equal(t, []types.Level{types.LevelError}, sub.Levels.Slice())
	}
	close(stop)
	wg.Wait()

	srv.hub.OnEventPersisted(context.Background(), &types.Event{
		ApplicationID: 1, Level: types.LevelError, Message: "signal", GlobalID: -1,
	})

	for _, conn := range conns {
		assert.Eventually(t, func() bool { return len(conn.messages()) > 0 }, time.Second, 5*time.Millisecond)
		for _, msg := range conn.messages() {
			require.NotNil(t, msg.Event)
			assert.Equal(t, types.LevelError, msg.Event.Level)
		}
	}
}
