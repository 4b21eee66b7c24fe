package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/lookout/pkg/activity"
	"github.com/cuemby/lookout/pkg/auth"
	"github.com/cuemby/lookout/pkg/gateway"
	"github.com/cuemby/lookout/pkg/hub"
	"github.com/cuemby/lookout/pkg/ingest"
	"github.com/cuemby/lookout/pkg/metrics"
	"github.com/cuemby/lookout/pkg/storage"
	"github.com/cuemby/lookout/pkg/types"
	"github.com/stretchr/testify/require"
)

type denyAll struct{}

func (denyAll) CanView(context.Context, string, int64) (bool, error) { return false, nil }

// fixtureAdmin may view every application in fixtures built without an
// explicit authorizer
const fixtureAdmin = "root"

type fixture struct {
	srv     *httptest.Server
	store   *storage.BoltStore
	hub     *hub.Hub
	gateway *gateway.Gateway
	health  *metrics.HealthChecker
	broker  *activity.Broker
}

func newFixture(t *testing.T, authz auth.Authorizer) *fixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	if authz == nil {
		authz = auth.NewStoreAuthorizer(store, fixtureAdmin)
	}

	broker := activity.NewBroker()
	broker.Start()

	table := gateway.NewTable()
	h := hub.New(table, hub.WithActivity(broker), hub.WithPushTimeout(time.Second))
	g := gateway.New(h, table, authz, gateway.Config{PingInterval: time.Second, Activity: broker})
	checker := metrics.NewHealthChecker("test", metrics.ComponentStorage, metrics.ComponentHub)

	router := NewRouter(Deps{
		Gateway:  g,
		Ingest:   ingest.NewService(store, h),
		Store:    store,
		Authz:    authz,
		Identity: auth.Identity{},
		Health:   checker,
		Activity: broker,
	})
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		g.Shutdown()
		srv.Close()
		h.Close()
		broker.Stop()
		store.Close()
	})

	return &fixture{srv: srv, store: store, hub: h, gateway: g, health: checker, broker: broker}
}

// do sends a JSON request as user and returns the status and body
func (f *fixture) do(t *testing.T, method, path, user string, body any) (int, []byte) {
	t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(auth.DefaultUserHeader, user)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (f *fixture) createApp(t *testing.T, owner, name string) *types.Application {
	t.Helper()
	status, body := f.do(t, http.MethodPost, "/api/applications", owner, map[string]any{"name": name})
	require.Equal(t, http.StatusCreated, status, string(body))

	var app types.Application
	require.NoError(t, json.Unmarshal(body, &app))
	return &app
}

func (f *fixture) dial(t *testing.T, user string, appID int64, levels ...types.Level) *gateway.Client {
	t.Helper()
	u, err := gateway.WebSocketURL(f.srv.URL, appID, levels)
	require.NoError(t, err)

	header := http.Header{}
	header.Set(auth.DefaultUserHeader, user)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := gateway.Dial(ctx, u, header)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// next reads the next message with a deadline so a missing message fails
// the test instead of hanging it
func next(t *testing.T, c *gateway.Client) *gateway.Message {
	t.Helper()
	type result struct {
		msg *gateway.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := c.Next()
		ch <- result{msg, err}
	}()

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}
