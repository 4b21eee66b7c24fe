package gateway

import (
	"context"
	"sync"
	"testing"

	"github.com/cuemby/lookout/pkg/hub"
	"github.com/cuemby/lookout/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   []*Message
	closed bool
}

func (c *fakeConn) Send(_ context.Context, msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionGone
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) messages() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Message(nil), c.sent...)
}

func TestTablePush(t *testing.T) {
	table := NewTable()
	conn := &fakeConn{}
	require.NoError(t, table.Add("c1", conn))
	assert.ErrorIs(t, table.Add("c1", &fakeConn{}), hub.ErrDuplicateConnection)
	assert.Equal(t, 1, table.Len())

	ev := &types.Event{ApplicationID: 1, Level: types.LevelError}
	require.NoError(t, table.Push(context.Background(), "c1", ev))

	sent := conn.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, MessageEvent, sent[0].Type)
	assert.Same(t, ev, sent[0].Event)

	assert.ErrorIs(t, table.Push(context.Background(), "missing", ev), ErrConnectionGone)

	table.Remove("c1")
	assert.ErrorIs(t, table.Push(context.Background(), "c1", ev), ErrConnectionGone)
}

func TestTableCloseAll(t *testing.T) {
	table := NewTable()
	a, b := &fakeConn{}, &fakeConn{}
	require.NoError(t, table.Add("a", a))
	require.NoError(t, table.Add("b", b))

	table.CloseAll()
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		base     string
		levels   []types.Level
		expected string
	}{
		{"http://localhost:8080", nil, "ws://localhost:8080/ws?application=42"},
		{"https://mon.example.com/lookout/", nil, "wss://mon.example.com/lookout/ws?application=42"},
		{"http://h", []types.Level{types.LevelError, types.LevelCritical}, "ws://h/ws?application=42&levels=error%2Ccritical"},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := WebSocketURL(tt.base, 42, tt.levels)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}
