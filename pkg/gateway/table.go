package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/lookout/pkg/hub"
	"github.com/cuemby/lookout/pkg/types"
)

// ErrConnectionGone is returned when pushing to a connection that has
// already been removed from the table
var ErrConnectionGone = errors.New("connection gone")

// Conn is one transport-level client connection
type Conn interface {
	Send(ctx context.Context, msg *Message) error
	Close() error
}

// Table maps connection ids to live transport connections and implements
// hub.Pusher by translating pushes into writes on the matching connection.
type Table struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// NewTable creates an empty connection table
func NewTable() *Table {
	return &Table{conns: make(map[string]Conn)}
}

// Add registers conn under id
func (t *Table) Add(id string, conn Conn) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.conns[id]; exists {
		return fmt.Errorf("connection %s: %w", id, hub.ErrDuplicateConnection)
	}
	t.conns[id] = conn
	return nil
}

// Remove drops id from the table
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, id)
}

// Get returns the connection registered under id
func (t *Table) Get(id string) (Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	conn, ok := t.conns[id]
	return conn, ok
}

// Len returns the number of live connections
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// Push writes event to the connection registered under connID
func (t *Table) Push(ctx context.Context, connID string, event *types.Event) error {
	conn, ok := t.Get(connID)
	if !ok {
		return ErrConnectionGone
	}
	return conn.Send(ctx, &Message{Type: MessageEvent, Event: event})
}

// CloseAll closes every connection in the table
func (t *Table) CloseAll() {
	t.mu.RLock()
	conns := make([]Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.RUnlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

var _ hub.Pusher = (*Table)(nil)
