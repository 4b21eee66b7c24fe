package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/lookout/pkg/types"
)

// Registry tracks the subscriber record of every live connection.
//
// A subscriber's Levels map is replaced on SetFilter and never mutated in
// place, so a reference read under the lock stays valid after release.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*types.Subscriber
	now  func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		subs: make(map[string]*types.Subscriber),
		now:  time.Now,
	}
}

// Register stores a new subscriber with the accept-all filter.
//
// Register and Unregister operate on the registry alone. A Hub keeps the
// registry and its group index in lockstep under one shard lock, so code
// holding a Hub must go through OnOpen and OnClose instead.
func (r *Registry) Register(connID string, appID int64, userID string) (*types.Subscriber, error) {
	return r.register(connID, appID, userID, "", nil)
}

// register stores a new subscriber. A nil levels keeps the accept-all default.
func (r *Registry) register(connID string, appID int64, userID, transport string, levels types.LevelSet) (*types.Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subs[connID]; exists {
		return nil, ErrDuplicateConnection
	}

	if levels == nil {
		levels = types.AllLevels()
	} else {
		levels = levels.Clone()
	}

	sub := &types.Subscriber{
		ConnectionID:  connID,
		ApplicationID: appID,
		UserID:        userID,
		Levels:        levels,
		Transport:     transport,
		ConnectedAt:   r.now(),
	}
	r.subs[connID] = sub
	return sub.Clone(), nil
}

// Unregister removes a subscriber. It is a no-op for unknown connections
// and reports whether a record was removed. Like Register it leaves any
// group index untouched.
func (r *Registry) Unregister(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subs[connID]; !exists {
		return false
	}
	delete(r.subs, connID)
	return true
}

// unregisterIf removes connID only while it is still bound to appID
func (r *Registry) unregisterIf(connID string, appID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, exists := r.subs[connID]
	if !exists || sub.ApplicationID != appID {
		return false
	}
	delete(r.subs, connID)
	return true
}

// Lookup returns a copy of the subscriber record for connID
func (r *Registry) Lookup(connID string) (*types.Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, exists := r.subs[connID]
	if !exists {
		return nil, false
	}
	return sub.Clone(), true
}

// filter returns the live filter and application of connID without copying
func (r *Registry) filter(connID string) (types.LevelSet, int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, exists := r.subs[connID]
	if !exists {
		return nil, 0, false
	}
	return sub.Levels, sub.ApplicationID, true
}

// SetFilter replaces the filter of a live subscriber
func (r *Registry) SetFilter(connID string, levels types.LevelSet) error {
	_, err := r.setFilter(connID, levels)
	return err
}

// setFilter replaces the filter and returns the subscriber's application
func (r *Registry) setFilter(connID string, levels types.LevelSet) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, exists := r.subs[connID]
	if !exists {
		return 0, ErrUnknownConnection
	}
	sub.Levels = levels.Clone()
	return sub.ApplicationID, nil
}

// Len returns the number of registered subscribers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Snapshot returns copies of all subscribers ordered by connection id
func (r *Registry) Snapshot() []*types.Subscriber {
	r.mu.RLock()
	out := make([]*types.Subscriber, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectionID < out[j].ConnectionID
	})
	return out
}
