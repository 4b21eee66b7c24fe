package hub

import (
	"sort"
	"sync"
	"sync/atomic"
)

// DefaultShards is the number of group shards used when none is configured
const DefaultShards = 32

// GroupIndex maps an application id to the connections subscribed to it.
// Applications are spread over a fixed set of shards, each with its own
// lock, so traffic for one application never contends with another shard.
//
// Join and Leave update the index alone. A Hub owns its own index and
// registry and changes them together under the shard lock; a standalone
// GroupIndex carries no such pairing.
type GroupIndex struct {
	shards []*shard
	groups atomic.Int64
}

type shard struct {
	mu     sync.Mutex
	groups map[int64]map[string]struct{}
}

// NewGroupIndex creates an index with n shards
func NewGroupIndex(n int) *GroupIndex {
	if n <= 0 {
		n = DefaultShards
	}
	g := &GroupIndex{shards: make([]*shard, n)}
	for i := range g.shards {
		g.shards[i] = &shard{groups: make(map[int64]map[string]struct{})}
	}
	return g
}

func (g *GroupIndex) shardFor(appID int64) *shard {
	return g.shards[uint64(appID)%uint64(len(g.shards))]
}

// Join adds connID to the application's group
func (g *GroupIndex) Join(appID int64, connID string) {
	s := g.shardFor(appID)
	s.mu.Lock()
	defer s.mu.Unlock()
	g.join(s, appID, connID)
}

// Leave removes connID from the application's group, pruning empty groups
func (g *GroupIndex) Leave(appID int64, connID string) {
	s := g.shardFor(appID)
	s.mu.Lock()
	defer s.mu.Unlock()
	g.leave(s, appID, connID)
}

// MembersOf returns the sorted connection ids of an application's group
func (g *GroupIndex) MembersOf(appID int64) []string {
	s := g.shardFor(appID)
	s.mu.Lock()
	members := s.groups[appID]
	out := make([]string, 0, len(members))
	for connID := range members {
		out = append(out, connID)
	}
	s.mu.Unlock()

	sort.Strings(out)
	return out
}

// Groups returns the number of non-empty groups
func (g *GroupIndex) Groups() int {
	return int(g.groups.Load())
}

// join and leave require s.mu to be held
func (g *GroupIndex) join(s *shard, appID int64, connID string) {
	members, ok := s.groups[appID]
	if !ok {
		members = make(map[string]struct{})
		s.groups[appID] = members
		g.groups.Add(1)
	}
	members[connID] = struct{}{}
}

func (g *GroupIndex) leave(s *shard, appID int64, connID string) {
	members, ok := s.groups[appID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(s.groups, appID)
		g.groups.Add(-1)
	}
}
