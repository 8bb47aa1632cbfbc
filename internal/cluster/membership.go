// Package cluster holds the state every store server instance shares with
// the rest of the network: the wire types exchanged with the hub, the
// in-memory membership registry, and the cached leader designation.
//
// The membership registry and leader handle are long-lived mutable state
// read by every request handler and written by hub push notifications, so
// both are mutex-guarded and hand out copies. An instance never re-derives
// membership on its own: it rebuilds the map from the hub at startup and
// afterward trusts pushes.
package cluster

import (
	"sort"
	"sync"
)

// Membership is an instance's cache of the hub's authoritative registry,
// mapping instance ids to registered addresses.
//
// Concurrency model:
//   - Read operations use RLock for parallel access
//   - Write operations use Lock for exclusive access
//   - All returned data is copied to prevent races
type Membership struct {
	mu      sync.RWMutex
	servers map[int64]string
}

// NewMembership creates an empty membership registry.
func NewMembership() *Membership {
	return &Membership{servers: make(map[int64]string)}
}

// Put inserts or overwrites the address for an instance id.
func (m *Membership) Put(id int64, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[id] = addr
}

// Remove deletes an instance from the registry. Removing an unknown id is a
// no-op.
func (m *Membership) Remove(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.servers, id)
}

// Addr returns the registered address for an instance id, and whether the
// id is known.
func (m *Membership) Addr(id int64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addr, ok := m.servers[id]
	return addr, ok
}

// Contains reports whether the registry knows the given instance id.
func (m *Membership) Contains(id int64) bool {
	_, ok := m.Addr(id)
	return ok
}

// IDs returns all known instance ids in ascending order.
func (m *Membership) IDs() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]int64, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot returns a copy of the full id-to-address map.
func (m *Membership) Snapshot() map[int64]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[int64]string, len(m.servers))
	for id, addr := range m.servers {
		out[id] = addr
	}
	return out
}

// Replace swaps the whole registry for the given map, used for bulk
// catch-up from the hub at startup. The map is copied.
func (m *Membership) Replace(servers map[int64]string) {
	next := make(map[int64]string, len(servers))
	for id, addr := range servers {
		next[id] = addr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers = next
}

// Len returns the number of known instances.
func (m *Membership) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.servers)
}

// LeaderHandle caches the id of the instance currently designated leader.
// It is mutated only by hub pushes and by the leader lookup performed at
// startup, and may be transiently stale relative to the hub's designation.
type LeaderHandle struct {
	mu sync.RWMutex
	id int64
}

// NewLeaderHandle creates a handle with no leader designated.
func NewLeaderHandle() *LeaderHandle {
	return &LeaderHandle{id: NoLeader}
}

// Set records the current leader id. NoLeader clears the designation.
func (l *LeaderHandle) Set(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.id = id
}

// Get returns the cached leader id, or NoLeader if none is designated.
func (l *LeaderHandle) Get() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.id
}
