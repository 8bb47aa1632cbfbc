// Package hub implements the cluster coordinator: the authoritative
// membership registry, the shared id sequence, leader election, and the
// periodic leader health check.
//
// The hub's registry is durable (bbolt); every instance's copy is a cache
// rebuilt from the hub at startup and updated by push. Registry changes are
// broadcast best-effort: a failure notifying one instance never rolls back
// the change or blocks notifying the rest.
//
// The leader is a convenience router for batch requests, not a
// consensus-elected authority. Election is first-responder-wins: registry
// entries are probed in ascending id order and the first instance whose
// ping answers "true" is designated.
package hub

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/dreamware/bookmesh/internal/cluster"
	"github.com/dreamware/bookmesh/internal/remote"
)

// ErrUnknownInstance is returned when an operation names an id the
// registry does not hold.
var ErrUnknownInstance = errors.New("instance not registered")

var bucketServers = []byte("servers")

// PingFunc probes an instance for liveness. It reports true only for a
// positive answer within the probe's time bound.
type PingFunc func(ctx context.Context, addr string) bool

// Coordinator is the hub's core. All exported methods are safe for
// concurrent use; the mutex is never held across network I/O.
type Coordinator struct {
	db     *bolt.DB
	caller *remote.Client
	log    *zap.Logger
	ping   PingFunc

	mu      sync.RWMutex
	servers map[int64]string
	leader  int64
}

// Open loads (creating if needed) the hub's durable registry at path and
// rebuilds the in-memory map from it.
func Open(path string, caller *remote.Client, log *zap.Logger) (*Coordinator, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open hub db %s", path)
	}

	c := &Coordinator{
		db:      db,
		caller:  caller,
		log:     log,
		servers: make(map[int64]string),
		leader:  cluster.NoLeader,
	}
	c.ping = c.defaultPing

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketServers)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			id, err := strconv.ParseInt(string(k), 10, 64)
			if err != nil {
				return err
			}
			c.servers[id] = string(v)
			log.Info("instance restored from registry",
				zap.Int64("id", id), zap.String("addr", string(v)))
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "load hub registry")
	}
	return c, nil
}

// Close closes the durable registry.
func (c *Coordinator) Close() error {
	return c.db.Close()
}

// SetPingFunc overrides the liveness probe, for tests or custom health
// checks.
func (c *Coordinator) SetPingFunc(fn PingFunc) {
	c.ping = fn
}

// Register issues a fresh id from the shared sequence, records the
// instance under address+id, persists the entry, broadcasts it to every
// registered instance, and designates the newcomer leader if no leader is
// currently set. Returns the new id.
func (c *Coordinator) Register(ctx context.Context, addr string) (int64, error) {
	var (
		id    int64
		entry string
	)
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServers)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		entry = addr + strconv.FormatInt(id, 10)
		return b.Put([]byte(strconv.FormatInt(id, 10)), []byte(entry))
	})
	if err != nil {
		return 0, errors.Wrap(err, "persist registration")
	}

	c.mu.Lock()
	c.servers[id] = entry
	if c.leader == cluster.NoLeader {
		c.leader = id
		c.log.Info("leader designated", zap.Int64("leader", id))
	}
	leader := c.leader
	c.mu.Unlock()

	c.broadcastEntry(ctx, cluster.InstanceInfo{ID: id, Addr: entry})
	c.broadcastLeader(ctx, leader)

	c.log.Info("instance joined the network",
		zap.Int64("id", id), zap.String("addr", entry))
	return id, nil
}

// UpdateAddress overwrites an instance's registered address, persists the
// change, and re-broadcasts the full entry to all instances. Used when an
// instance restarts at a new network location.
func (c *Coordinator) UpdateAddress(ctx context.Context, id int64, addr string) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServers).Put([]byte(strconv.FormatInt(id, 10)), []byte(addr))
	})
	if err != nil {
		return errors.Wrap(err, "persist address update")
	}

	c.mu.Lock()
	c.servers[id] = addr
	c.mu.Unlock()

	c.broadcastEntry(ctx, cluster.InstanceInfo{ID: id, Addr: addr})
	c.log.Info("instance address updated",
		zap.Int64("id", id), zap.String("addr", addr))
	return nil
}

// Deregister removes an instance, persists the removal, broadcasts it to
// the remaining instances, and re-elects if the removed id was the leader.
func (c *Coordinator) Deregister(ctx context.Context, id int64) error {
	c.mu.Lock()
	if _, ok := c.servers[id]; !ok {
		c.mu.Unlock()
		return ErrUnknownInstance
	}
	delete(c.servers, id)
	wasLeader := c.leader == id
	c.mu.Unlock()

	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServers).Delete([]byte(strconv.FormatInt(id, 10)))
	})
	if err != nil {
		return errors.Wrap(err, "persist removal")
	}

	c.broadcastRemoval(ctx, id)
	if wasLeader {
		c.ElectLeader(ctx)
	}
	c.log.Info("instance removed from the network", zap.Int64("id", id))
	return nil
}

// Snapshot returns a copy of the id-to-address registry for bulk catch-up.
func (c *Coordinator) Snapshot() map[int64]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int64]string, len(c.servers))
	for id, addr := range c.servers {
		out[id] = addr
	}
	return out
}

// Addr returns the registered address for an id.
func (c *Coordinator) Addr(id int64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	addr, ok := c.servers[id]
	return addr, ok
}

// Leader returns the current leader id, or NoLeader if none.
//
// Quirk: when no leader is designated
// and the requester supplies its own id, the requester is opportunistically
// designated leader as a side effect. This lazy self-election can race with
// the scheduled health check, whose next election pass overrides it.
func (c *Coordinator) Leader(requesterID int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leader == cluster.NoLeader && requesterID != cluster.NoLeader {
		c.leader = requesterID
		c.log.Info("leader self-elected on lookup", zap.Int64("leader", requesterID))
	}
	return c.leader
}

// ElectLeader probes registry entries in ascending id order and designates
// the first instance that answers its ping positively, broadcasting the
// new leader id to every registered instance. If nobody answers, the
// leader becomes NoLeader. Returns the elected id.
func (c *Coordinator) ElectLeader(ctx context.Context) int64 {
	snapshot := c.Snapshot()
	ids := make([]int64, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if !c.ping(ctx, snapshot[id]) {
			continue
		}
		c.mu.Lock()
		c.leader = id
		c.mu.Unlock()
		c.broadcastLeader(ctx, id)
		c.log.Info("new leader elected", zap.Int64("leader", id))
		return id
	}

	c.mu.Lock()
	c.leader = cluster.NoLeader
	c.mu.Unlock()
	c.log.Warn("election found no live instance, leader unset")
	return cluster.NoLeader
}

// CheckLeader is the periodic health check body: with a leader designated
// it probes it and re-elects on a failed or negative answer; with none it
// elects immediately.
func (c *Coordinator) CheckLeader(ctx context.Context) {
	c.mu.RLock()
	leader := c.leader
	addr, ok := c.servers[leader]
	c.mu.RUnlock()

	if leader == cluster.NoLeader || !ok {
		c.ElectLeader(ctx)
		return
	}
	if !c.ping(ctx, addr) {
		c.log.Warn("leader failed health check", zap.Int64("leader", leader))
		c.ElectLeader(ctx)
	}
}

// defaultPing issues GET addr/ping and accepts only a "true" body.
func (c *Coordinator) defaultPing(ctx context.Context, addr string) bool {
	resp, err := c.caller.Do(ctx, remote.Call{Method: http.MethodGet, URL: addr + "/ping"})
	if err != nil {
		return false
	}
	return string(resp.Body) == "true"
}

// broadcastEntry pushes a registry entry to every registered instance,
// including the entry's own instance (a harmless upsert). Best-effort.
func (c *Coordinator) broadcastEntry(ctx context.Context, info cluster.InstanceInfo) {
	var errs *multierror.Error
	for id, addr := range c.Snapshot() {
		_, err := c.caller.Do(ctx, remote.Call{Method: http.MethodPost, URL: addr, Body: info})
		if err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "notify %d", id))
		}
	}
	if errs.ErrorOrNil() != nil {
		c.log.Warn("entry broadcast incomplete", zap.Error(errs))
	}
}

// broadcastRemoval tells every remaining instance to drop id from its
// membership cache. Best-effort.
func (c *Coordinator) broadcastRemoval(ctx context.Context, id int64) {
	var errs *multierror.Error
	for peer, addr := range c.Snapshot() {
		url := addr + "/servers/" + strconv.FormatInt(id, 10)
		_, err := c.caller.Do(ctx, remote.Call{Method: http.MethodDelete, URL: url})
		if err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "notify %d", peer))
		}
	}
	if errs.ErrorOrNil() != nil {
		c.log.Warn("removal broadcast incomplete", zap.Error(errs))
	}
}

// broadcastLeader pushes the leader id to every registered instance.
// Best-effort.
func (c *Coordinator) broadcastLeader(ctx context.Context, leader int64) {
	var errs *multierror.Error
	for peer, addr := range c.Snapshot() {
		_, err := c.caller.Do(ctx, remote.Call{Method: http.MethodPut, URL: addr + "/leader", Body: leader})
		if err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "notify %d", peer))
		}
	}
	if errs.ErrorOrNil() != nil {
		c.log.Warn("leader broadcast incomplete", zap.Error(errs))
	}
}
