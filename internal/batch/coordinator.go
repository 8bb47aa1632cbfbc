// Package batch implements the leader-or-forward protocol for cross-store
// operations.
//
// The elected leader is the one instance that fans a multi-store request
// out to every owning instance and aggregates the responses. Any other
// instance receiving such a request forwards it, whole, to the leader in a
// single mandatory call and relays the aggregate verbatim.
//
// Fan-out uses the optional call path: an unreachable owner or an open
// circuit breaker omits that store from the aggregate, it never aborts the
// batch. Store ids absent from the membership registry are skipped up
// front. The aggregate is a set; response order carries no meaning.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/bookmesh/internal/catalog"
	"github.com/dreamware/bookmesh/internal/cluster"
	"github.com/dreamware/bookmesh/internal/httpx"
	"github.com/dreamware/bookmesh/internal/remote"
)

// ErrNoLeader is returned when a non-leader instance must forward a batch
// but no leader is designated or the leader's address is unknown.
var ErrNoLeader = errors.New("no leader known to forward batch to")

// Coordinator runs cross-store batch operations for one instance.
type Coordinator struct {
	catalog catalog.Catalog
	members *cluster.Membership
	leader  *cluster.LeaderHandle
	caller  *remote.Client
	log     *zap.Logger
}

// New creates a batch coordinator.
func New(cat catalog.Catalog, members *cluster.Membership, leader *cluster.LeaderHandle, caller *remote.Client, log *zap.Logger) *Coordinator {
	return &Coordinator{
		catalog: cat,
		members: members,
		leader:  leader,
		caller:  caller,
		log:     log,
	}
}

// IsLeader reports whether this instance is the elected leader. Leadership
// is derived on every call from the local store and the cached leader id,
// never cached as a flag, so it tracks hub pushes without staleness beyond
// the cache itself.
func (c *Coordinator) IsLeader() bool {
	cur, err := c.catalog.CurrentStore()
	if err != nil {
		return false
	}
	id := c.leader.Get()
	return id != cluster.NoLeader && cur.ID == id
}

// OneToMany places one book into each of the target stores.
//
// On the leader, target ids absent from the membership registry are
// skipped, each remaining id gets an optional-path dispatch to its owning
// instance, and the successful per-store responses form the aggregate. On
// any other instance the whole request is forwarded to the leader in a
// single mandatory call and the leader's aggregate is relayed as is.
func (c *Coordinator) OneToMany(ctx context.Context, book catalog.Book, storeIDs []int64) ([]catalog.Book, error) {
	if !c.IsLeader() {
		return c.forwardOneToMany(ctx, book, storeIDs)
	}

	c.log.Info("leader handling batch",
		zap.Int("targets", len(storeIDs)),
		zap.String("request_id", httpx.RequestID(ctx)),
	)

	var out []catalog.Book
	for _, storeID := range storeIDs {
		addr, ok := c.members.Addr(storeID)
		if !ok {
			c.log.Warn("skipping unknown store", zap.Int64("store_id", storeID))
			continue
		}
		book.StoreID = storeID
		created, err := c.dispatch(ctx, addr, book)
		if err != nil {
			c.log.Warn("store omitted from batch",
				zap.Int64("store_id", storeID),
				zap.String("request_id", httpx.RequestID(ctx)),
				zap.Error(err),
			)
			continue
		}
		out = append(out, created)
	}
	return out, nil
}

// ManyToMany places each book into the store its StoreID names.
//
// The leader partitions the batch by declared store id, skips books whose
// store the registry does not know, dispatches the rest and aggregates. A
// non-leader forwards the entire batch to the leader in one call.
func (c *Coordinator) ManyToMany(ctx context.Context, books []catalog.Book) ([]catalog.Book, error) {
	if !c.IsLeader() {
		return c.forwardManyToMany(ctx, books)
	}

	var out []catalog.Book
	for _, book := range books {
		if book.StoreID == 0 {
			c.log.Warn("skipping book with no target store")
			continue
		}
		addr, ok := c.members.Addr(book.StoreID)
		if !ok {
			c.log.Warn("skipping unknown store", zap.Int64("store_id", book.StoreID))
			continue
		}
		created, err := c.dispatch(ctx, addr, book)
		if err != nil {
			c.log.Warn("book omitted from batch",
				zap.Int64("store_id", book.StoreID),
				zap.String("request_id", httpx.RequestID(ctx)),
				zap.Error(err),
			)
			continue
		}
		out = append(out, created)
	}
	return out, nil
}

// dispatch sends one book to the instance owning its store over the
// optional path; a tripped breaker or failed call surfaces as an error the
// caller turns into an omission.
func (c *Coordinator) dispatch(ctx context.Context, addr string, book catalog.Book) (catalog.Book, error) {
	// Detached from the inbound request's cancellation: a client
	// disconnect does not abort in-flight fan-out calls.
	callCtx := httpx.WithRequestID(context.Background(), httpx.RequestID(ctx))

	resp, err := c.caller.Try(callCtx, remote.Call{
		Method: http.MethodPost,
		URL:    addr + "/books",
		Body:   book,
	})
	if err != nil {
		return catalog.Book{}, err
	}
	var created catalog.Book
	if err := json.Unmarshal(resp.Body, &created); err != nil {
		return catalog.Book{}, errors.Wrap(err, "decode dispatched book")
	}
	return created, nil
}

func (c *Coordinator) forwardOneToMany(ctx context.Context, book catalog.Book, storeIDs []int64) ([]catalog.Book, error) {
	base, err := c.leaderBase()
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(storeIDs))
	for _, id := range storeIDs {
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	url := fmt.Sprintf("%sbook?id=%s", base, strings.Join(ids, ","))

	resp, err := c.caller.Do(ctx, remote.Call{Method: http.MethodPost, URL: url, Body: book})
	if err != nil {
		return nil, errors.Wrap(err, "forward batch to leader")
	}
	c.log.Info("batch executed by leader",
		zap.Int64("leader", c.leader.Get()),
		zap.String("request_id", httpx.RequestID(ctx)),
	)
	return decodeAggregate(resp.Body)
}

func (c *Coordinator) forwardManyToMany(ctx context.Context, books []catalog.Book) ([]catalog.Book, error) {
	base, err := c.leaderBase()
	if err != nil {
		return nil, err
	}

	resp, err := c.caller.Do(ctx, remote.Call{
		Method: http.MethodPost,
		URL:    base + "books",
		Body:   catalog.BookList{Books: books},
	})
	if err != nil {
		return nil, errors.Wrap(err, "forward batch to leader")
	}
	c.log.Info("batch executed by leader",
		zap.Int64("leader", c.leader.Get()),
		zap.String("request_id", httpx.RequestID(ctx)),
	)
	return decodeAggregate(resp.Body)
}

// leaderBase returns the leader's collection base, i.e. its registered
// address with the trailing store id stripped: ".../bookstores/7" becomes
// ".../bookstores/".
func (c *Coordinator) leaderBase() (string, error) {
	id := c.leader.Get()
	if id == cluster.NoLeader {
		return "", ErrNoLeader
	}
	addr, ok := c.members.Addr(id)
	if !ok {
		return "", ErrNoLeader
	}
	cut := strings.LastIndex(addr, "/")
	if cut < 0 {
		return "", errors.Errorf("malformed leader address %q", addr)
	}
	return addr[:cut+1], nil
}

func decodeAggregate(data []byte) ([]catalog.Book, error) {
	var list catalog.BookList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, errors.Wrap(err, "decode leader aggregate")
	}
	return list.Books, nil
}
