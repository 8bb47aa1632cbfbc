package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/bookmesh/internal/catalog"
	"github.com/dreamware/bookmesh/internal/cluster"
)

func testResolver(t *testing.T, localID int64) (*Resolver, *cluster.Membership) {
	t.Helper()
	cat := catalog.NewMem()
	if localID != 0 {
		require.NoError(t, cat.CreateStore(catalog.Store{ID: localID, Name: "local"}))
	}
	members := cluster.NewMembership()
	return New(cat, members), members
}

func TestResolveLocal(t *testing.T) {
	r, members := testResolver(t, 1)
	members.Put(1, "http://127.0.0.1:8081/bookstores/1")
	members.Put(2, "http://127.0.0.1:8082/bookstores/2")

	res := r.Resolve(1)
	assert.Equal(t, Local, res.Kind)
	assert.Empty(t, res.Location)
}

func TestResolveRedirect(t *testing.T) {
	r, members := testResolver(t, 1)
	members.Put(2, "http://127.0.0.1:8082/bookstores/2")

	res := r.Resolve(2)
	assert.Equal(t, Redirect, res.Kind)
	assert.Equal(t, "http://127.0.0.1:8082/bookstores/2", res.Location)
}

func TestResolveUnknown(t *testing.T) {
	r, _ := testResolver(t, 1)

	res := r.Resolve(9)
	assert.Equal(t, Unknown, res.Kind)
}

// an instance with no store yet can still route to peers
func TestResolveWithoutLocalStore(t *testing.T) {
	r, members := testResolver(t, 0)
	members.Put(2, "http://127.0.0.1:8082/bookstores/2")

	assert.Equal(t, Redirect, r.Resolve(2).Kind)
	assert.Equal(t, Unknown, r.Resolve(1).Kind)
}

// local ownership wins even when the membership cache is stale
func TestResolvePrefersLocalOverMembership(t *testing.T) {
	r, members := testResolver(t, 1)
	members.Put(1, "http://stale:9999/bookstores/1")

	assert.Equal(t, Local, r.Resolve(1).Kind)
}

func TestResolveBookAppendsPath(t *testing.T) {
	r, members := testResolver(t, 1)
	members.Put(2, "http://127.0.0.1:8082/bookstores/2")

	res := r.ResolveBook(2, 17)
	require.Equal(t, Redirect, res.Kind)
	assert.Equal(t, "http://127.0.0.1:8082/bookstores/2/books/17", res.Location)

	assert.Equal(t, Local, r.ResolveBook(1, 17).Kind)
}

func TestResolveBooksAppendsPath(t *testing.T) {
	r, members := testResolver(t, 1)
	members.Put(2, "http://127.0.0.1:8082/bookstores/2")

	res := r.ResolveBooks(2)
	require.Equal(t, Redirect, res.Kind)
	assert.Equal(t, "http://127.0.0.1:8082/bookstores/2/books", res.Location)
}
