package batch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/bookmesh/internal/catalog"
	"github.com/dreamware/bookmesh/internal/cluster"
	"github.com/dreamware/bookmesh/internal/remote"
)

type fixture struct {
	cat     *catalog.MemCatalog
	members *cluster.Membership
	leader  *cluster.LeaderHandle
	coord   *Coordinator
}

func newFixture(t *testing.T, localStoreID int64) *fixture {
	t.Helper()
	cat := catalog.NewMem()
	if localStoreID != 0 {
		require.NoError(t, cat.CreateStore(catalog.Store{ID: localStoreID, Name: "local"}))
	}
	members := cluster.NewMembership()
	leader := cluster.NewLeaderHandle()
	caller := remote.NewClient(remote.Config{
		Timeout:       time.Second,
		MaxRetries:    1,
		RetryInterval: time.Millisecond,
	}, "http://self.test", zap.NewNop())
	return &fixture{
		cat:     cat,
		members: members,
		leader:  leader,
		coord:   New(cat, members, leader, caller, zap.NewNop()),
	}
}

// storeServer fakes a peer instance's book-creation endpoint, echoing the
// posted book back with a local id assigned.
func storeServer(t *testing.T, nextID int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var book catalog.Book
		require.NoError(t, json.NewDecoder(r.Body).Decode(&book))
		book.ID = nextID
		w.WriteHeader(http.StatusCreated)
		require.NoError(t, json.NewEncoder(w).Encode(book))
	}))
}

func TestIsLeader(t *testing.T) {
	t.Run("no local store", func(t *testing.T) {
		f := newFixture(t, 0)
		f.leader.Set(1)
		assert.False(t, f.coord.IsLeader())
	})
	t.Run("no leader designated", func(t *testing.T) {
		f := newFixture(t, 1)
		assert.False(t, f.coord.IsLeader())
	})
	t.Run("another instance leads", func(t *testing.T) {
		f := newFixture(t, 2)
		f.leader.Set(1)
		assert.False(t, f.coord.IsLeader())
	})
	t.Run("local store leads", func(t *testing.T) {
		f := newFixture(t, 1)
		f.leader.Set(1)
		assert.True(t, f.coord.IsLeader())
	})
}

func TestOneToManyAsLeader(t *testing.T) {
	f := newFixture(t, 1)
	f.leader.Set(1)

	s2 := storeServer(t, 10)
	defer s2.Close()
	s3 := storeServer(t, 20)
	defer s3.Close()
	f.members.Put(2, s2.URL+"/bookstores/2")
	f.members.Put(3, s3.URL+"/bookstores/3")

	// 99 is unknown to the registry and silently skipped
	books, err := f.coord.OneToMany(context.Background(), catalog.Book{Title: "T", Price: 5}, []int64{2, 99, 3})
	require.NoError(t, err)
	require.Len(t, books, 2)

	byStore := map[int64]catalog.Book{}
	for _, b := range books {
		byStore[b.StoreID] = b
	}
	assert.Equal(t, int64(10), byStore[2].ID)
	assert.Equal(t, int64(20), byStore[3].ID)
	assert.Equal(t, "T", byStore[2].Title)
}

func TestOneToManyOmitsFailedStores(t *testing.T) {
	f := newFixture(t, 1)
	f.leader.Set(1)

	ok := storeServer(t, 10)
	defer ok.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()
	f.members.Put(2, ok.URL+"/bookstores/2")
	f.members.Put(3, broken.URL+"/bookstores/3")

	books, err := f.coord.OneToMany(context.Background(), catalog.Book{Title: "T"}, []int64{2, 3})
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, int64(2), books[0].StoreID)
}

func TestOneToManyForwardsToLeader(t *testing.T) {
	var gotPath, gotQuery string
	leaderSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		list := catalog.BookList{Books: []catalog.Book{{ID: 1, StoreID: 2, Title: "T"}}}
		require.NoError(t, json.NewEncoder(w).Encode(list))
	}))
	defer leaderSrv.Close()

	f := newFixture(t, 3)
	f.leader.Set(1)
	f.members.Put(1, leaderSrv.URL+"/bookstores/1")

	books, err := f.coord.OneToMany(context.Background(), catalog.Book{Title: "T"}, []int64{2, 4})
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, "/bookstores/book", gotPath)
	assert.Equal(t, "id=2,4", gotQuery)
}

func TestOneToManyNoLeader(t *testing.T) {
	f := newFixture(t, 3)

	_, err := f.coord.OneToMany(context.Background(), catalog.Book{Title: "T"}, []int64{2})
	assert.ErrorIs(t, err, ErrNoLeader)
}

// leader designated but absent from the registry: still unforwardable
func TestOneToManyLeaderAddressUnknown(t *testing.T) {
	f := newFixture(t, 3)
	f.leader.Set(1)

	_, err := f.coord.OneToMany(context.Background(), catalog.Book{Title: "T"}, []int64{2})
	assert.ErrorIs(t, err, ErrNoLeader)
}

func TestManyToManyAsLeader(t *testing.T) {
	f := newFixture(t, 1)
	f.leader.Set(1)

	s2 := storeServer(t, 10)
	defer s2.Close()
	f.members.Put(2, s2.URL+"/bookstores/2")

	books, err := f.coord.ManyToMany(context.Background(), []catalog.Book{
		{StoreID: 2, Title: "A"},
		{StoreID: 0, Title: "no target"},
		{StoreID: 9, Title: "unknown store"},
	})
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, "A", books[0].Title)
	assert.Equal(t, int64(2), books[0].StoreID)
}

func TestManyToManyForwardsToLeader(t *testing.T) {
	var gotPath string
	var gotBatch catalog.BookList
	leaderSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBatch))
		require.NoError(t, json.NewEncoder(w).Encode(gotBatch))
	}))
	defer leaderSrv.Close()

	f := newFixture(t, 3)
	f.leader.Set(1)
	f.members.Put(1, leaderSrv.URL+"/bookstores/1")

	in := []catalog.Book{{StoreID: 2, Title: "A"}, {StoreID: 4, Title: "B"}}
	books, err := f.coord.ManyToMany(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "/bookstores/books", gotPath)
	assert.Len(t, gotBatch.Books, 2)
	assert.Len(t, books, 2)
}
