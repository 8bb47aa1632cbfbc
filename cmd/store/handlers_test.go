package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/bookmesh/internal/catalog"
	"github.com/dreamware/bookmesh/internal/httpx"
	"github.com/dreamware/bookmesh/internal/remote"
)

// fakeHub answers the hub API surface a store server uses: registration,
// snapshot, leader lookup and deregistration.
type fakeHub struct {
	srv      *httptest.Server
	nextID   int64
	leader   int64
	deleted  []string
	registry map[int64]string
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	f := &fakeHub{nextID: 0, registry: map[int64]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/hub", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req struct {
				Address string `json:"address"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			f.nextID++
			f.registry[f.nextID] = req.Address + strconv.FormatInt(f.nextID, 10)
			if f.leader == 0 {
				f.leader = f.nextID
			}
			w.Write([]byte(strconv.FormatInt(f.nextID, 10)))
		case http.MethodGet:
			json.NewEncoder(w).Encode(f.registry)
		case http.MethodPut:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	mux.HandleFunc("/hub/leader", func(w http.ResponseWriter, r *http.Request) {
		if f.leader == 0 {
			return
		}
		w.Write([]byte(strconv.FormatInt(f.leader, 10)))
	})
	mux.HandleFunc("/hub/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			f.deleted = append(f.deleted, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		}
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeHub) url() string { return f.srv.URL + "/hub" }

func testStoreServer(t *testing.T, hub *fakeHub) *server {
	t.Helper()
	caller := remote.NewClient(remote.Config{
		Timeout:       time.Second,
		MaxRetries:    1,
		RetryInterval: time.Millisecond,
	}, "http://127.0.0.1:8081", zap.NewNop())
	return newServer(catalog.NewMem(), caller, "http://127.0.0.1:8081", hub.url(), zap.NewNop())
}

func doJSON(h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, target, &buf))
	return w
}

func createStore(t *testing.T, s *server) catalog.Store {
	t.Helper()
	w := doJSON(s.routes(), http.MethodPost, "/bookstores", catalog.Store{Name: "Readers Corner"})
	require.Equal(t, http.StatusCreated, w.Code)
	var st catalog.Store
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	return st
}

func TestCreateStoreRegistersWithHub(t *testing.T) {
	hub := newFakeHub(t)
	s := testStoreServer(t, hub)

	st := createStore(t, s)
	assert.Equal(t, int64(1), st.ID)
	assert.Equal(t, "Readers Corner", st.Name)

	// the hub-issued entry is the instance's own store address
	addr, ok := s.members.Addr(1)
	require.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:8081/bookstores/1", addr)

	// first registrant becomes leader
	assert.Equal(t, int64(1), s.leader.Get())
}

func TestCreateStoreAlreadyExists(t *testing.T) {
	hub := newFakeHub(t)
	s := testStoreServer(t, hub)
	createStore(t, s)

	w := doJSON(s.routes(), http.MethodPost, "/bookstores", catalog.Store{Name: "Second"})
	assert.Equal(t, http.StatusAlreadyReported, w.Code)
}

func TestCreateStoreHubUnreachable(t *testing.T) {
	hub := newFakeHub(t)
	s := testStoreServer(t, hub)
	hub.srv.Close()

	w := doJSON(s.routes(), http.MethodPost, "/bookstores", catalog.Store{Name: "S"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestGetStoreLocal(t *testing.T) {
	hub := newFakeHub(t)
	s := testStoreServer(t, hub)
	createStore(t, s)

	w := doJSON(s.routes(), http.MethodGet, "/bookstores/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st catalog.Store
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.Equal(t, "Readers Corner", st.Name)
}

func TestGetStoreRedirect(t *testing.T) {
	hub := newFakeHub(t)
	s := testStoreServer(t, hub)
	createStore(t, s)
	s.members.Put(2, "http://127.0.0.1:8082/bookstores/2")

	req := httptest.NewRequest(http.MethodGet, "/bookstores/2", nil)
	req.Header.Set(httpx.RequestIDHeader, "corr-1")
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusPermanentRedirect, w.Code)
	assert.Equal(t, "http://127.0.0.1:8082/bookstores/2", w.Header().Get("Location"))
	assert.Equal(t, "corr-1", w.Header().Get(httpx.RequestIDHeader))
}

func TestGetStoreUnknown(t *testing.T) {
	hub := newFakeHub(t)
	s := testStoreServer(t, hub)
	createStore(t, s)

	w := doJSON(s.routes(), http.MethodGet, "/bookstores/9", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateStorePartialBody(t *testing.T) {
	hub := newFakeHub(t)
	s := testStoreServer(t, hub)
	createStore(t, s)

	w := doJSON(s.routes(), http.MethodPut, "/bookstores/1", catalog.Store{Phone: "555-0199"})
	require.Equal(t, http.StatusOK, w.Code)
	var st catalog.Store
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.Equal(t, "555-0199", st.Phone)
	assert.Equal(t, "Readers Corner", st.Name)
}

func TestMisroutedStoreWritesRejected(t *testing.T) {
	hub := newFakeHub(t)
	s := testStoreServer(t, hub)
	createStore(t, s)
	s.members.Put(2, "http://127.0.0.1:8082/bookstores/2")

	w := doJSON(s.routes(), http.MethodPut, "/bookstores/2", catalog.Store{Name: "X"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(s.routes(), http.MethodDelete, "/bookstores/2", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// the remote store is untouched in the membership cache
	assert.True(t, s.members.Contains(2))
}

func TestDeleteStoreCascadesAndDeregisters(t *testing.T) {
	hub := newFakeHub(t)
	s := testStoreServer(t, hub)
	createStore(t, s)
	w := doJSON(s.routes(), http.MethodPost, "/bookstores/1/books", catalog.Book{Title: "T", Price: 1})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(s.routes(), http.MethodDelete, "/bookstores/1", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	require.Len(t, hub.deleted, 1)
	assert.Equal(t, "/hub/1", hub.deleted[0])
	assert.False(t, s.members.Contains(1))

	w = doJSON(s.routes(), http.MethodGet, "/bookstores/1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPing(t *testing.T) {
	hub := newFakeHub(t)
	s := testStoreServer(t, hub)
	createStore(t, s)

	w := doJSON(s.routes(), http.MethodGet, "/bookstores/1/ping", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Body.String())
}

func TestLeaderPush(t *testing.T) {
	hub := newFakeHub(t)
	s := testStoreServer(t, hub)
	createStore(t, s)

	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/bookstores/1/leader", bytes.NewReader([]byte("5"))))
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, int64(5), s.leader.Get())
}

func TestMembershipPushes(t *testing.T) {
	hub := newFakeHub(t)
	s := testStoreServer(t, hub)
	createStore(t, s)

	body := map[string]any{"id": 2, "address": "http://127.0.0.1:8082/bookstores/2"}
	w := doJSON(s.routes(), http.MethodPost, "/bookstores/1", body)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, s.members.Contains(2))

	w = doJSON(s.routes(), http.MethodDelete, "/bookstores/1/servers/2", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, s.members.Contains(2))
}

func TestBookCRUDLocal(t *testing.T) {
	hub := newFakeHub(t)
	s := testStoreServer(t, hub)
	createStore(t, s)
	h := s.routes()

	w := doJSON(h, http.MethodPost, "/bookstores/1/books", catalog.Book{
		Title: "The Go Programming Language", Author: "Donovan & Kernighan", Price: 32.99,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created catalog.Book
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	assert.Equal(t, int64(1), created.StoreID)
	require.NotZero(t, created.ID)

	target := "/bookstores/1/books/" + strconv.FormatInt(created.ID, 10)

	w = doJSON(h, http.MethodGet, target, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// patch without a price field leaves the stored price alone
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPut, target, bytes.NewReader([]byte(`{"author":"Alan Donovan"}`))))
	require.Equal(t, http.StatusOK, w.Code)
	var updated catalog.Book
	require.NoError(t, json.NewDecoder(w.Body).Decode(&updated))
	assert.Equal(t, "Alan Donovan", updated.Author)
	assert.Equal(t, 32.99, updated.Price)

	w = doJSON(h, http.MethodDelete, target, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(h, http.MethodGet, target, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBookRoutesRedirect(t *testing.T) {
	hub := newFakeHub(t)
	s := testStoreServer(t, hub)
	createStore(t, s)
	s.members.Put(2, "http://127.0.0.1:8082/bookstores/2")
	h := s.routes()

	w := doJSON(h, http.MethodPost, "/bookstores/2/books", catalog.Book{Title: "T"})
	assert.Equal(t, http.StatusPermanentRedirect, w.Code)
	assert.Equal(t, "http://127.0.0.1:8082/bookstores/2/books", w.Header().Get("Location"))

	w = doJSON(h, http.MethodGet, "/bookstores/2/books/7", nil)
	assert.Equal(t, http.StatusPermanentRedirect, w.Code)
	assert.Equal(t, "http://127.0.0.1:8082/bookstores/2/books/7", w.Header().Get("Location"))
}

func TestListBooksSubset(t *testing.T) {
	hub := newFakeHub(t)
	s := testStoreServer(t, hub)
	createStore(t, s)
	h := s.routes()

	var ids []string
	for _, title := range []string{"A", "B", "C"} {
		w := doJSON(h, http.MethodPost, "/bookstores/1/books", catalog.Book{Title: title})
		require.Equal(t, http.StatusCreated, w.Code)
		var b catalog.Book
		require.NoError(t, json.NewDecoder(w.Body).Decode(&b))
		ids = append(ids, strconv.FormatInt(b.ID, 10))
	}

	w := doJSON(h, http.MethodGet, "/bookstores/1/books?id="+ids[0]+","+ids[2], nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list catalog.BookList
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	assert.Len(t, list.Books, 2)

	w = doJSON(h, http.MethodGet, "/bookstores/1/books", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list = catalog.BookList{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	assert.Len(t, list.Books, 3)
}

func TestOneToManyRequiresIDs(t *testing.T) {
	hub := newFakeHub(t)
	s := testStoreServer(t, hub)
	createStore(t, s)

	w := doJSON(s.routes(), http.MethodPost, "/bookstores/book", catalog.Book{Title: "T"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOneToManyLeaderFansOut(t *testing.T) {
	hub := newFakeHub(t)
	s := testStoreServer(t, hub)
	createStore(t, s) // becomes leader (first registrant)

	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b catalog.Book
		require.NoError(t, json.NewDecoder(r.Body).Decode(&b))
		b.ID = 41
		w.WriteHeader(http.StatusCreated)
		require.NoError(t, json.NewEncoder(w).Encode(b))
	}))
	defer peer.Close()
	s.members.Put(2, peer.URL+"/bookstores/2")

	w := doJSON(s.routes(), http.MethodPost, "/bookstores/book?id=2,99", catalog.Book{Title: "T", Price: 3})
	require.Equal(t, http.StatusOK, w.Code)
	var list catalog.BookList
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Len(t, list.Books, 1)
	assert.Equal(t, int64(2), list.Books[0].StoreID)
	assert.Equal(t, int64(41), list.Books[0].ID)
}

func TestManyToManyLeaderPartitions(t *testing.T) {
	hub := newFakeHub(t)
	s := testStoreServer(t, hub)
	createStore(t, s)

	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b catalog.Book
		require.NoError(t, json.NewDecoder(r.Body).Decode(&b))
		b.ID = 7
		require.NoError(t, json.NewEncoder(w).Encode(b))
	}))
	defer peer.Close()
	s.members.Put(2, peer.URL+"/bookstores/2")

	batch := catalog.BookList{Books: []catalog.Book{
		{StoreID: 2, Title: "A"},
		{StoreID: 99, Title: "skipped"},
	}}
	w := doJSON(s.routes(), http.MethodPost, "/bookstores/books", batch)
	require.Equal(t, http.StatusOK, w.Code)
	var list catalog.BookList
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Len(t, list.Books, 1)
	assert.Equal(t, "A", list.Books[0].Title)
}

func TestAllBooksAggregates(t *testing.T) {
	hub := newFakeHub(t)
	s := testStoreServer(t, hub)
	createStore(t, s)

	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		list := catalog.BookList{Books: []catalog.Book{{ID: 1, StoreID: 2, Title: "remote"}}}
		require.NoError(t, json.NewEncoder(w).Encode(list))
	}))
	defer peer.Close()
	s.members.Put(2, peer.URL+"/bookstores/2")
	s.members.Put(3, "http://127.0.0.1:1/bookstores/3") // unreachable, skipped

	w := doJSON(s.routes(), http.MethodGet, "/bookstores/books?id=2,3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list catalog.BookList
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Len(t, list.Books, 1)
	assert.Equal(t, "remote", list.Books[0].Title)
}

func TestListStoresAggregates(t *testing.T) {
	hub := newFakeHub(t)
	s := testStoreServer(t, hub)
	createStore(t, s)

	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(catalog.Store{ID: 2, Name: "Remote Books"}))
	}))
	defer peer.Close()
	s.members.Put(2, peer.URL+"/bookstores/2")

	w := doJSON(s.routes(), http.MethodGet, "/bookstores?id=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Stores []catalog.Store `json:"stores"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	require.Len(t, out.Stores, 1)
	assert.Equal(t, "Remote Books", out.Stores[0].Name)
}

func TestBootstrapReclaimsState(t *testing.T) {
	hub := newFakeHub(t)
	hub.registry[4] = "http://127.0.0.1:8084/bookstores/4"
	hub.leader = 4

	s := testStoreServer(t, hub)
	s.bootstrap(httptest.NewRequest(http.MethodGet, "/", nil).Context())

	assert.True(t, s.members.Contains(4))
	assert.Equal(t, int64(4), s.leader.Get())
}

func TestBootstrapToleratesHubOutage(t *testing.T) {
	hub := newFakeHub(t)
	hub.srv.Close()

	s := testStoreServer(t, hub)
	s.bootstrap(httptest.NewRequest(http.MethodGet, "/", nil).Context())

	assert.Equal(t, 0, s.members.Len())
}
