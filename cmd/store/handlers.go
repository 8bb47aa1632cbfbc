package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/bookmesh/internal/batch"
	"github.com/dreamware/bookmesh/internal/catalog"
	"github.com/dreamware/bookmesh/internal/cluster"
	"github.com/dreamware/bookmesh/internal/httpx"
	"github.com/dreamware/bookmesh/internal/remote"
	"github.com/dreamware/bookmesh/internal/router"
)

type server struct {
	cat      catalog.Catalog
	members  *cluster.Membership
	leader   *cluster.LeaderHandle
	caller   *remote.Client
	resolver *router.Resolver
	batch    *batch.Coordinator
	baseURL  string
	hubURL   string
	log      *zap.Logger
}

type storeList struct {
	Stores []catalog.Store `json:"stores"`
}

// bootstrap pulls cluster state from the hub before serving: the full
// membership map, a re-registration if this instance's public URL changed
// since it last registered, and the current leader. Hub unavailability is
// tolerated (logged); pushes catch the instance up later.
func (s *server) bootstrap(ctx context.Context) {
	resp, err := s.caller.Do(ctx, remote.Call{Method: http.MethodGet, URL: s.hubURL})
	if err != nil {
		s.log.Warn("unable to reclaim membership map from hub", zap.Error(err))
	} else {
		var m map[int64]string
		if err := json.Unmarshal(resp.Body, &m); err != nil {
			s.log.Warn("bad membership snapshot from hub", zap.Error(err))
		} else {
			s.members.Replace(m)
			s.log.Info("membership map reclaimed", zap.Int("instances", len(m)))
		}
	}

	own := cluster.NoLeader
	if cur, err := s.cat.CurrentStore(); err == nil {
		own = cur.ID
		want := s.storeAddr(cur.ID)
		if registered, ok := s.members.Addr(cur.ID); !ok || registered != want {
			info := cluster.InstanceInfo{ID: cur.ID, Addr: want}
			if _, err := s.caller.Do(ctx, remote.Call{Method: http.MethodPut, URL: s.hubURL, Body: info}); err != nil {
				s.log.Warn("address re-registration failed", zap.Error(err))
			} else {
				s.members.Put(cur.ID, want)
				s.log.Info("re-registered at new address", zap.String("addr", want))
			}
		}
	}

	if id, err := s.fetchLeader(ctx, own); err != nil {
		s.log.Warn("unable to fetch leader from hub", zap.Error(err))
	} else {
		s.leader.Set(id)
	}
	s.log.Info("store server initialized")
}

// fetchLeader asks the hub who the leader is. Passing this instance's own
// id makes it eligible for the hub's lazy self-election when no leader is
// designated.
func (s *server) fetchLeader(ctx context.Context, own int64) (int64, error) {
	header := map[string]string{"id": "null"}
	if own != cluster.NoLeader {
		header["id"] = strconv.FormatInt(own, 10)
	}
	resp, err := s.caller.Do(ctx, remote.Call{Method: http.MethodGet, URL: s.hubURL + "/leader", Header: header})
	if err != nil {
		return cluster.NoLeader, err
	}
	body := strings.TrimSpace(string(resp.Body))
	if body == "" {
		return cluster.NoLeader, nil
	}
	id, err := strconv.ParseInt(body, 10, 64)
	if err != nil {
		return cluster.NoLeader, errors.Wrapf(err, "bad leader id %q", body)
	}
	return id, nil
}

// storeAddr is the address this instance registers and peers redirect to
// for the given store id.
func (s *server) storeAddr(id int64) string {
	return s.baseURL + "/bookstores/" + strconv.FormatInt(id, 10)
}

// handleCreateStore creates this instance's one store. The instance
// registers with the hub, adopts the issued id as the store's id, and
// looks up the leader (becoming eligible for lazy self-election).
func (s *server) handleCreateStore(w http.ResponseWriter, r *http.Request) {
	var st catalog.Store
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		http.Error(w, "bad store body", http.StatusBadRequest)
		return
	}
	if cur, err := s.cat.CurrentStore(); err == nil {
		s.log.Warn("store already exists on this server", zap.Int64("id", cur.ID))
		w.WriteHeader(http.StatusAlreadyReported)
		return
	}

	resp, err := s.caller.Do(r.Context(), remote.Call{
		Method: http.MethodPost,
		URL:    s.hubURL,
		Body:   cluster.RegisterRequest{Address: s.baseURL + "/bookstores/"},
	})
	if err != nil {
		s.log.Error("hub registration failed", zap.Error(err))
		http.Error(w, "hub unreachable", http.StatusBadGateway)
		return
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(resp.Body)), 10, 64)
	if err != nil {
		http.Error(w, "bad id from hub", http.StatusBadGateway)
		return
	}

	st.ID = id
	if err := s.cat.CreateStore(st); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.members.Put(id, s.storeAddr(id))

	if leaderID, err := s.fetchLeader(r.Context(), id); err != nil {
		s.log.Warn("leader lookup failed", zap.Error(err))
	} else {
		s.leader.Set(leaderID)
	}

	s.log.Info("store created", zap.Int64("id", id))
	w.Header().Set("Location", s.storeAddr(id))
	httpx.JSON(w, http.StatusCreated, st)
}

// handleGetStore serves one store: locally, by redirect to the owner, or
// 404 when nobody owns it.
func (s *server) handleGetStore(w http.ResponseWriter, r *http.Request) {
	id, ok := s.storeID(w, r)
	if !ok {
		return
	}
	switch res := s.resolver.Resolve(id); res.Kind {
	case router.Local:
		cur, _ := s.cat.CurrentStore()
		httpx.JSON(w, http.StatusOK, cur)
	case router.Redirect:
		s.log.Info("redirecting request",
			zap.Int64("store_id", id),
			zap.String("request_id", httpx.RequestID(r.Context())))
		httpx.Redirect(w, res.Location, httpx.RequestID(r.Context()))
	default:
		http.Error(w, "bookstore not found", http.StatusNotFound)
	}
}

// handleListStores aggregates store representations from every known
// instance (or the requested subset). Unreachable instances are skipped.
func (s *server) handleListStores(w http.ResponseWriter, r *http.Request) {
	ids, err := idListParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ids == nil {
		ids = s.members.IDs()
	}

	out := storeList{Stores: []catalog.Store{}}
	for _, id := range ids {
		addr, ok := s.members.Addr(id)
		if !ok {
			continue
		}
		resp, err := s.caller.Try(r.Context(), remote.Call{Method: http.MethodGet, URL: addr})
		if err != nil {
			s.log.Warn("store not reached", zap.Int64("store_id", id), zap.Error(err))
			continue
		}
		var st catalog.Store
		if err := json.Unmarshal(resp.Body, &st); err != nil {
			s.log.Warn("bad store payload", zap.Int64("store_id", id), zap.Error(err))
			continue
		}
		out.Stores = append(out.Stores, st)
	}
	httpx.JSON(w, http.StatusOK, out)
}

// handleUpdateStore applies a partial update to the local store. A store
// owned by another instance is rejected, not redirected: destructive
// operations must not be silently retargeted.
func (s *server) handleUpdateStore(w http.ResponseWriter, r *http.Request) {
	id, ok := s.storeID(w, r)
	if !ok {
		return
	}
	switch s.resolver.Resolve(id).Kind {
	case router.Local:
		var patch catalog.Store
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			http.Error(w, "bad store body", http.StatusBadRequest)
			return
		}
		updated, err := s.cat.UpdateStore(patch)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.log.Info("store updated", zap.Int64("id", id))
		httpx.JSON(w, http.StatusOK, updated)
	case router.Redirect:
		s.log.Warn("misrouted store write rejected", zap.Int64("store_id", id))
		http.Error(w, "store owned by another instance", http.StatusForbidden)
	default:
		http.Error(w, "bookstore not found", http.StatusNotFound)
	}
}

// handleDeleteStore deletes the local store, cascading to its books, and
// deregisters the instance from the hub. Deleting a store owned elsewhere
// is rejected with 403.
func (s *server) handleDeleteStore(w http.ResponseWriter, r *http.Request) {
	id, ok := s.storeID(w, r)
	if !ok {
		return
	}
	switch s.resolver.Resolve(id).Kind {
	case router.Local:
		if err := s.cat.DeleteStore(id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.members.Remove(id)
		_, err := s.caller.Do(r.Context(), remote.Call{
			Method: http.MethodDelete,
			URL:    s.hubURL + "/" + strconv.FormatInt(id, 10),
		})
		if err != nil {
			// Local deletion already happened; the hub entry is stale
			// until an operator or the health loop cleans it up.
			s.log.Error("hub deregistration failed", zap.Int64("id", id), zap.Error(err))
			http.Error(w, "hub unreachable", http.StatusBadGateway)
			return
		}
		s.log.Info("store permanently deleted", zap.Int64("id", id))
		w.WriteHeader(http.StatusNoContent)
	case router.Redirect:
		s.log.Warn("misrouted store delete rejected", zap.Int64("store_id", id))
		http.Error(w, "store owned by another instance", http.StatusForbidden)
	default:
		http.Error(w, "bookstore not found", http.StatusNotFound)
	}
}

// handlePing answers the liveness probe.
func (s *server) handlePing(w http.ResponseWriter, r *http.Request) {
	httpx.Text(w, http.StatusOK, "true")
}

// handleSetLeader is the hub's leader push: body is the leader id.
func (s *server) handleSetLeader(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		http.Error(w, "bad leader id", http.StatusBadRequest)
		return
	}
	s.leader.Set(id)
	s.log.Info("leader updated", zap.Int64("leader", id))
	w.WriteHeader(http.StatusNoContent)
}

// handleServerUpsert is the hub's membership push: a new or re-addressed
// instance to add to the cache.
func (s *server) handleServerUpsert(w http.ResponseWriter, r *http.Request) {
	var info cluster.InstanceInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil || info.ID == 0 || info.Addr == "" {
		http.Error(w, "bad instance body", http.StatusBadRequest)
		return
	}
	s.members.Put(info.ID, info.Addr)
	s.log.Info("instance joined the network", zap.Int64("id", info.ID))
	w.WriteHeader(http.StatusNoContent)
}

// handleServerRemove is the hub's removal push.
func (s *server) handleServerRemove(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "serverID"), 10, 64)
	if err != nil {
		http.Error(w, "bad server id", http.StatusBadRequest)
		return
	}
	s.members.Remove(id)
	s.log.Info("instance left the network", zap.Int64("id", id))
	w.WriteHeader(http.StatusNoContent)
}

// handleCreateBook adds a book to the addressed store, redirecting to the
// owner when the store lives elsewhere.
func (s *server) handleCreateBook(w http.ResponseWriter, r *http.Request) {
	id, ok := s.storeID(w, r)
	if !ok {
		return
	}
	switch res := s.resolver.ResolveBooks(id); res.Kind {
	case router.Local:
		book, ok := s.decodeBook(w, r)
		if !ok {
			return
		}
		book.StoreID = id
		if book.Price == catalog.PriceUnset {
			// the sentinel only means "unchanged" on updates
			book.Price = 0
		}
		created, err := s.cat.AddBook(book)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.log.Info("book added",
			zap.Int64("book_id", created.ID),
			zap.String("title", created.Title),
			zap.String("author", created.Author))
		httpx.JSON(w, http.StatusCreated, created)
	case router.Redirect:
		httpx.Redirect(w, res.Location, httpx.RequestID(r.Context()))
	default:
		http.Error(w, "bookstore not found", http.StatusNotFound)
	}
}

// handleListBooks serves a store's books, or the requested subset of ids.
func (s *server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	id, ok := s.storeID(w, r)
	if !ok {
		return
	}
	switch res := s.resolver.ResolveBooks(id); res.Kind {
	case router.Local:
		ids, err := idListParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var (
			books []catalog.Book
		)
		if ids != nil {
			books, err = s.cat.FindBooks(ids)
		} else {
			books, err = s.cat.ListBooks(id)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if books == nil {
			books = []catalog.Book{}
		}
		httpx.JSON(w, http.StatusOK, catalog.BookList{Books: books})
	case router.Redirect:
		httpx.Redirect(w, res.Location, httpx.RequestID(r.Context()))
	default:
		http.Error(w, "bookstore not found", http.StatusNotFound)
	}
}

// handleGetBook serves one book.
func (s *server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	storeID, bookID, ok := s.bookID(w, r)
	if !ok {
		return
	}
	switch res := s.resolver.ResolveBook(storeID, bookID); res.Kind {
	case router.Local:
		book, err := s.cat.GetBook(bookID)
		if errors.Is(err, catalog.ErrBookNotFound) {
			http.Error(w, "book not found", http.StatusNotFound)
			return
		}
		httpx.JSON(w, http.StatusOK, book)
	case router.Redirect:
		httpx.Redirect(w, res.Location, httpx.RequestID(r.Context()))
	default:
		http.Error(w, "bookstore not found", http.StatusNotFound)
	}
}

// handleUpdateBook applies a partial update: string fields apply when
// non-empty, price applies unless it carries the unset sentinel.
func (s *server) handleUpdateBook(w http.ResponseWriter, r *http.Request) {
	storeID, bookID, ok := s.bookID(w, r)
	if !ok {
		return
	}
	switch res := s.resolver.ResolveBook(storeID, bookID); res.Kind {
	case router.Local:
		patch, ok := s.decodeBook(w, r)
		if !ok {
			return
		}
		updated, err := s.cat.UpdateBook(bookID, patch)
		if errors.Is(err, catalog.ErrBookNotFound) {
			http.Error(w, "book not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.log.Info("book updated", zap.Int64("book_id", bookID))
		httpx.JSON(w, http.StatusOK, updated)
	case router.Redirect:
		httpx.Redirect(w, res.Location, httpx.RequestID(r.Context()))
	default:
		http.Error(w, "bookstore not found", http.StatusNotFound)
	}
}

// handleDeleteBook removes one book.
func (s *server) handleDeleteBook(w http.ResponseWriter, r *http.Request) {
	storeID, bookID, ok := s.bookID(w, r)
	if !ok {
		return
	}
	switch res := s.resolver.ResolveBook(storeID, bookID); res.Kind {
	case router.Local:
		if err := s.cat.DeleteBook(bookID); err != nil {
			if errors.Is(err, catalog.ErrBookNotFound) {
				http.Error(w, "book not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.log.Info("book deleted", zap.Int64("book_id", bookID))
		w.WriteHeader(http.StatusNoContent)
	case router.Redirect:
		httpx.Redirect(w, res.Location, httpx.RequestID(r.Context()))
	default:
		http.Error(w, "bookstore not found", http.StatusNotFound)
	}
}

// handleOneToMany places one book into every store named by the id query
// parameter, through the batch coordinator's leader-or-forward protocol.
func (s *server) handleOneToMany(w http.ResponseWriter, r *http.Request) {
	ids, err := idListParam(r)
	if err != nil || ids == nil {
		http.Error(w, "id list required", http.StatusBadRequest)
		return
	}
	book, ok := s.decodeBook(w, r)
	if !ok {
		return
	}
	books, err := s.batch.OneToMany(r.Context(), book, ids)
	if err != nil {
		s.log.Error("batch failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if books == nil {
		books = []catalog.Book{}
	}
	httpx.JSON(w, http.StatusOK, catalog.BookList{Books: books})
}

// handleManyToMany places each book of the batch into the store its
// storeID field names.
func (s *server) handleManyToMany(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	list, err := catalog.BookListFromJSON(data)
	if err != nil {
		http.Error(w, "bad batch body", http.StatusBadRequest)
		return
	}
	books, err := s.batch.ManyToMany(r.Context(), list.Books)
	if err != nil {
		s.log.Error("batch failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if books == nil {
		books = []catalog.Book{}
	}
	httpx.JSON(w, http.StatusOK, catalog.BookList{Books: books})
}

// handleAllBooks aggregates the books of every known store (or the
// requested subset), skipping stores that cannot be reached.
func (s *server) handleAllBooks(w http.ResponseWriter, r *http.Request) {
	ids, err := idListParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ids == nil {
		ids = s.members.IDs()
	}

	out := catalog.BookList{Books: []catalog.Book{}}
	for _, id := range ids {
		addr, ok := s.members.Addr(id)
		if !ok {
			s.log.Warn("store does not exist", zap.Int64("store_id", id))
			continue
		}
		resp, err := s.caller.Try(r.Context(), remote.Call{Method: http.MethodGet, URL: addr + "/books"})
		if err != nil {
			s.log.Warn("store not reached", zap.Int64("store_id", id), zap.Error(err))
			continue
		}
		var list catalog.BookList
		if err := json.Unmarshal(resp.Body, &list); err != nil {
			s.log.Warn("bad book list payload", zap.Int64("store_id", id), zap.Error(err))
			continue
		}
		out.Books = append(out.Books, list.Books...)
	}
	httpx.JSON(w, http.StatusOK, out)
}

// storeID parses the storeID path variable, answering 400 itself on a bad
// value.
func (s *server) storeID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "storeID"), 10, 64)
	if err != nil {
		http.Error(w, "bad store id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// bookID parses both path variables for book routes.
func (s *server) bookID(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	storeID, ok := s.storeID(w, r)
	if !ok {
		return 0, 0, false
	}
	bookID, err := strconv.ParseInt(chi.URLParam(r, "bookID"), 10, 64)
	if err != nil {
		http.Error(w, "bad book id", http.StatusBadRequest)
		return 0, 0, false
	}
	return storeID, bookID, true
}

// decodeBook reads a book payload preserving the unset-price sentinel,
// answering 400 itself on a bad body.
func (s *server) decodeBook(w http.ResponseWriter, r *http.Request) (catalog.Book, bool) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return catalog.Book{}, false
	}
	book, err := catalog.BookFromJSON(data)
	if err != nil {
		http.Error(w, "bad book body", http.StatusBadRequest)
		return catalog.Book{}, false
	}
	return book, true
}

// idListParam parses the id query parameter, accepting both repeated
// parameters and comma-separated lists. A nil slice means the parameter
// was absent.
func idListParam(r *http.Request) ([]int64, error) {
	values := r.URL.Query()["id"]
	if len(values) == 0 {
		return nil, nil
	}
	var ids []int64
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, errors.Errorf("bad id %q", part)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}
