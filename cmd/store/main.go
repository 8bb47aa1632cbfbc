// Package main implements a bookmesh store server: one instance of the
// partitioned catalog, owning at most one bookstore and its books, a
// membership cache of every other instance, and the cached leader id.
//
// Configuration:
//   - STORE_LISTEN: listen address (default ":8081")
//   - STORE_ADDR: public base URL other servers reach this one at
//     (default "http://127.0.0.1:8081")
//   - HUB_URL: hub base URL, e.g. "http://127.0.0.1:8080/hub" (required)
//   - STORE_DB: path to the catalog database (default "store.db")
//
// Startup pulls the membership map and leader from the hub; afterwards
// both are mutated only by hub pushes. If the instance restarts with a
// public URL different from the one it registered, it re-registers the new
// address before serving.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"go.uber.org/zap"

	"github.com/dreamware/bookmesh/internal/batch"
	"github.com/dreamware/bookmesh/internal/catalog"
	"github.com/dreamware/bookmesh/internal/cluster"
	"github.com/dreamware/bookmesh/internal/httpx"
	"github.com/dreamware/bookmesh/internal/remote"
	"github.com/dreamware/bookmesh/internal/router"
)

func main() {
	listen := getenv("STORE_LISTEN", ":8081")
	public := getenv("STORE_ADDR", "http://127.0.0.1:8081")
	hubURL := mustGetenv("HUB_URL")
	dbPath := getenv("STORE_DB", "store.db")

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cat, err := catalog.OpenBolt(dbPath)
	if err != nil {
		log.Fatal("open catalog", zap.Error(err))
	}
	defer cat.Close()

	caller := remote.NewClient(remote.Config{}, public, log)
	srv := newServer(cat, caller, public, hubURL, log)

	ctx, cancelBoot := context.WithTimeout(context.Background(), 15*time.Second)
	srv.bootstrap(ctx)
	cancelBoot()

	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("store server listening",
			zap.String("listen", listen), zap.String("public", public))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	log.Info("store server stopped")
}

// newServer wires one instance's components together.
func newServer(cat catalog.Catalog, caller *remote.Client, public, hubURL string, log *zap.Logger) *server {
	members := cluster.NewMembership()
	leader := cluster.NewLeaderHandle()
	return &server{
		cat:      cat,
		members:  members,
		leader:   leader,
		caller:   caller,
		resolver: router.New(cat, members),
		batch:    batch.New(cat, members, leader, caller, log),
		baseURL:  public,
		hubURL:   hubURL,
		log:      log,
	}
}

// routes builds the instance's HTTP surface. Everything lives under
// /bookstores; the hub pushes land on the same tree because an instance's
// registered address is its own /bookstores/{id} URL.
func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.RequestIDMiddleware(s.log))
	r.Route("/bookstores", func(r chi.Router) {
		r.Post("/", s.handleCreateStore)
		r.Get("/", s.handleListStores)
		r.Get("/books", s.handleAllBooks)
		r.Post("/book", s.handleOneToMany)
		r.Post("/books", s.handleManyToMany)
		r.Route("/{storeID}", func(r chi.Router) {
			r.Get("/", s.handleGetStore)
			r.Put("/", s.handleUpdateStore)
			r.Delete("/", s.handleDeleteStore)
			r.Post("/", s.handleServerUpsert)
			r.Delete("/servers/{serverID}", s.handleServerRemove)
			r.Put("/leader", s.handleSetLeader)
			r.Get("/ping", s.handlePing)
			r.Route("/books", func(r chi.Router) {
				r.Post("/", s.handleCreateBook)
				r.Get("/", s.handleListBooks)
				r.Get("/{bookID}", s.handleGetBook)
				r.Put("/{bookID}", s.handleUpdateBook)
				r.Delete("/{bookID}", s.handleDeleteBook)
			})
		})
	})
	return r
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustGetenv(k string) string {
	v := os.Getenv(k)
	if v == "" {
		panic("missing required environment variable " + k)
	}
	return v
}
