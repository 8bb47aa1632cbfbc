package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"go.uber.org/zap"

	"github.com/dreamware/bookmesh/internal/cluster"
	"github.com/dreamware/bookmesh/internal/httpx"
	"github.com/dreamware/bookmesh/internal/hub"
)

type server struct {
	coord *hub.Coordinator
	log   *zap.Logger
}

func newServer(coord *hub.Coordinator, log *zap.Logger) *server {
	return &server{coord: coord, log: log}
}

// routes builds the hub's HTTP surface.
func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.RequestIDMiddleware(s.log))
	r.Route("/hub", func(r chi.Router) {
		r.Post("/", s.handleRegister)
		r.Put("/", s.handleUpdateAddress)
		r.Get("/", s.handleSnapshot)
		r.Get("/leader", s.handleLeader)
		r.Delete("/{serverID}", s.handleDeregister)
	})
	return r
}

// handleRegister admits a new instance: POST /hub with {address} returns
// the issued id as plain text.
func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		http.Error(w, "bad registration body", http.StatusBadRequest)
		return
	}
	id, err := s.coord.Register(r.Context(), req.Address)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpx.Text(w, http.StatusOK, strconv.FormatInt(id, 10))
}

// handleUpdateAddress overwrites a registered address: PUT /hub with
// {id, address}.
func (s *server) handleUpdateAddress(w http.ResponseWriter, r *http.Request) {
	var info cluster.InstanceInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil || info.ID == 0 || info.Addr == "" {
		http.Error(w, "bad update body", http.StatusBadRequest)
		return
	}
	if err := s.coord.UpdateAddress(r.Context(), info.ID, info.Addr); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSnapshot returns the full registry as a JSON id-to-address map,
// used by instances for bulk catch-up at startup.
func (s *server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, s.coord.Snapshot())
}

// handleLeader returns the leader id as plain text, empty body meaning
// none. A non-null id header triggers the lazy self-election side effect.
func (s *server) handleLeader(w http.ResponseWriter, r *http.Request) {
	requester := cluster.NoLeader
	if raw := r.Header.Get("id"); raw != "" && raw != "null" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			requester = id
		}
	}
	leader := s.coord.Leader(requester)
	if leader == cluster.NoLeader {
		httpx.Text(w, http.StatusOK, "")
		return
	}
	httpx.Text(w, http.StatusOK, strconv.FormatInt(leader, 10))
}

// handleDeregister removes an instance: DELETE /hub/{serverID}.
func (s *server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "serverID"), 10, 64)
	if err != nil {
		http.Error(w, "bad server id", http.StatusBadRequest)
		return
	}
	if err := s.coord.Deregister(r.Context(), id); err != nil {
		if err == hub.ErrUnknownInstance {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
