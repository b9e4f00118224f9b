package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/openclinic/medisync/internal/remote"
	"github.com/openclinic/medisync/internal/schema"
)

// Server exposes the remote store over HTTP and websocket.
type Server struct {
	storage *Storage
	hub     *Hub
	router  *mux.Router
	log     zerolog.Logger
}

// New creates a server over the given storage.
func New(storage *Storage, logger zerolog.Logger) *Server {
	s := &Server{
		storage: storage,
		hub:     NewHub(logger),
		log:     logger.With().Str("component", "server").Logger(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1/hospitals/{hospital}").Subrouter()
	api.HandleFunc("/tables/{table}/records/{id}", s.handleUpsert).Methods(http.MethodPut)
	api.HandleFunc("/changes", s.handleChanges).Methods(http.MethodGet)
	api.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	s.router = r
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	hospital, table, id := vars["hospital"], vars["table"], vars["id"]

	var req remote.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// The URL is authoritative for identity; the body must agree.
	if req.Record.Table != table || req.Record.ID != id {
		writeError(w, http.StatusBadRequest, "record identity does not match URL")
		return
	}
	if !schema.KnownTable(table) {
		writeError(w, http.StatusBadRequest, "unknown table")
		return
	}
	if err := req.Record.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, conflict, err := s.storage.Upsert(r.Context(), hospital, &req)
	if err != nil {
		s.log.Error().Err(err).Str("table", table).Str("id", id).Msg("upsert failed")
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if conflict != nil {
		s.log.Info().
			Str("table", table).Str("id", id).
			Int64("base", req.BaseVersion).Int64("current", conflict.Version).
			Msg("push conflict")
		writeJSON(w, http.StatusConflict, conflict)
		return
	}

	if !result.Duplicate {
		s.hub.Broadcast(hospital, remote.Notice{Table: table, ServerSeq: result.ServerSeq})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	hospital := mux.Vars(r)["hospital"]
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	batch, err := s.storage.Changes(r.Context(), hospital, since, limit)
	if err != nil {
		s.log.Error().Err(err).Int64("since", since).Msg("changes query failed")
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.hub.Serve(w, r, mux.Vars(r)["hospital"])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
