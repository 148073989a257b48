package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/statebridge/root-relayer/store"
)

// StatusReader is the slice of the status store the API exposes.
type StatusReader interface {
	GetStatus(ctx context.Context) (*store.SyncStatus, error)
}

// statusResponse mirrors the external shape of the durable status row.
type statusResponse struct {
	Status     string  `json:"status"`
	LastSynced *string `json:"lastSynced"`
}

// Server exposes the persisted sync status over HTTP.
type Server struct {
	status StatusReader
	srv    *http.Server
}

// NewServer builds the status API listening on host:port.
func NewServer(status StatusReader, host string, port int) *Server {
	s := &Server{status: status}

	router := mux.NewRouter()
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:      cors.Default().Handler(router),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves the API in the background.
func (s *Server) Start() {
	log.Info("Status API started", "address", s.srv.Addr)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Status API failed", "message", err)
		}
	}()
}

// Stop shuts the API down, waiting for in-flight requests up to the context
// deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.status.GetStatus(r.Context())
	if err != nil {
		log.Error("Failed to read sync status", "message", err)
		http.Error(w, "failed to read sync status", http.StatusInternalServerError)
		return
	}

	resp := statusResponse{Status: string(status.Status)}
	if status.LastSynced != nil {
		formatted := status.LastSynced.UTC().Format(time.RFC3339)
		resp.LastSynced = &formatted
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error("Failed to encode status response", "message", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}
