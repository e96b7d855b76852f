// Package server exposes the HTTP surface: the websocket upgrade endpoint
// plus health and metrics handlers.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"multimeet-server/internal/conference"
	"multimeet-server/internal/signaling"
)

type Server struct {
	registry   *conference.Registry
	dispatcher *signaling.Dispatcher
	logger     *slog.Logger

	upgrader websocket.Upgrader

	totalConnections  atomic.Int64
	activeConnections atomic.Int64
}

func New(registry *conference.Registry, dispatcher *signaling.Dispatcher, logger *slog.Logger) *Server {
	return &Server{
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
	}
}

// Routes registers all handlers on the mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.healthz)
	mux.HandleFunc("/readyz", s.healthz)
	mux.HandleFunc("/metrics", s.metrics)
	mux.HandleFunc("/rtc/v1/ws", s.handleWS)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) metrics(w http.ResponseWriter, _ *http.Request) {
	rooms := s.registry.Snapshot()
	totalPeers := 0
	for _, peers := range rooms {
		totalPeers += peers
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"active_rooms":       len(rooms),
		"total_peers":        totalPeers,
		"active_connections": s.activeConnections.Load(),
		"total_connections":  s.totalConnections.Load(),
		"rooms":              rooms,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	s.totalConnections.Add(1)
	s.activeConnections.Add(1)
	defer s.activeConnections.Add(-1)

	s.dispatcher.Serve(conn)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
