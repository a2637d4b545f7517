package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/jul-fls/plexrewind/internal/monitor"
	"github.com/jul-fls/plexrewind/internal/watchdog"
)

// Server exposes the health and status endpoints.
type Server struct {
	port       int
	bind       string
	router     *chi.Mux
	supervisor *watchdog.Supervisor
	manager    *monitor.Manager
}

// NewServer creates the status server.
func NewServer(port int, bind string, supervisor *watchdog.Supervisor, manager *monitor.Manager) *Server {
	s := &Server{
		port:       port,
		bind:       bind,
		router:     chi.NewRouter(),
		supervisor: supervisor,
		manager:    manager,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Connection string                  `json:"connection"`
	Attempts   int                     `json:"attempts"`
	Monitoring string                  `json:"monitoring"`
	Sessions   []monitor.MonitorStatus `json:"sessions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state, sessions := s.manager.Snapshot()
	writeJSON(w, http.StatusOK, statusResponse{
		Connection: s.supervisor.State().String(),
		Attempts:   s.supervisor.Attempts(),
		Monitoring: state.String(),
		Sessions:   sessions,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	var addr string
	if s.bind != "" {
		addr = fmt.Sprintf("%s:%d", s.bind, s.port)
	} else {
		addr = fmt.Sprintf(":%d", s.port)
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Starting status server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down status server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}
