// Package ops runs the monitoring HTTP server: health, Prometheus
// metrics and a JSON status view of the running engine.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// StatusFunc supplies the live status document.
type StatusFunc func() interface{}

// Server is the ops HTTP listener.
type Server struct {
	srv *http.Server
}

// NewServer builds the listener. status may be nil.
func NewServer(listen string, status StatusFunc) *Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var doc interface{} = map[string]string{"status": "running"}
		if status != nil {
			doc = status()
		}
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			log.Warn().Err(err).Msg("status encode failed")
		}
	}).Methods(http.MethodGet)

	return &Server{srv: &http.Server{
		Addr:              listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		log.Info().Str("listen", s.srv.Addr).Msg("ops server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("ops server stopped")
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
