package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server runs an HTTP server exposing /metrics, /healthz and any extra
// handlers mounted with Handle.
type Server struct {
	mux *http.ServeMux
	srv *http.Server
	log zerolog.Logger
}

// NewServer creates the server. A nil gatherer means the default registry.
func NewServer(addr string, g prometheus.Gatherer, health *HealthStatus, log zerolog.Logger) *Server {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		mux: mux,
		srv: &http.Server{Addr: addr, Handler: mux},
		log: log.With().Str("component", "http").Logger(),
	}
}

// Handle mounts h at pattern. Call before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// HandleFunc mounts fn at pattern. Call before Start.
func (s *Server) HandleFunc(pattern string, fn func(http.ResponseWriter, *http.Request)) {
	s.mux.HandleFunc(pattern, fn)
}

// Handler returns the root handler (for tests).
func (s *Server) Handler() http.Handler { return s.mux }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("listening")
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("server error")
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
