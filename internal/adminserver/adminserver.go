// Package adminserver implements the MME's chi-routed admin/debug HTTP
// surface: /stats, /ues, /healthz, /metrics on a loopback-bound port
// (SPEC_FULL.md §4.6c). Grounded on the teacher's NRF server
// (nf/nrf/internal/server/server.go: chi.NewRouter, middleware stack,
// respondJSON/respondError pair) - the JSON marshaling here is done
// properly with encoding/json rather than the teacher's own
// fmt.Fprintf("%+v", ...) placeholder, since this is the surface's real
// implementation rather than a stub awaiting one.
package adminserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/your-org/aalto-mme/internal/opview"
)

// Server is the admin HTTP surface.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	operator   opview.Operator
	logger     *zap.Logger
}

// New builds a Server bound to addr, wired against operator for its
// read/write operations.
func New(addr string, operator opview.Operator, logger *zap.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		operator: operator,
		logger:   logger,
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/stats", s.handleStats)
	s.router.Get("/ues", s.handleUEs)
	s.router.Delete("/ues/{imsi}", s.handleReleaseUE)
}

// Start runs the HTTP server until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("starting admin HTTP server", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.operator.Stats())
}

func (s *Server) handleUEs(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.operator.ListUEs())
}

func (s *Server) handleReleaseUE(w http.ResponseWriter, r *http.Request) {
	imsi := chi.URLParam(r, "imsi")
	if err := s.operator.ReleaseUE(imsi); err != nil {
		s.respondError(w, http.StatusNotFound, "failed to release UE", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"imsi": imsi, "status": "released"})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("admin HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("admin server: encoding response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string, err error) {
	s.logger.Warn(message, zap.Error(err))
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"title":  message,
		"detail": err.Error(),
	})
}
