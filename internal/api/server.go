// Package api exposes the controller over HTTP: signal ingest, direct
// cluster operations, verification, and introspection.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/smartops/remediator/internal/audit"
	"github.com/smartops/remediator/internal/cluster"
	"github.com/smartops/remediator/internal/loop"
	"github.com/smartops/remediator/internal/mapper"
	"github.com/smartops/remediator/internal/ratelimit"
	"github.com/smartops/remediator/internal/signal"
	"github.com/smartops/remediator/internal/verify"
)

// Server hosts the controller's HTTP API.
type Server struct {
	log      *zap.Logger
	manager  *loop.Manager
	mapper   *mapper.Mapper
	ctrl     cluster.Controller
	verifier *verify.Verifier
	store    *signal.Store
	audit    *audit.Log
	limiter  *ratelimit.IngestLimiter
	registry *prometheus.Registry

	namespace string
	http      *http.Server
}

// Options wires a Server.
type Options struct {
	Addr      string
	Namespace string
	Logger    *zap.Logger
	Manager   *loop.Manager
	Mapper    *mapper.Mapper
	Cluster   cluster.Controller
	Verifier  *verify.Verifier
	Signals   *signal.Store
	Audit     *audit.Log
	Limiter   *ratelimit.IngestLimiter
	Registry  *prometheus.Registry
}

// New builds a Server and its router.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		log:       opts.Logger,
		manager:   opts.Manager,
		mapper:    opts.Mapper,
		ctrl:      opts.Cluster,
		verifier:  opts.Verifier,
		store:     opts.Signals,
		audit:     opts.Audit,
		limiter:   opts.Limiter,
		registry:  opts.Registry,
		namespace: opts.Namespace,
	}
	s.http = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/signals", func(r chi.Router) {
			if s.limiter != nil {
				r.Use(s.limiter.Middleware)
			}
			r.Post("/anomaly", s.handleAnomaly)
			r.Post("/rca", s.handleRCA)
			r.Get("/recent", s.handleRecentSignals)
		})

		r.Route("/k8s", func(r chi.Router) {
			r.Post("/scale/{name}", s.handleScale)
			r.Post("/restart/{name}", s.handleRestart)
			r.Post("/patch/{name}", s.handlePatch)
			r.Get("/deployments", s.handleListDeployments)
			r.Get("/pods", s.handleListPods)
			r.Delete("/pods/{name}", s.handleDeletePod)
		})

		r.Post("/verify", s.handleVerify)
		r.Get("/loop/status", s.handleLoopStatus)
		r.Get("/actions/recent", s.handleRecentActions)
	})
	return r
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", zap.String("addr", s.http.Addr))
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.ctrl.ListDeployments(r.Context(), s.namespace); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
