// Package api serves the admin HTTP API: administrative operations, the
// stored views of each cluster, health and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dreamware/converge/internal/admin"
	"github.com/dreamware/converge/internal/coordinator"
	"github.com/dreamware/converge/internal/metastore"
	"github.com/dreamware/converge/internal/participant"
	"github.com/dreamware/converge/internal/rebalancer"
	"github.com/dreamware/converge/internal/verifier"
)

// Options wires the server to the rest of the process. Only Admin is
// required; routes whose dependency is missing answer 404.
type Options struct {
	Admin *admin.Admin
	// Client is used by the verify route to read snapshots.
	Client metastore.Client
	// Listeners counts watches for the listeners route.
	Listeners verifier.ListenerCounter
	Health    *coordinator.HealthMonitor
	// Assignments returns the placement of a cluster led by this process,
	// or nil.
	Assignments func(clusterName string) *coordinator.AssignmentRegistry
	// Replicas returns the replicas hosted by a participant running in this
	// process, or false when it runs elsewhere.
	Replicas func(clusterName, instance string) ([]participant.ReplicaInfo, bool)
	Gatherer    prometheus.Gatherer
	Strategy    string
	// VerifyAttempts and VerifyInterval bound the verify route's polling.
	VerifyAttempts int
	VerifyInterval time.Duration
	Logger         zerolog.Logger
}

// Server is the admin API.
type Server struct {
	opts   Options
	router chi.Router
	logger zerolog.Logger
}

// New builds the router.
func New(opts Options) *Server {
	if opts.Strategy == "" {
		opts.Strategy = rebalancer.BalancedStrategy
	}
	if opts.VerifyAttempts <= 0 {
		opts.VerifyAttempts = verifier.DefaultMaxAttempts
	}
	if opts.VerifyInterval <= 0 {
		opts.VerifyInterval = verifier.DefaultInterval
	}
	s := &Server{
		opts:   opts,
		router: chi.NewRouter(),
		logger: opts.Logger.With().Str("layer", "api").Logger(),
	}
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.registerRoutes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("admin api listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdown)
}

func (s *Server) registerRoutes() {
	s.router.Get("/health", s.handleHealth)
	if s.opts.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	s.router.Route("/clusters", func(r chi.Router) {
		r.Get("/", s.listClusters)
		r.Post("/", s.addCluster)

		r.Route("/{cluster}", func(r chi.Router) {
			r.Get("/", s.getCluster)
			r.Get("/leader", s.getLeader)
			r.Post("/grand", s.addToGrand)
			r.Get("/assignments", s.getAssignments)
			r.Get("/listeners", s.getListeners)
			r.Post("/verify", s.verify)

			r.Route("/instances", func(r chi.Router) {
				r.Get("/", s.listInstances)
				r.Post("/", s.addInstance)
				r.Delete("/{instance}", s.dropInstance)
				r.Post("/{instance}/enable", s.enableInstance)
				r.Get("/{instance}/replicas", s.getReplicas)
			})

			r.Route("/resources", func(r chi.Router) {
				r.Get("/", s.listResources)
				r.Post("/", s.addResource)
				r.Route("/{resource}", func(r chi.Router) {
					r.Get("/", s.getResource)
					r.Delete("/", s.dropResource)
					r.Post("/rebalance", s.rebalance)
					r.Get("/idealstate", s.getIdealState)
					r.Get("/externalview", s.getExternalView)
				})
			})
		})
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.opts.Health.AllHealthy() {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"status": status,
		"probes": s.opts.Health.GetAllHealth(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug().Err(err).Msg("write response")
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"error":  message,
		"status": status,
	})
}

// fail maps an operation error to its status code.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, admin.ErrClusterExists),
		errors.Is(err, admin.ErrInstanceExists),
		errors.Is(err, admin.ErrResourceExists),
		errors.Is(err, admin.ErrInstanceLive):
		status = http.StatusConflict
	case errors.Is(err, admin.ErrNoCluster),
		errors.Is(err, admin.ErrNoInstance),
		errors.Is(err, admin.ErrNoResource),
		errors.Is(err, metastore.ErrNoNode):
		status = http.StatusNotFound
	case errors.Is(err, admin.ErrInvalidArgument),
		errors.Is(err, admin.ErrUnknownStateModel):
		status = http.StatusBadRequest
	}
	s.errorResponse(w, status, err.Error())
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
