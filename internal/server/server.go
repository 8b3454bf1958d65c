// Package server exposes the HTTP surface: the ingest endpoint, the
// project-scoped dashboard API, health probes and the metrics endpoint.
//
// Two separate credentials guard the two surfaces. Ingest authenticates
// with a project API key in X-Api-Key; the dashboard authenticates with a
// bearer token and selects its tenant through X-Project-Id. Cross-tenant
// requests fail as 404, indistinguishable from a miss.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"faultline/internal/alert"
	"faultline/internal/apierr"
	"faultline/internal/auth"
	"faultline/internal/channel"
	"faultline/internal/dispatch"
	"faultline/internal/ingest"
	"faultline/internal/logging"
	"faultline/internal/metric"
	"faultline/internal/quota"
	"faultline/internal/registry"
	"faultline/internal/report"
	"faultline/internal/store"
)

// Version is set at build time.
var Version = "dev"

// handlerTimeout bounds every API request; chi answers 504 past it.
const handlerTimeout = 10 * time.Second

// Enqueuer hands accepted events to the evaluation pipeline. It reports
// whether the event was queued; a shed event loses only its alerting pass.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev alert.Event) bool
}

// Config wires the server's collaborators. Store, Registry, Ingest and
// Tokens are required; a nil optional field disables its feature.
type Config struct {
	Store      store.Store
	Registry   *registry.Registry
	Ingest     *ingest.Service
	Pipeline   Enqueuer // nil skips rule evaluation
	Dispatcher *dispatch.Dispatcher
	Adapters   channel.Set
	Quota      quota.Limiter
	Tokens     *auth.TokenService
	Reports    *report.Generator
	Metrics    *metric.Metrics // nil disables /metrics
	Redis      *redis.Client   // nil means inline caches, reported by /health/cache
	Origins    []string        // allowed dashboard CORS origins
	BaseURL    string          // externally visible base URL for share links
	Logger     *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	store      store.Store
	registry   *registry.Registry
	ingestor   *ingest.Service
	pipeline   Enqueuer
	dispatcher *dispatch.Dispatcher
	adapters   channel.Set
	quota      quota.Limiter
	tokens     *auth.TokenService
	reports    *report.Generator
	metrics    *metric.Metrics
	rdb        *redis.Client
	baseURL    string
	logger     *slog.Logger

	handler http.Handler
	started time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener

	// draining rejects new requests during shutdown while inFlight lets
	// the ones already admitted finish.
	draining atomic.Bool
	inFlight sync.WaitGroup
}

// New builds the server and its route tree.
func New(cfg Config) *Server {
	s := &Server{
		store:      cfg.Store,
		registry:   cfg.Registry,
		ingestor:   cfg.Ingest,
		pipeline:   cfg.Pipeline,
		dispatcher: cfg.Dispatcher,
		adapters:   cfg.Adapters,
		quota:      cfg.Quota,
		tokens:     cfg.Tokens,
		reports:    cfg.Reports,
		metrics:    cfg.Metrics,
		rdb:        cfg.Redis,
		baseURL:    cfg.BaseURL,
		logger:     logging.Default(cfg.Logger).With("component", "server"),
		started:    time.Now(),
	}
	s.handler = s.routes(cfg.Origins)
	return s
}

func (s *Server) routes(origins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLog)
	r.Use(chimw.Recoverer)
	r.Use(s.track)
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Api-Key", "X-Project-Id"},
			ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(compressResponses)

	r.Get("/health", s.handleHealth)
	r.Get("/health/db", s.handleHealthDB)
	r.Get("/health/cache", s.handleHealthCache)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		api.Use(chimw.Timeout(handlerTimeout))

		// Ingest: key-authenticated, quota-limited. Quota runs first so
		// unauthenticated probing burns its per-IP budget too.
		api.With(s.quotaLimit, s.keyAuth).Post("/errors", s.handleIngest)

		// Shared report links carry their own credential in the path.
		api.Get("/reports/share/{token}", s.handleSharedReport)

		api.Group(func(g chi.Router) {
			g.Use(s.bearerAuth)

			// Project lifecycle addresses tenants by path, not header.
			g.Get("/projects", s.handleListProjects)
			g.Post("/projects", s.handleCreateProject)
			g.Patch("/projects/{id}", s.handleUpdateProject)
			g.Delete("/projects/{id}", s.handleDeleteProject)
			g.Post("/projects/{id}/rotate-key", s.handleRotateKey)

			g.Group(func(d chi.Router) {
				d.Use(s.projectScope)

				d.Get("/projects/current", s.handleCurrentProject)

				d.Get("/errors", s.handleListGroups)
				d.Route("/errors/{id}", func(er chi.Router) {
					er.Get("/", s.handleGetGroup)
					er.With(requireRole(store.RoleDeveloper)).Patch("/", s.handleGroupStatus)
					er.With(requireRole(store.RoleDeveloper)).Patch("/assignment", s.handleGroupAssignment)
					er.With(requireRole(store.RoleAdmin)).Delete("/", s.handleDeleteGroup)
				})

				d.Route("/analytics", func(ar chi.Router) {
					ar.Get("/overview", s.handleOverview)
					ar.Get("/trends", s.handleTrends)
					ar.Get("/top-errors", s.handleTopErrors)
					ar.Get("/patterns", s.handlePatterns)
					ar.Get("/related-errors", s.handleRelatedErrors)
					ar.Get("/user-impact", s.handleUserImpact)
					ar.Get("/resolution", s.handleResolution)
				})

				d.Route("/alert-rules", func(rr chi.Router) {
					rr.Get("/", s.handleListRules)
					rr.With(requireRole(store.RoleAdmin)).Post("/", s.handleCreateRule)
					rr.Route("/{id}", func(one chi.Router) {
						one.Get("/", s.handleGetRule)
						one.With(requireRole(store.RoleAdmin)).Patch("/", s.handleUpdateRule)
						one.With(requireRole(store.RoleAdmin)).Delete("/", s.handleDeleteRule)
						one.With(requireRole(store.RoleAdmin)).Post("/test", s.handleTestRule)
					})
				})

				d.Route("/team", func(tr chi.Router) {
					tr.Get("/members", s.handleListMembers)
					tr.With(requireRole(store.RoleAdmin)).Post("/members", s.handleCreateMember)
					tr.Get("/members/{id}", s.handleGetMember)
					tr.With(requireRole(store.RoleAdmin)).Patch("/members/{id}", s.handleUpdateMember)
					tr.With(requireRole(store.RoleAdmin)).Delete("/members/{id}", s.handleDeleteMember)
					tr.Get("/performance", s.handleTeamPerformance)
				})

				d.Route("/reports", func(rp chi.Router) {
					rp.With(requireRole(store.RoleDeveloper)).Post("/generate", s.handleGenerateReport)
					rp.Get("/runs", s.handleListRuns)
					rp.Get("/runs/{id}", s.handleGetRun)
					rp.Get("/runs/{id}/download", s.handleDownloadRun)
					rp.With(requireRole(store.RoleDeveloper)).Post("/runs/{id}/share", s.handleShareRun)
					rp.Get("/schedules", s.handleListSchedules)
					rp.With(requireRole(store.RoleAdmin)).Post("/schedules", s.handleCreateSchedule)
					rp.Get("/schedules/{id}", s.handleGetSchedule)
					rp.With(requireRole(store.RoleAdmin)).Patch("/schedules/{id}", s.handleUpdateSchedule)
					rp.With(requireRole(store.RoleAdmin)).Delete("/schedules/{id}", s.handleDeleteSchedule)
					rp.With(requireRole(store.RoleDeveloper)).Post("/schedules/{id}/run", s.handleRunSchedule)
				})

				d.Get("/deployments", s.handleListDeployments)
				d.With(requireRole(store.RoleDeveloper)).Post("/deployments", s.handleAddDeployment)
			})
		})
	})

	return r
}

// requestLog stamps the request id on the response and logs the outcome.
// 5xx responses log at warn, everything else at debug.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := chimw.GetReqID(r.Context())
		if reqID != "" {
			w.Header().Set("X-Request-Id", reqID)
		}
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		level := slog.LevelDebug
		if ww.Status() >= 500 {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", reqID,
		)
	})
}

// track counts in-flight requests and refuses new ones while draining.
// http.Server.Shutdown covers HTTP/1 connections; the explicit gate also
// covers h2c streams opened on connections Shutdown considers idle.
func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			apierr.Write(w, apierr.Unavailable("server is shutting down"))
			return
		}
		s.inFlight.Add(1)
		defer s.inFlight.Done()
		next.ServeHTTP(w, r)
	})
}

// Handler returns the route tree for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// ServeTCP listens on addr and serves until Stop.
func (s *Server) ServeTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. h2c lets local tooling and proxies
// speak HTTP/2 without TLS; TLS termination is an ingress concern.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           h2c.NewHandler(s.handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("listening", "addr", ln.Addr().String(), "version", Version)
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests and shuts the listener down. New requests
// get 503 immediately; ctx bounds how long the drain may take.
func (s *Server) Stop(ctx context.Context) error {
	s.draining.Store(true)

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
