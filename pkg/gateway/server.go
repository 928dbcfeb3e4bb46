/*
Copyright 2026 The Datagate Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package gateway is the request admission and routing core. It
// validates the (environment, endpoint) pair, authorises the caller,
// resolves the tenant and dispatches to the SQL, proxy or composite
// handler.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/datagate-io/datagate/pkg/auth"
	"github.com/datagate-io/datagate/pkg/cache"
	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/edm"
	"github.com/datagate-io/datagate/pkg/environment"
	"github.com/datagate-io/datagate/pkg/metrics"
	"github.com/datagate-io/datagate/pkg/sqlpool"
	"github.com/datagate-io/datagate/pkg/urlguard"
)

func init() {
	// MERGE is part of the accepted method set for write endpoints.
	chi.RegisterMethod("MERGE")
}

// drainTimeout bounds how long shutdown waits for in-flight requests.
const drainTimeout = 30 * time.Second

// Pinger is the slice of the token store health checks need.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the gateway together.
type Server struct {
	cfgStore *config.Store
	logger   *zap.Logger
	metrics  *metrics.Metrics
	cache    cache.Provider
	pool     *sqlpool.Pool
	guard    *auth.Guard
	urlGuard *urlguard.Guard
	registry *edm.Registry
	pinger   Pinger
	version  string

	httpServer *http.Server
	client     *http.Client
	breakers   sync.Map // upstream host -> *gobreaker.CircuitBreaker
	flight     singleflight.Group

	isShuttingDown atomic.Bool
}

// Deps carries the collaborators a Server needs.
type Deps struct {
	Config   *config.Store
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Cache    cache.Provider
	Pool     *sqlpool.Pool
	Guard    *auth.Guard
	URLGuard *urlguard.Guard
	Registry *edm.Registry
	Pinger   Pinger
	Version  string
	Client   *http.Client
}

// NewServer builds a Server from its dependencies.
func NewServer(d Deps) *Server {
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	cfg := d.Config.Current()
	s := &Server{
		cfgStore: d.Config,
		logger:   d.Logger,
		metrics:  d.Metrics,
		cache:    d.Cache,
		pool:     d.Pool,
		guard:    d.Guard,
		urlGuard: d.URLGuard,
		registry: d.Registry,
		pinger:   d.Pinger,
		version:  d.Version,
		client:   client,
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Handler:      s.Handler(),
	}
	return s
}

// Handler returns the configured router; useful with httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "MERGE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health/live", s.handleLiveness)
	r.Get("/health", s.handleHealth)
	r.Get("/health/details", s.handleHealthDetails)

	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{}))

	r.Route("/api/{environment}/{endpoint}", func(r chi.Router) {
		for _, method := range []string{"GET", "POST", "PUT", "DELETE", "MERGE"} {
			r.Method(method, "/", http.HandlerFunc(s.handleAPI))
			r.Method(method, "/{id}", http.HandlerFunc(s.handleAPI))
		}
	})

	return r
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("starting gateway",
		zap.String("addr", s.httpServer.Addr),
		zap.String("version", s.version))
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests, then releases the pool, cache
// and token store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.isShuttingDown.Store(true)

	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("drain connections: %w", err)
	}

	if err := s.pool.Close(); err != nil {
		s.logger.Warn("pool close failed", zap.Error(err))
	}
	if err := s.cache.Close(); err != nil {
		s.logger.Warn("cache close failed", zap.Error(err))
	}
	s.logger.Info("gateway shutdown complete")
	return nil
}

// handleAPI is the per-request state machine:
// parse route -> check method -> authorise -> resolve env -> dispatch.
// Any failing step short-circuits to an error response.
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	cfg := s.cfgStore.Current() // configuration snapshot for this request

	env := chi.URLParam(r, "environment")
	endpointName := chi.URLParam(r, "endpoint")
	id := chi.URLParam(r, "id")

	ep := cfg.Endpoint(env, endpointName)
	if ep == nil || ep.IsPrivate {
		// Private endpoints are reachable only as composite sub-calls;
		// from the public surface they are indistinguishable from
		// unknown ones.
		s.finish(w, r, start, "none", apiError(http.StatusNotFound, "EndpointUnknown", "endpoint not found"))
		return
	}
	kind := string(ep.Kind)

	if !ep.AllowsMethod(r.Method) {
		s.finish(w, r, start, kind, apiErrorf(http.StatusMethodNotAllowed, "MethodNotAllowed",
			"method not allowed", "%s is not enabled for %s", r.Method, ep.Name))
		return
	}

	principal, reason := s.guard.Authorize(r.Context(), bearerToken(r), env, ep.Name, auth.RequestMeta{
		Operation: r.Method + " " + r.URL.Path,
		Source:    "api",
		IP:        r.RemoteAddr,
		UserAgent: r.UserAgent(),
	})
	if reason != "" {
		s.metrics.AuthRejections.WithLabelValues(string(reason)).Inc()
		s.finish(w, r, start, kind, apiError(reason.Status(), string(reason), "authorisation failed"))
		return
	}
	_ = principal

	settings, err := environment.NewResolver(cfg).Load(env)
	if err != nil {
		s.logger.Warn("environment resolution failed",
			zap.String("environment", env),
			zap.Error(err))
		s.finish(w, r, start, kind, asError(err))
		return
	}

	var gwErr *Error
	switch ep.Kind {
	case config.KindSQL:
		gwErr = s.handleSQL(w, r, ep, settings, env, id)
	case config.KindProxy:
		gwErr = s.handleProxy(w, r, ep, settings, env, id)
	case config.KindComposite:
		gwErr = s.handleComposite(w, r, cfg, ep, settings, env)
	default:
		gwErr = apiError(http.StatusInternalServerError, "InternalError", "internal error")
	}
	s.finish(w, r, start, kind, gwErr)
}

// finish records metrics and writes the error response, if any. A nil
// error means the handler already wrote the response.
func (s *Server) finish(w http.ResponseWriter, r *http.Request, start time.Time, kind string, gwErr *Error) {
	status := http.StatusOK
	if gwErr != nil {
		status = gwErr.Status
		writeError(w, gwErr)
	}
	s.metrics.HTTPRequests.WithLabelValues(r.Method, kind, strconv.Itoa(status)).Inc()
	s.metrics.RequestDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", r.RemoteAddr),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// --- health ---

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Alive"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if gwErr := s.requireAuth(r); gwErr != nil {
		writeError(w, gwErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    s.overallStatus(r.Context()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type healthCheck struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Duration string `json:"duration"`
	Detail   string `json:"detail,omitempty"`
}

func (s *Server) handleHealthDetails(w http.ResponseWriter, r *http.Request) {
	if gwErr := s.requireAuth(r); gwErr != nil {
		writeError(w, gwErr)
		return
	}
	start := time.Now()
	checks := s.runChecks(r.Context())

	status := "Healthy"
	for _, c := range checks {
		if c.Status != "Healthy" {
			status = "Degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"checks":        checks,
		"totalDuration": time.Since(start).String(),
		"version":       s.version,
	})
}

func (s *Server) requireAuth(r *http.Request) *Error {
	_, reason := s.guard.Authenticate(r.Context(), bearerToken(r), auth.RequestMeta{
		Operation: r.Method + " " + r.URL.Path,
		Source:    "health",
		IP:        r.RemoteAddr,
		UserAgent: r.UserAgent(),
	})
	if reason != "" {
		s.metrics.AuthRejections.WithLabelValues(string(reason)).Inc()
		return apiError(reason.Status(), string(reason), "authorisation failed")
	}
	return nil
}

func (s *Server) overallStatus(ctx context.Context) string {
	for _, c := range s.runChecks(ctx) {
		if c.Status != "Healthy" {
			return "Degraded"
		}
	}
	return "Healthy"
}

func (s *Server) runChecks(ctx context.Context) []healthCheck {
	var checks []healthCheck

	if s.pinger != nil {
		start := time.Now()
		status, detail := "Healthy", ""
		if err := s.pinger.Ping(ctx); err != nil {
			status, detail = "Unhealthy", err.Error()
		}
		checks = append(checks, healthCheck{
			Name: "tokenstore", Status: status,
			Duration: time.Since(start).String(), Detail: detail,
		})
	}

	start := time.Now()
	cacheStatus := "Healthy"
	if !s.cache.IsConnected(ctx) {
		cacheStatus = "Unhealthy"
	}
	checks = append(checks, healthCheck{
		Name: "cache", Status: cacheStatus,
		Duration: time.Since(start).String(),
	})

	return checks
}
