// Package httpapi exposes the engine over HTTP: chat, task lifecycle,
// model inventory, health, metrics, the subconscious SSE stream, and
// witness collapse. All handlers speak JSON; errors carry a stable
// machine-readable kind.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sos-labs/sos/internal/audit"
	"github.com/sos-labs/sos/internal/bus"
	"github.com/sos-labs/sos/internal/capability"
	"github.com/sos-labs/sos/internal/config"
	"github.com/sos-labs/sos/internal/engine"
	"github.com/sos-labs/sos/internal/memory"
	"github.com/sos-labs/sos/internal/metrics"
	"github.com/sos-labs/sos/internal/provider"
	"github.com/sos-labs/sos/internal/resilience"
	"github.com/sos-labs/sos/internal/task"
	"github.com/sos-labs/sos/internal/worker"
)

// subconsciousInterval is the SSE emission period for /stream/subconscious.
const subconsciousInterval = 2 * time.Second

// Deps bundles what the HTTP surface serves.
type Deps struct {
	Cfg      config.Config
	Engine   *engine.Engine
	Tasks    *task.Store
	Workers  *worker.Registry
	Registry *provider.Registry
	Bus      *bus.Bus
	Memory   *memory.Client
	Audit    *audit.Store
	Limiter  *resilience.Limiter
	Metrics  *metrics.Metrics
	Verifier *capability.Verifier
	Log      *zap.Logger
}

// Server is the HTTP surface.
type Server struct {
	deps    Deps
	log     *zap.Logger
	version string
	started time.Time

	gate *gatekeeper

	// chatSlots bounds concurrent chat requests; a full channel answers 429.
	chatSlots chan struct{}
}

// New builds the server and its middleware chain.
func New(deps Deps, version string) *Server {
	slots := deps.Cfg.Engine.MaxInFlightChat
	if slots <= 0 {
		slots = 64
	}
	return &Server{
		deps:      deps,
		log:       deps.Log,
		version:   version,
		started:   time.Now(),
		gate:      newGatekeeper(deps.Verifier, deps.Audit, deps.Metrics, deps.Cfg.StrictCapabilities, deps.Cfg.AgentID, deps.Log),
		chatSlots: make(chan struct{}, slots),
	}
}

// Handler assembles the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /chat", s.gated("chat", http.HandlerFunc(s.handleChat)))
	mux.Handle("GET /tasks", http.HandlerFunc(s.handleListTasks))
	mux.Handle("GET /tasks/{id}", http.HandlerFunc(s.handleGetTask))
	mux.Handle("POST /tasks/{id}/submit", s.gated("submit", http.HandlerFunc(s.handleSubmit)))
	mux.Handle("GET /models", http.HandlerFunc(s.handleModels))
	mux.Handle("GET /workers", http.HandlerFunc(s.handleWorkers))
	mux.Handle("GET /health", http.HandlerFunc(s.handleHealth))
	mux.Handle("GET /audit", http.HandlerFunc(s.handleAudit))
	mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	mux.Handle("GET /stream/subconscious", http.HandlerFunc(s.handleSubconscious))
	mux.Handle("POST /witness", s.gated("witness", http.HandlerFunc(s.handleWitness)))

	return s.instrument(mux)
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.deps.Cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("http surface listening", zap.String("addr", s.deps.Cfg.ListenAddr))

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// healthChecks probes every collaborator the daemon depends on.
func (s *Server) healthChecks(ctx context.Context) map[string]string {
	checks := map[string]string{}

	probe := func(name string, fn func() error) {
		if err := fn(); err != nil {
			checks[name] = err.Error()
		} else {
			checks[name] = "ok"
		}
	}

	probe("queue", func() error { return s.deps.Bus.Ping(ctx) })
	probe("memory", func() error {
		if !s.deps.Memory.Configured() {
			return errNotConfigured
		}
		return s.deps.Memory.Health(ctx)
	})
	probe("database", func() error {
		if s.deps.Audit == nil {
			return nil
		}
		return s.deps.Audit.Ping()
	})
	probe("economy", func() error { return probeURL(ctx, s.deps.Cfg.EconomyURL) })
	probe("tools", func() error { return probeURL(ctx, s.deps.Cfg.ToolsURL) })

	return checks
}

// probeURL hits a collaborator's /health; an unconfigured collaborator is
// reported as such rather than failed.
func probeURL(ctx context.Context, base string) error {
	if base == "" {
		return errNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errUnhealthy
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := s.healthChecks(r.Context())

	// The queue is load-bearing; collaborators only degrade.
	status := "ok"
	if checks["queue"] != "ok" {
		status = "unhealthy"
	} else {
		for name, v := range checks {
			if v != "ok" && v != errNotConfigured.Error() && name != "queue" {
				status = "degraded"
				break
			}
		}
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"service":        "sosd",
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"checks":         checks,
	})
}

// handleSubconscious streams the coherence field state as server-sent
// events until the client disconnects.
func (s *Server) handleSubconscious(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errKind(http.StatusInternalServerError, "Internal", "streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(subconsciousInterval)
	defer ticker.Stop()

	emit := func() bool {
		st, err := s.deps.Engine.ARF(r.Context())
		if err != nil {
			s.log.Debug("subconscious sample failed", zap.Error(err))
			return true
		}
		data, err := json.Marshal(st)
		if err != nil {
			return true
		}
		if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !emit() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !emit() {
				return
			}
		}
	}
}

// instrument wraps the whole mux with request metrics, the audit trail,
// and access logging. Metrics are labelled by the matched route pattern,
// not the raw path, so task IDs do not mint unbounded label series.
func (s *Server) instrument(next *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if _, pattern := next.Handler(r); pattern != "" {
			route = pattern
		}
		s.deps.Metrics.InFlight.WithLabelValues(route).Inc()
		defer s.deps.Metrics.InFlight.WithLabelValues(route).Dec()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		latency := time.Since(start)

		s.deps.Metrics.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		s.deps.Metrics.RequestDuration.WithLabelValues(route).Observe(latency.Seconds())

		if s.deps.Audit != nil {
			if err := s.deps.Audit.RecordRequest(audit.RequestEntry{
				Method:    r.Method,
				Route:     route,
				Subject:   subjectFrom(r.Context()),
				Status:    rec.status,
				LatencyMS: latency.Milliseconds(),
			}); err != nil {
				s.log.Warn("audit write failed", zap.Error(err))
			}
		}
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", rec.status),
			zap.Duration("latency", latency))
	})
}

// statusRecorder captures the response code for metrics and audit.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so SSE works through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
