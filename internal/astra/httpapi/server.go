// Package httpapi exposes the Sandbox Lifecycle Manager and Session
// Controller over HTTP, using a plain net/http.ServeMux routing style (no
// router framework) with promhttp for /metrics and a handleHealthz liveness
// probe.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astraforge/sandbox-core/internal/astra/astraerrors"
	"github.com/astraforge/sandbox-core/internal/astra/auth"
	"github.com/astraforge/sandbox-core/internal/astra/config"
	"github.com/astraforge/sandbox-core/internal/astra/eventbus"
	astragraph "github.com/astraforge/sandbox-core/internal/astra/graph"
	astrametrics "github.com/astraforge/sandbox-core/internal/astra/metrics"
	"github.com/astraforge/sandbox-core/internal/astra/sandbox"
	"github.com/astraforge/sandbox-core/internal/astra/snapshot"
	"github.com/astraforge/sandbox-core/internal/astra/store"
	"github.com/astraforge/sandbox-core/internal/observability"
)

// Runner launches a conversation's Agent Graph Driver on a worker goroutine.
// The Session Controller's create/resume operations use this instead of
// calling Driver.Run directly so the HTTP handler never blocks on a run.
type Runner interface {
	Launch(sessionID string, fn func(ctx context.Context) error)
}

// Server wires every dependency the HTTP surface needs: persistence, the
// Sandbox Manager, the Snapshot Store, the Event Bus, the Agent Graph
// Driver's inbox, authentication, and metrics.
type Server struct {
	cfg     config.Config
	store   store.Store
	sandbox *sandbox.Manager
	snaps   *snapshot.Store
	bus     *eventbus.Bus
	inbox   *astragraph.Inbox
	driver  *astragraph.Driver
	runner  Runner
	authn   auth.Authenticator
	metrics *astrametrics.Metrics
	log     *observability.Logger
	started time.Time

	httpServer   *http.Server
	httpListener net.Listener
}

// Deps bundles Server's constructor arguments.
type Deps struct {
	Config    config.Config
	Store     store.Store
	Sandbox   *sandbox.Manager
	Snapshots *snapshot.Store
	Bus       *eventbus.Bus
	Inbox     *astragraph.Inbox
	Driver    *astragraph.Driver
	Runner    Runner
	Authn     auth.Authenticator
	Metrics   *astrametrics.Metrics
	Log       *observability.Logger
}

// New constructs a Server from Deps.
func New(d Deps) *Server {
	return &Server{
		cfg:     d.Config,
		store:   d.Store,
		sandbox: d.Sandbox,
		snaps:   d.Snapshots,
		bus:     d.Bus,
		inbox:   d.Inbox,
		driver:  d.Driver,
		runner:  d.Runner,
		authn:   d.Authn,
		metrics: d.Metrics,
		log:     d.Log,
		started: time.Now(),
	}
}

// Mux builds the full route table.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	protected := http.NewServeMux()
	protected.HandleFunc("/sandbox/sessions/", s.routeSandboxSessions)
	protected.HandleFunc("/astra-control/sessions/", s.routeControlSessions)
	protected.HandleFunc("/runs/", s.routeRunLogs)

	mux.Handle("/sandbox/", s.withMiddleware(protected))
	mux.Handle("/astra-control/", s.withMiddleware(protected))
	mux.Handle("/runs/", s.withMiddleware(protected))

	return mux
}

// withMiddleware wraps next with auth, then request logging/metrics.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return s.logAndMeasure(s.requireAuth(next))
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authn == nil {
			next.ServeHTTP(w, r)
			return
		}
		principal, ok := s.authn.Authenticate(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := observability.AddUserID(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) logAndMeasure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		if s.log != nil {
			s.log.Info(r.Context(), "http request", "method", r.Method, "path", r.URL.Path,
				"status", sw.status, "duration_ms", time.Since(start).Milliseconds())
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Serve starts the HTTP listener and blocks; the caller's goroutine is
// expected to run this in the background and call Shutdown to stop it.
func (s *Server) Serve(ctx context.Context) error {
	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":8080"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.httpListener = listener

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		WriteTimeout:      s.cfg.Server.WriteTimeout, // 0: SSE streams must not be write-deadlined
	}

	if s.log != nil {
		s.log.Info(ctx, "starting http server", "addr", addr)
	}
	err = s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the listener, bounded by the configured
// shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	response := map[string]any{
		"status":     "ok",
		"uptime_sec": int(time.Since(s.started).Seconds()),
	}
	if s.store != nil {
		if sessions, err := s.store.ListReadySessions(r.Context()); err == nil {
			response["active_sessions"] = len(sessions)
		} else {
			response["status"] = "degraded"
			response["store_error"] = err.Error()
		}
	}
	data, err := json.Marshal(response)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if response["status"] != "ok" {
		status = http.StatusServiceUnavailable
	}
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// statusForError maps a sentinel/structured error to the appropriate HTTP
// status code.
func statusForError(err error) int {
	switch {
	case errors.Is(err, astraerrors.ErrSessionNotFound),
		errors.Is(err, astraerrors.ErrSnapshotNotFound),
		errors.Is(err, astraerrors.ErrConversationNotFound),
		errors.Is(err, astraerrors.ErrCheckpointNotFound):
		return http.StatusNotFound
	case errors.Is(err, astraerrors.ErrSessionTerminated),
		errors.Is(err, astraerrors.ErrRestoreConflict),
		errors.Is(err, astraerrors.ErrNoPendingInterrupt):
		return http.StatusConflict
	case errors.Is(err, astraerrors.ErrSessionBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, astraerrors.ErrPolicyBlocked):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
