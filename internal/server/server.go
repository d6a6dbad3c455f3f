package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	gosync "sync"
	"time"

	"github.com/wesm/callsync/internal/config"
	"github.com/wesm/callsync/internal/crm"
	"github.com/wesm/callsync/internal/db"
	"github.com/wesm/callsync/internal/sync"
)

// VersionInfo holds build-time version metadata.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Server is the local JSON API the UI screens talk to.
type Server struct {
	mu      gosync.Mutex
	closed  bool
	cfg     config.Config
	db      *db.DB
	engine  *sync.Engine
	crm     *crm.Service
	mux     *http.ServeMux
	httpSrv *http.Server
	version VersionInfo

	// statusInterval is how often the events stream samples
	// the engine status.
	statusInterval time.Duration

	// handlerDelay is injected before each timeout-wrapped
	// handler, used only by tests to guarantee handlers
	// exceed a short timeout. Zero in production.
	handlerDelay time.Duration
}

// New creates a new Server.
func New(
	cfg config.Config, database *db.DB, engine *sync.Engine,
	svc *crm.Service, opts ...Option,
) *Server {
	s := &Server{
		cfg:            cfg,
		db:             database,
		engine:         engine,
		crm:            svc,
		mux:            http.NewServeMux(),
		statusInterval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the build-time version metadata.
func WithVersion(v VersionInfo) Option {
	return func(s *Server) { s.version = v }
}

// WithStatusInterval sets how often the events stream samples
// the sync status. Non-positive values are ignored.
func WithStatusInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.statusInterval = d
		}
	}
}

func (s *Server) routes() {
	s.mux.Handle("GET /api/v1/leads", s.withTimeout(s.handleListLeads))
	s.mux.Handle("POST /api/v1/leads", s.withTimeout(s.handleCreateLead))
	s.mux.Handle("GET /api/v1/leads/{id}", s.withTimeout(s.handleGetLead))
	s.mux.Handle("PATCH /api/v1/leads/{id}", s.withTimeout(s.handleUpdateLead))
	s.mux.Handle("DELETE /api/v1/leads/{id}", s.withTimeout(s.handleDeleteLead))
	s.mux.Handle("GET /api/v1/calls", s.withTimeout(s.handleListCalls))
	s.mux.Handle("POST /api/v1/calls", s.withTimeout(s.handleCreateCall))
	s.mux.Handle("PATCH /api/v1/calls/{id}", s.withTimeout(s.handleUpdateCall))
	s.mux.Handle("POST /api/v1/refresh", s.withTimeout(s.handleRefresh))

	s.mux.Handle("GET /api/v1/sync/queue", s.withTimeout(s.handleSyncQueue))
	s.mux.Handle("GET /api/v1/sync/failed", s.withTimeout(s.handleListFailed))
	s.mux.Handle("DELETE /api/v1/sync/failed", s.withTimeout(s.handleClearFailed))
	s.mux.Handle(
		"POST /api/v1/sync/failed/retry", s.withTimeout(s.handleRetryAllFailed),
	)
	s.mux.Handle(
		"POST /api/v1/sync/failed/{id}/retry", s.withTimeout(s.handleRetryFailed),
	)
	s.mux.Handle("GET /api/v1/sync/status", s.withTimeout(s.handleSyncStatus))
	// A drain pass is bounded by the API client's per-call
	// timeout, not the write timeout.
	s.mux.HandleFunc("POST /api/v1/sync", s.handleTriggerSync)
	// SSE: long-lived, no timeout.
	s.mux.HandleFunc("GET /api/v1/sync/events", s.handleSyncEvents)

	s.mux.Handle("GET /api/v1/version", s.withTimeout(s.handleGetVersion))
}

func (s *Server) handleGetVersion(
	w http.ResponseWriter, _ *http.Request,
) {
	writeJSON(w, http.StatusOK, s.version)
}

// Handler returns the mux wrapped in logging and CORS.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(logMiddleware(s.mux))
}

// portScan is how many ports above the configured one Listen
// tries before giving up.
const portScan = 20

// Listen binds the configured host and port, moving up to the
// next free port when it is taken. Binding here rather than in
// Serve keeps the port from being lost between probe and use.
func Listen(host string, port int) (net.Listener, error) {
	var firstErr error
	for p := port; p <= port+portScan; p++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err == nil {
			return ln, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, fmt.Errorf("no free port in %d-%d: %w", port, port+portScan, firstErr)
}

// Serve answers requests on ln until Shutdown. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return http.ErrServerClosed
	}
	s.httpSrv = srv
	s.mu.Unlock()
	log.Printf("server: listening on http://%s", ln.Addr())
	return srv.Serve(ln)
}

// Shutdown stops accepting requests and waits for in-flight
// ones. An SSE stream ends when its request context does.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
