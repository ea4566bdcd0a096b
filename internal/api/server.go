package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/fleet-core/internal/audit"
	"github.com/nerrad567/fleet-core/internal/auth"
	"github.com/nerrad567/fleet-core/internal/fleet"
	"github.com/nerrad567/fleet-core/internal/history"
	"github.com/nerrad567/fleet-core/internal/infrastructure/config"
	"github.com/nerrad567/fleet-core/internal/infrastructure/logging"
	"github.com/nerrad567/fleet-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/fleet-core/internal/notify"
	"github.com/nerrad567/fleet-core/internal/progress"
	"github.com/nerrad567/fleet-core/internal/task"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// TaskSource looks up live tasks and work area statistics.
// *task.Scheduler implements it.
type TaskSource interface {
	Task(id string) (*task.Task, error)
	Poll(id string) (progress.Status, error)
	Stats() []task.AreaStats
}

// HealthChecker is implemented by infrastructure clients that can report
// their health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// IngestStats reports notification ingestion counters.
// *notify.Ingestor implements it.
type IngestStats interface {
	Stats() notify.Stats
}

// TransportStats reports broker traffic counters.
// *mqtt.Client implements it.
type TransportStats interface {
	Stats() mqtt.Stats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	Security  config.SecurityConfig
	Logger    *logging.Logger
	Manager   *fleet.Manager
	Tasks     TaskSource
	History   history.Repository       // optional: GET /tasks returns 503 without it
	Checks    map[string]HealthChecker // optional: reported by GET /health
	Ingest    IngestStats              // optional: reported by GET /areas
	Transport TransportStats           // optional: reported by GET /areas
	Audit     audit.Repository         // optional: records operator actions

	// ExternalHub is used instead of creating a hub, so the Manager can be
	// given the same hub as its broadcaster before the server starts.
	ExternalHub *Hub
	Version     string
}

// Server is the HTTP API server for Fleet Core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	tokens      auth.TokenConfig
	logger      *logging.Logger
	manager     *fleet.Manager
	tasks       TaskSource
	history     history.Repository
	checks      map[string]HealthChecker
	ingest      IngestStats
	transport   TransportStats
	auditLog    audit.Repository
	version     string
	server      *http.Server
	hub         *Hub
	externalHub bool
	tickets     *ticketStore
	cancel      context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, manager, task source)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Manager == nil {
		return nil, fmt.Errorf("fleet manager is required")
	}
	if deps.Tasks == nil {
		return nil, fmt.Errorf("task source is required")
	}

	s := &Server{
		cfg:   deps.Config,
		wsCfg: deps.WS,
		tokens: auth.TokenConfig{
			Secret: deps.Security.JWT.Secret,
			Issuer: deps.Security.JWT.Issuer,
			TTL:    time.Duration(deps.Security.JWT.AccessTokenTTL) * time.Minute,
		},
		logger:    deps.Logger,
		manager:   deps.Manager,
		tasks:     deps.Tasks,
		history:   deps.History,
		checks:    deps.Checks,
		ingest:    deps.Ingest,
		transport: deps.Transport,
		auditLog:  deps.Audit,
		version:   deps.Version,
		tickets:   newTicketStore(),
	}

	if deps.ExternalHub != nil {
		s.hub = deps.ExternalHub
		s.externalHub = true
	}

	return s, nil
}

// Hub returns the WebSocket hub, or nil before Start when none was injected.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub and ticket cleanup, and
// launches the HTTP listener in a background goroutine. The server can be
// stopped with Close().
//
// Parameters:
//   - ctx: Parent of the context that bounds background goroutines
//
// Returns:
//   - error: If the server fails to start
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
	}
	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}

	go s.sweepTickets(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
