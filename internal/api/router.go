package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fleet-core/internal/auth"
)

// healthCheckTimeout bounds each dependency check in GET /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Group(func(r chi.Router) {
				r.Use(requirePermission(auth.PermFleetRead))

				r.Get("/devices", s.handleListDevices)
				r.Get("/devices/{serial}", s.handleGetDevice)
				r.Get("/groups", s.handleListGroups)
				r.Get("/tasks", s.handleListTasks)
				r.Get("/tasks/{id}", s.handleGetTask)
				r.Get("/tasks/{id}/wait", s.handleWaitTask)
				r.Get("/areas", s.handleAreas)
			})

			r.Group(func(r chi.Router) {
				r.Use(requirePermission(auth.PermInventoryManage))

				r.Post("/devices", s.handleCreateDevice)
				r.Delete("/devices/{serial}", s.handleDeleteDevice)
				r.Put("/devices/{serial}/group", s.handleMoveDevice)
				r.Post("/groups", s.handleCreateGroup)
				r.Delete("/groups/{id}", s.handleDeleteGroup)
			})

			r.Group(func(r chi.Router) {
				r.Use(requirePermission(auth.PermTaskSubmit))

				r.Post("/devices/{serial}/resync", s.handleResync)
				r.Post("/devices/{serial}/domains/{domain}/sync", s.handleSyncDomain)
				r.Post("/devices/{serial}/reboot", s.handleReboot)
			})

			r.With(requirePermission(auth.PermFirmwareDeploy)).
				Post("/firmware/deploy", s.handleDeployFirmware)

			r.With(requirePermission(auth.PermAuditRead)).
				Get("/audit", s.handleListAudit)
		})
	})

	return r
}

// handleHealth returns the server health status and each dependency's
// check result. Any failing dependency turns the response into 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "ok"
	code := http.StatusOK
	deps := make(map[string]string, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := s.checks[name].HealthCheck(ctx)
		cancel()
		if err != nil {
			deps[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	writeJSON(w, code, map[string]any{
		"status":       status,
		"version":      s.version,
		"dependencies": deps,
	})
}
