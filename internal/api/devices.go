package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fleet-core/internal/audit"
	"github.com/nerrad567/fleet-core/internal/fleet"
)

// handleListDevices returns all devices.
//
// Query parameters:
//   - group: only devices in this group ("ungrouped" for devices without one)
//   - status: only devices with this status
//   - domain: only devices hosting this application domain
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	group, status, domain := q.Get("group"), fleet.Status(q.Get("status")), q.Get("domain")

	devices := []fleet.Device{}
	for _, d := range s.manager.Registry().ListDevices() {
		if group != "" && d.Area() != group {
			continue
		}
		if status != "" && d.Status != status {
			continue
		}
		if domain != "" && !d.HasDomain(domain) {
			continue
		}
		devices = append(devices, d)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device by serial.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.manager.Registry().GetDevice(r.Context(), chi.URLParam(r, "serial"))
	if err != nil {
		s.writeDomainError(w, err, "failed to get device")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleCreateDevice registers a new device.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var d fleet.Device
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.manager.RegisterDevice(r.Context(), &d); err != nil {
		s.writeDomainError(w, err, "failed to register device")
		return
	}

	s.logger.Info("device registered",
		"serial", d.Serial,
		"by", claimsFromContext(r.Context()).Subject,
	)
	s.record(r, audit.ActionCreate, audit.EntityDevice, d.Serial, map[string]any{"host": d.Host})
	writeJSON(w, http.StatusCreated, d)
}

// handleDeleteDevice removes a device. Tasks waiting on its lock fail.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	if err := s.manager.RemoveDevice(r.Context(), serial); err != nil {
		s.writeDomainError(w, err, "failed to remove device")
		return
	}
	s.logger.Info("device removed",
		"serial", serial,
		"by", claimsFromContext(r.Context()).Subject,
	)
	s.record(r, audit.ActionDelete, audit.EntityDevice, serial, nil)
	w.WriteHeader(http.StatusNoContent)
}

// moveRequest is the body of PUT /devices/{serial}/group. An empty group ID
// moves the device to the ungrouped area.
type moveRequest struct {
	GroupID string `json:"group_id"`
}

// handleMoveDevice moves a device to another group.
func (s *Server) handleMoveDevice(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")

	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.manager.MoveDevice(r.Context(), serial, req.GroupID); err != nil {
		s.writeDomainError(w, err, "failed to move device")
		return
	}
	s.record(r, audit.ActionMove, audit.EntityDevice, serial, map[string]any{"group_id": req.GroupID})

	d, err := s.manager.Registry().GetDevice(r.Context(), serial)
	if err != nil {
		s.writeDomainError(w, err, "failed to get device")
		return
	}
	writeJSON(w, http.StatusOK, d)
}
