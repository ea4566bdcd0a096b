package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fleet-core/internal/audit"
)

// handleListGroups returns every device group.
func (s *Server) handleListGroups(w http.ResponseWriter, _ *http.Request) {
	groups := s.manager.Registry().ListGroups()
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups, "count": len(groups)})
}

// createGroupRequest is the body of POST /groups.
type createGroupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// handleCreateGroup creates a group and its work area.
func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	g, err := s.manager.CreateGroup(r.Context(), req.Name, req.Description)
	if err != nil {
		s.writeDomainError(w, err, "failed to create group")
		return
	}
	s.record(r, audit.ActionCreate, audit.EntityGroup, g.ID, map[string]any{"name": g.Name})
	writeJSON(w, http.StatusCreated, g)
}

// handleDeleteGroup deletes a group. Its devices become ungrouped and its
// work area is destroyed.
func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.DeleteGroup(r.Context(), id); err != nil {
		s.writeDomainError(w, err, "failed to delete group")
		return
	}
	s.logger.Info("group deleted",
		"group_id", id,
		"by", claimsFromContext(r.Context()).Subject,
	)
	s.record(r, audit.ActionDelete, audit.EntityGroup, id, nil)
	w.WriteHeader(http.StatusNoContent)
}
