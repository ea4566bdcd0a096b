package api

import (
	"context"
	"net/http"

	"github.com/nerrad567/fleet-core/internal/audit"
)

// record writes an audit entry for the caller. Failures are logged and
// never fail the request.
func (s *Server) record(r *http.Request, action, entityType, entityID string, details map[string]any) {
	if s.auditLog == nil {
		return
	}
	e := &audit.Entry{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Source:     audit.SourceAPI,
		Details:    details,
	}
	if claims := claimsFromContext(r.Context()); claims != nil {
		e.UserID = claims.Subject
	}
	// The entry outlives a cancelled request.
	if err := s.auditLog.Create(context.WithoutCancel(r.Context()), e); err != nil {
		s.logger.Warn("failed to write audit entry",
			"action", action,
			"entity_type", entityType,
			"entity_id", entityID,
			"error", err,
		)
	}
}

// handleListAudit returns audit entries, newest first.
//
// Query parameters: action, entity_type, entity_id, user, limit, offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "audit log is not enabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:     q.Get("action"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		UserID:     q.Get("user"),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeBadRequest(w, "limit must be an integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeBadRequest(w, "offset must be an integer")
		return
	}

	result, err := s.auditLog.List(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, err, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
