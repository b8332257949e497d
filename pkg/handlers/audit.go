package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter-engine/pkg/models"
	"github.com/arbiterhq/arbiter-engine/pkg/services"
)

// AuditHandler serves read access to the audit trail.
type AuditHandler struct {
	audit  services.AuditService
	logger *zap.Logger
}

// NewAuditHandler creates a new audit handler.
func NewAuditHandler(audit services.AuditService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		audit:  audit,
		logger: logger,
	}
}

// RegisterRoutes registers the audit handler's routes on the given mux.
func (h *AuditHandler) RegisterRoutes(mux *http.ServeMux) {
	base := "/api/audit"

	mux.HandleFunc("GET "+base, h.ListRecent)
	mux.HandleFunc("GET "+base+"/{entity_type}/{eid}", h.ListByEntity)
}

// ListRecent handles GET /api/audit
func (h *AuditHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50, 500)

	entries, err := h.audit.ListRecent(r.Context(), limit)
	if err != nil {
		ServiceError(w, h.logger, "list_audit_failed", err)
		return
	}

	if entries == nil {
		entries = make([]*models.AuditLogEntry, 0)
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{
		Success: true,
		Data: PaginatedResponse{
			Items: entries,
			Total: len(entries),
			Limit: limit,
		},
	}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// ListByEntity handles GET /api/audit/{entity_type}/{eid}
func (h *AuditHandler) ListByEntity(w http.ResponseWriter, r *http.Request) {
	entityType := r.PathValue("entity_type")
	entityID := r.PathValue("eid")

	entries, err := h.audit.ListByEntity(r.Context(), entityType, entityID)
	if err != nil {
		ServiceError(w, h.logger, "list_audit_failed", err)
		return
	}

	if entries == nil {
		entries = make([]*models.AuditLogEntry, 0)
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: entries}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
