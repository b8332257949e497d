package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter-engine/pkg/models"
	"github.com/arbiterhq/arbiter-engine/pkg/services"
)

// ViolationsHandler handles guardrail violation HTTP requests.
type ViolationsHandler struct {
	guardrails services.GuardrailEvaluator
	logger     *zap.Logger
}

// NewViolationsHandler creates a new violations handler.
func NewViolationsHandler(guardrails services.GuardrailEvaluator, logger *zap.Logger) *ViolationsHandler {
	return &ViolationsHandler{
		guardrails: guardrails,
		logger:     logger,
	}
}

// RegisterRoutes registers the violation handler's routes on the given mux.
func (h *ViolationsHandler) RegisterRoutes(mux *http.ServeMux) {
	base := "/api/violations"

	mux.HandleFunc("GET "+base, h.ListViolations)
	mux.HandleFunc("POST "+base+"/{vid}/resolve", h.ResolveViolation)
}

// ListViolations handles GET /api/violations. Defaults to unresolved only,
// which is the operator's review queue.
func (h *ViolationsHandler) ListViolations(w http.ResponseWriter, r *http.Request) {
	unresolvedOnly := r.URL.Query().Get("unresolved") != "false"
	limit := parseLimit(r, 50, 500)

	violations, err := h.guardrails.List(r.Context(), unresolvedOnly, limit)
	if err != nil {
		ServiceError(w, h.logger, "list_violations_failed", err)
		return
	}

	if violations == nil {
		violations = make([]*models.GuardrailViolation, 0)
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{
		Success: true,
		Data: PaginatedResponse{
			Items: violations,
			Total: len(violations),
			Limit: limit,
		},
	}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// ResolveViolation handles POST /api/violations/{vid}/resolve
func (h *ViolationsHandler) ResolveViolation(w http.ResponseWriter, r *http.Request) {
	violationID, ok := ParseViolationID(w, r, h.logger)
	if !ok {
		return
	}

	actor := RequestActor(r)
	if actor.Source != models.SourceManual {
		if err := ErrorResponse(w, http.StatusBadRequest, "actor_required", "Resolving a violation requires the "+ActorHeader+" header"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	ctx := models.WithActor(r.Context(), actor)
	violation, err := h.guardrails.Resolve(ctx, violationID)
	if err != nil {
		ServiceError(w, h.logger, "resolve_violation_failed", err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: violation}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
