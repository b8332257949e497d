package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter-engine/pkg/models"
	"github.com/arbiterhq/arbiter-engine/pkg/repositories"
	"github.com/arbiterhq/arbiter-engine/pkg/services"
)

// ActionsHandler handles action gate and replanning HTTP requests.
type ActionsHandler struct {
	actions    repositories.ActionRepository
	gate       services.ApprovalGate
	planner    services.ActionPlanner
	guardrails services.GuardrailEvaluator
	logger     *zap.Logger
}

// NewActionsHandler creates a new actions handler.
func NewActionsHandler(
	actions repositories.ActionRepository,
	gate services.ApprovalGate,
	planner services.ActionPlanner,
	guardrails services.GuardrailEvaluator,
	logger *zap.Logger,
) *ActionsHandler {
	return &ActionsHandler{
		actions:    actions,
		gate:       gate,
		planner:    planner,
		guardrails: guardrails,
		logger:     logger,
	}
}

// RegisterRoutes registers the action handler's routes on the given mux.
func (h *ActionsHandler) RegisterRoutes(mux *http.ServeMux) {
	base := "/api/actions"

	mux.HandleFunc("GET "+base, h.ListActions)
	mux.HandleFunc("GET "+base+"/{aid}", h.GetAction)
	mux.HandleFunc("GET "+base+"/{aid}/violations", h.ListActionViolations)
	mux.HandleFunc("POST "+base+"/{aid}/approve", h.ApproveAction)
	mux.HandleFunc("POST "+base+"/{aid}/reject", h.RejectAction)
	mux.HandleFunc("POST "+base+"/{aid}/replan", h.ReplanAction)
}

// ListActions handles GET /api/actions. The status filter defaults to the
// approval queue, which is what operators poll.
func (h *ActionsHandler) ListActions(w http.ResponseWriter, r *http.Request) {
	status := models.ActionStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.ActionStatusAwaitingApproval
	}
	if !models.IsValidActionStatus(status) {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_status", "Unknown action status filter"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	limit := parseLimit(r, 50, 500)

	actions, err := h.actions.ListByStatus(r.Context(), status, limit)
	if err != nil {
		ServiceError(w, h.logger, "list_actions_failed", err)
		return
	}

	if actions == nil {
		actions = make([]*models.Action, 0)
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{
		Success: true,
		Data: PaginatedResponse{
			Items: actions,
			Total: len(actions),
			Limit: limit,
		},
	}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// GetAction handles GET /api/actions/{aid}
func (h *ActionsHandler) GetAction(w http.ResponseWriter, r *http.Request) {
	actionID, ok := ParseActionID(w, r, h.logger)
	if !ok {
		return
	}

	action, err := h.actions.GetByID(r.Context(), actionID)
	if err != nil {
		ServiceError(w, h.logger, "get_action_failed", err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: action}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// ListActionViolations handles GET /api/actions/{aid}/violations
func (h *ActionsHandler) ListActionViolations(w http.ResponseWriter, r *http.Request) {
	actionID, ok := ParseActionID(w, r, h.logger)
	if !ok {
		return
	}

	unresolvedOnly := r.URL.Query().Get("unresolved") == "true"
	violations, err := h.guardrails.ListByAction(r.Context(), actionID, unresolvedOnly)
	if err != nil {
		ServiceError(w, h.logger, "list_violations_failed", err)
		return
	}

	if violations == nil {
		violations = make([]*models.GuardrailViolation, 0)
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: violations}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// ApproveAction handles POST /api/actions/{aid}/approve
func (h *ActionsHandler) ApproveAction(w http.ResponseWriter, r *http.Request) {
	actionID, ok := ParseActionID(w, r, h.logger)
	if !ok {
		return
	}

	ctx := models.WithActor(r.Context(), RequestActor(r))
	action, err := h.gate.ApproveAction(ctx, actionID)
	if err != nil {
		ServiceError(w, h.logger, "approve_action_failed", err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: action}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

type rejectActionRequest struct {
	Reason string `json:"reason"`
}

// RejectAction handles POST /api/actions/{aid}/reject
func (h *ActionsHandler) RejectAction(w http.ResponseWriter, r *http.Request) {
	actionID, ok := ParseActionID(w, r, h.logger)
	if !ok {
		return
	}

	var req rejectActionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
	}

	ctx := models.WithActor(r.Context(), RequestActor(r))
	action, err := h.gate.RejectAction(ctx, actionID, req.Reason)
	if err != nil {
		ServiceError(w, h.logger, "reject_action_failed", err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: action}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

type replanActionRequest struct {
	Parameters map[string]any `json:"parameters"`
}

// ReplanAction handles POST /api/actions/{aid}/replan
func (h *ActionsHandler) ReplanAction(w http.ResponseWriter, r *http.Request) {
	actionID, ok := ParseActionID(w, r, h.logger)
	if !ok {
		return
	}

	var req replanActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	if len(req.Parameters) == 0 {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_parameters", "Replan requires a non-empty parameters object"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	ctx := models.WithActor(r.Context(), RequestActor(r))
	action, err := h.planner.Replan(ctx, actionID, req.Parameters)
	if err != nil {
		ServiceError(w, h.logger, "replan_action_failed", err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: action}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
