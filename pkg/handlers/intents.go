package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter-engine/pkg/models"
	"github.com/arbiterhq/arbiter-engine/pkg/repositories"
	"github.com/arbiterhq/arbiter-engine/pkg/services"
)

// IntentsHandler handles intent lifecycle HTTP requests.
type IntentsHandler struct {
	registry services.IntentRegistry
	actions  repositories.ActionRepository
	logger   *zap.Logger
}

// NewIntentsHandler creates a new intents handler.
func NewIntentsHandler(registry services.IntentRegistry, actions repositories.ActionRepository, logger *zap.Logger) *IntentsHandler {
	return &IntentsHandler{
		registry: registry,
		actions:  actions,
		logger:   logger,
	}
}

// RegisterRoutes registers the intent handler's routes on the given mux.
func (h *IntentsHandler) RegisterRoutes(mux *http.ServeMux) {
	base := "/api/intents"

	mux.HandleFunc("GET "+base, h.ListIntents)
	mux.HandleFunc("POST "+base, h.IngestIntent)
	mux.HandleFunc("GET "+base+"/{iid}", h.GetIntent)
	mux.HandleFunc("GET "+base+"/{iid}/actions", h.ListIntentActions)
	mux.HandleFunc("POST "+base+"/{iid}/approve", h.ApproveIntent)
	mux.HandleFunc("POST "+base+"/{iid}/reject", h.RejectIntent)
}

// ListIntents handles GET /api/intents
func (h *IntentsHandler) ListIntents(w http.ResponseWriter, r *http.Request) {
	status := models.IntentStatus(r.URL.Query().Get("status"))
	if status != "" && !models.IsValidIntentStatus(status) {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_status", "Unknown intent status filter"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	limit := parseLimit(r, 50, 500)

	intents, err := h.registry.List(r.Context(), status, limit)
	if err != nil {
		ServiceError(w, h.logger, "list_intents_failed", err)
		return
	}

	if intents == nil {
		intents = make([]*models.Intent, 0)
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{
		Success: true,
		Data: PaginatedResponse{
			Items: intents,
			Total: len(intents),
			Limit: limit,
		},
	}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// IngestIntent handles POST /api/intents
func (h *IntentsHandler) IngestIntent(w http.ResponseWriter, r *http.Request) {
	var req services.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	ctx := models.WithActor(r.Context(), RequestActor(r))
	intent, created, err := h.registry.Ingest(ctx, req)
	if err != nil {
		ServiceError(w, h.logger, "ingest_intent_failed", err)
		return
	}

	status := http.StatusCreated
	message := "Intent ingested"
	if !created {
		status = http.StatusOK
		message = "Duplicate signal matched an existing intent"
	}

	if err := WriteJSON(w, status, ApiResponse{
		Success: true,
		Data:    intent,
		Message: message,
	}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// GetIntent handles GET /api/intents/{iid}
func (h *IntentsHandler) GetIntent(w http.ResponseWriter, r *http.Request) {
	intentID, ok := ParseIntentID(w, r, h.logger)
	if !ok {
		return
	}

	intent, err := h.registry.Get(r.Context(), intentID)
	if err != nil {
		ServiceError(w, h.logger, "get_intent_failed", err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: intent}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// ListIntentActions handles GET /api/intents/{iid}/actions
func (h *IntentsHandler) ListIntentActions(w http.ResponseWriter, r *http.Request) {
	intentID, ok := ParseIntentID(w, r, h.logger)
	if !ok {
		return
	}

	if _, err := h.registry.Get(r.Context(), intentID); err != nil {
		ServiceError(w, h.logger, "get_intent_failed", err)
		return
	}

	actions, err := h.actions.ListByIntent(r.Context(), intentID)
	if err != nil {
		ServiceError(w, h.logger, "list_actions_failed", err)
		return
	}

	if actions == nil {
		actions = make([]*models.Action, 0)
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: actions}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

type intentDecisionRequest struct {
	Reason string `json:"reason"`
}

// ApproveIntent handles POST /api/intents/{iid}/approve
func (h *IntentsHandler) ApproveIntent(w http.ResponseWriter, r *http.Request) {
	h.decideIntent(w, r, services.IntentDecisionApprove, "approve_intent_failed")
}

// RejectIntent handles POST /api/intents/{iid}/reject
func (h *IntentsHandler) RejectIntent(w http.ResponseWriter, r *http.Request) {
	h.decideIntent(w, r, services.IntentDecisionReject, "reject_intent_failed")
}

func (h *IntentsHandler) decideIntent(w http.ResponseWriter, r *http.Request, decision services.IntentDecision, errorCode string) {
	intentID, ok := ParseIntentID(w, r, h.logger)
	if !ok {
		return
	}

	var req intentDecisionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
	}

	ctx := models.WithActor(r.Context(), RequestActor(r))
	intent, err := h.registry.Decide(ctx, intentID, decision, req.Reason)
	if err != nil {
		ServiceError(w, h.logger, errorCode, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: intent}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
