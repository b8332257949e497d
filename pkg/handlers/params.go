package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter-engine/pkg/models"
)

// ActorHeader carries the identity of a human operator making a request.
// Requests without it are attributed to the engine itself.
const ActorHeader = "X-Arbiter-Actor"

// ParseIntentID extracts and validates the intent ID from the request path.
// Returns the parsed UUID and true on success, or uuid.Nil and false on error
// (after writing an error response).
// Expects path parameter: iid
func ParseIntentID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "iid", "invalid_intent_id", "Invalid intent ID format", logger)
}

// ParseActionID extracts and validates the action ID from the request path.
// Returns the parsed UUID and true on success, or uuid.Nil and false on error
// (after writing an error response).
// Expects path parameter: aid
func ParseActionID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "aid", "invalid_action_id", "Invalid action ID format", logger)
}

// ParseViolationID extracts and validates the violation ID from the request path.
// Returns the parsed UUID and true on success, or uuid.Nil and false on error
// (after writing an error response).
// Expects path parameter: vid
func ParseViolationID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "vid", "invalid_violation_id", "Invalid violation ID format", logger)
}

// RequestActor builds the actor context for a request. A populated actor
// header marks the call as a manual operator decision.
func RequestActor(r *http.Request) models.ActorContext {
	if actor := r.Header.Get(ActorHeader); actor != "" {
		return models.ActorContext{Source: models.SourceManual, Actor: actor}
	}
	return models.ActorContext{Source: models.SourceEngine, Actor: models.SystemActor}
}

// parseLimit reads the limit query parameter, clamped to [1, max].
func parseLimit(r *http.Request, fallback, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}

// parseUUID is the internal helper that does the actual parsing work.
func parseUUID(w http.ResponseWriter, r *http.Request, pathParam, errorCode, errorMessage string, logger *zap.Logger) (uuid.UUID, bool) {
	idStr := r.PathValue(pathParam)
	id, err := uuid.Parse(idStr)
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, errorCode, errorMessage); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return uuid.Nil, false
	}
	return id, true
}
