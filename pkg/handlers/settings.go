package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter-engine/pkg/models"
	"github.com/arbiterhq/arbiter-engine/pkg/services"
)

// SettingsHandler handles engine setting HTTP requests.
type SettingsHandler struct {
	settings services.SettingsService
	logger   *zap.Logger
}

// NewSettingsHandler creates a new settings handler.
func NewSettingsHandler(settings services.SettingsService, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{
		settings: settings,
		logger:   logger,
	}
}

// RegisterRoutes registers the settings handler's routes on the given mux.
func (h *SettingsHandler) RegisterRoutes(mux *http.ServeMux) {
	base := "/api/settings"

	mux.HandleFunc("GET "+base, h.ListSettings)
	mux.HandleFunc("GET "+base+"/{key}", h.GetSetting)
	mux.HandleFunc("PUT "+base+"/{key}", h.UpdateSetting)
}

// ListSettings handles GET /api/settings
func (h *SettingsHandler) ListSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settings.GetAll(r.Context())
	if err != nil {
		ServiceError(w, h.logger, "list_settings_failed", err)
		return
	}

	if settings == nil {
		settings = make([]models.Setting, 0)
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: settings}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// GetSetting handles GET /api/settings/{key}
func (h *SettingsHandler) GetSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	setting, err := h.settings.Get(r.Context(), key)
	if err != nil {
		ServiceError(w, h.logger, "get_setting_failed", err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: setting}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

type updateSettingRequest struct {
	Value json.RawMessage `json:"value"`
}

// UpdateSetting handles PUT /api/settings/{key}
func (h *SettingsHandler) UpdateSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var req updateSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	if len(req.Value) == 0 {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_value", "Update requires a value field"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	ctx := models.WithActor(r.Context(), RequestActor(r))
	setting, err := h.settings.Update(ctx, key, req.Value)
	if err != nil {
		ServiceError(w, h.logger, "update_setting_failed", err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: setting}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
