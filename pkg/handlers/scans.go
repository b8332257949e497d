package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter-engine/pkg/models"
	"github.com/arbiterhq/arbiter-engine/pkg/services"
)

// ScansHandler handles scan cycle HTTP requests.
type ScansHandler struct {
	orchestrator services.Orchestrator
	ledger       services.ScanLedger
	logger       *zap.Logger
}

// NewScansHandler creates a new scans handler.
func NewScansHandler(orchestrator services.Orchestrator, ledger services.ScanLedger, logger *zap.Logger) *ScansHandler {
	return &ScansHandler{
		orchestrator: orchestrator,
		ledger:       ledger,
		logger:       logger,
	}
}

// RegisterRoutes registers the scan handler's routes on the given mux.
func (h *ScansHandler) RegisterRoutes(mux *http.ServeMux) {
	base := "/api/scans"

	mux.HandleFunc("POST "+base, h.TriggerScan)
	mux.HandleFunc("GET "+base, h.ListScans)
	mux.HandleFunc("GET "+base+"/{sid}", h.GetScan)
}

type triggerScanRequest struct {
	ScanType models.ScanType `json:"scan_type"`
}

// TriggerScan handles POST /api/scans. The cycle runs synchronously; a cycle
// already holding the lock yields 409.
func (h *ScansHandler) TriggerScan(w http.ResponseWriter, r *http.Request) {
	req := triggerScanRequest{ScanType: models.ScanTypeFull}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
	}
	if !models.IsValidScanType(req.ScanType) {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_scan_type", "Unknown scan type"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	ctx := models.WithActor(r.Context(), RequestActor(r))
	entry, err := h.orchestrator.RunCycle(ctx, req.ScanType)
	if err != nil {
		if errors.Is(err, services.ErrCycleInProgress) {
			if err := ErrorResponse(w, http.StatusConflict, "cycle_in_progress", "A scan cycle is already running"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		ServiceError(w, h.logger, "trigger_scan_failed", err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: entry}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// ListScans handles GET /api/scans
func (h *ScansHandler) ListScans(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 20, 200)

	entries, err := h.ledger.ListRecent(r.Context(), limit)
	if err != nil {
		ServiceError(w, h.logger, "list_scans_failed", err)
		return
	}

	if entries == nil {
		entries = make([]*models.ScanLogEntry, 0)
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

// GetScan handles GET /api/scans/{sid}
func (h *ScansHandler) GetScan(w http.ResponseWriter, r *http.Request) {
	scanID, ok := parseUUID(w, r, "sid", "invalid_scan_id", "Invalid scan ID format", h.logger)
	if !ok {
		return
	}

	entry, err := h.ledger.Get(r.Context(), scanID)
	if err != nil {
		ServiceError(w, h.logger, "get_scan_failed", err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: entry}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
