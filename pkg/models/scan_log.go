package models

import (
	"time"

	"github.com/google/uuid"
)

// ScanType names which detection sweep triggered an orchestration cycle.
type ScanType string

const (
	ScanTypeRegulatory    ScanType = "regulatory"
	ScanTypeDrift         ScanType = "drift"
	ScanTypeMarketSignals ScanType = "market_signals"
	ScanTypeCertification ScanType = "certification"
	ScanTypeFull          ScanType = "full"
)

// ValidScanTypes contains all valid scan type values.
var ValidScanTypes = []ScanType{
	ScanTypeRegulatory,
	ScanTypeDrift,
	ScanTypeMarketSignals,
	ScanTypeCertification,
	ScanTypeFull,
}

// IsValidScanType checks if the given type is valid.
func IsValidScanType(t ScanType) bool {
	for _, v := range ValidScanTypes {
		if v == t {
			return true
		}
	}
	return false
}

// ScanCounts holds the final tallies recorded when a cycle ends.
type ScanCounts struct {
	IntentsDetected     int `json:"intents_detected"`
	ActionsCreated      int `json:"actions_created"`
	GuardrailsTriggered int `json:"guardrails_triggered"`
}

// ScanLogEntry is the append-only record of one orchestration cycle. It is
// created at cycle start, finalized once at cycle end, and never mutated after.
type ScanLogEntry struct {
	ID                  uuid.UUID  `json:"id"`
	ScanType            ScanType   `json:"scan_type"`
	StartedAt           time.Time  `json:"started_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	IntentsDetected     int        `json:"intents_detected"`
	ActionsCreated      int        `json:"actions_created"`
	GuardrailsTriggered int        `json:"guardrails_triggered"`
	ErrorMessage        *string    `json:"error_message,omitempty"`
}

// IsFinalized reports whether the cycle has already been closed out.
func (e *ScanLogEntry) IsFinalized() bool {
	return e.CompletedAt != nil
}
