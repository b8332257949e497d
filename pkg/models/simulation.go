package models

import "time"

// SimulationResult is the immutable outcome of one dry-run projection for an
// action. A new simulation replaces the previous result wholesale; results are
// never edited in place.
//
// Violations here are strings produced during the dry run, distinct from
// persisted GuardrailViolation rows.
type SimulationResult struct {
	Passed         bool           `json:"passed"`
	Before         map[string]any `json:"before,omitempty"`
	After          map[string]any `json:"after,omitempty"`
	Risks          []string       `json:"risks,omitempty"`
	Violations     []string       `json:"violations,omitempty"`
	ParamsRevision int            `json:"params_revision"`
	SimulatedAt    time.Time      `json:"simulated_at"`
}
