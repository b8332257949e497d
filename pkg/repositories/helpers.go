// Package repositories provides PostgreSQL data access for the governance
// engine. All status-changing updates use optimistic versioning: the UPDATE is
// predicated on the version the caller read, and a lost race surfaces as
// apperrors.ErrConcurrencyConflict rather than a silent overwrite.
package repositories

import (
	"encoding/json"
	"fmt"
)

// nullableString returns nil for empty strings so they persist as SQL NULL.
func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// jsonbMap marshals a map for a JSONB column, passing nil through as NULL.
func jsonbMap(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal jsonb map: %w", err)
	}
	return b, nil
}

// jsonbValue marshals any value for a JSONB column, passing nil through as NULL.
func jsonbValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal jsonb value: %w", err)
	}
	return b, nil
}

// unmarshalMap decodes a JSONB column into a map, treating NULL as nil.
func unmarshalMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal jsonb map: %w", err)
	}
	return m, nil
}
