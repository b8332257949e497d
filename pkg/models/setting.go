package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Setting Types
// ============================================================================

// SettingType tags which variant a setting value carries.
type SettingType string

const (
	SettingTypeToggle SettingType = "toggle"
	SettingTypeSlider SettingType = "slider"
	SettingTypeSelect SettingType = "select"
	SettingTypeNumber SettingType = "number"
)

// SettingCategory groups settings on the governance dashboard.
type SettingCategory string

const (
	SettingCategoryAutonomy    SettingCategory = "autonomy"
	SettingCategoryGuardrails  SettingCategory = "guardrails"
	SettingCategoryScheduling  SettingCategory = "scheduling"
	SettingCategoryMarketplace SettingCategory = "marketplace"
)

// Well-known setting keys read by the engine.
const (
	SettingKeyAutonomyLevel     = "autonomy_level"
	SettingKeyMaxConcurrent     = "max_concurrent_executions"
	SettingKeyBudgetCeiling     = "action_budget_ceiling"
	SettingKeyRateLimitWindow   = "rate_limit_window_seconds"
	SettingKeyRateLimitMax      = "rate_limit_max_actions"
	SettingKeyProductionLock    = "production_lock"
	SettingKeyScanIntervalMins  = "scan_interval_minutes"
	SettingKeyIntentTTLHours    = "intent_ttl_hours"
	SettingKeyMarketplaceReview = "marketplace_review_required"
)

// ============================================================================
// Autonomy Level
// ============================================================================

// AutonomyLevel controls how much auto-approval the gate permits.
type AutonomyLevel string

const (
	AutonomyAdvisory       AutonomyLevel = "advisory"
	AutonomySemiAutonomous AutonomyLevel = "semi_autonomous"
	AutonomyFullAutonomous AutonomyLevel = "full_autonomous"
)

// ValidAutonomyLevels contains all valid autonomy level values.
var ValidAutonomyLevels = []AutonomyLevel{
	AutonomyAdvisory,
	AutonomySemiAutonomous,
	AutonomyFullAutonomous,
}

// IsValidAutonomyLevel checks if the given level is valid.
func IsValidAutonomyLevel(l AutonomyLevel) bool {
	for _, v := range ValidAutonomyLevels {
		if v == l {
			return true
		}
	}
	return false
}

// ============================================================================
// Setting Value Variants
// ============================================================================

// SettingValue is the tagged variant carried by a Setting. Each variant
// validates itself against its declared bounds at the mutation boundary.
type SettingValue interface {
	Type() SettingType
	Validate() error
}

// ToggleSetting is a boolean on/off value.
type ToggleSetting struct {
	Enabled bool `json:"enabled"`
}

func (ToggleSetting) Type() SettingType { return SettingTypeToggle }
func (ToggleSetting) Validate() error   { return nil }

// SliderSetting is a bounded float value presented as a slider.
type SliderSetting struct {
	Value float64 `json:"value"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

func (SliderSetting) Type() SettingType { return SettingTypeSlider }

func (s SliderSetting) Validate() error {
	if s.Min > s.Max {
		return fmt.Errorf("slider bounds inverted: min %v > max %v", s.Min, s.Max)
	}
	if s.Value < s.Min || s.Value > s.Max {
		return fmt.Errorf("slider value %v outside [%v, %v]", s.Value, s.Min, s.Max)
	}
	return nil
}

// SelectSetting is one choice from a declared option list.
type SelectSetting struct {
	Value   string   `json:"value"`
	Options []string `json:"options"`
}

func (SelectSetting) Type() SettingType { return SettingTypeSelect }

func (s SelectSetting) Validate() error {
	for _, opt := range s.Options {
		if opt == s.Value {
			return nil
		}
	}
	return fmt.Errorf("select value %q not in options %v", s.Value, s.Options)
}

// NumberSetting is a bounded numeric value entered directly.
type NumberSetting struct {
	Value float64  `json:"value"`
	Min   *float64 `json:"min,omitempty"`
	Max   *float64 `json:"max,omitempty"`
}

func (NumberSetting) Type() SettingType { return SettingTypeNumber }

func (s NumberSetting) Validate() error {
	if s.Min != nil && s.Value < *s.Min {
		return fmt.Errorf("number value %v below minimum %v", s.Value, *s.Min)
	}
	if s.Max != nil && s.Value > *s.Max {
		return fmt.Errorf("number value %v above maximum %v", s.Value, *s.Max)
	}
	return nil
}

// ============================================================================
// Setting Model
// ============================================================================

// Setting is one process-wide configuration knob governing engine behavior.
// Settings are mutated only through the settings service, never by the engine
// itself.
type Setting struct {
	SettingKey  string          `json:"setting_key"`
	SettingType SettingType     `json:"setting_type"`
	Category    SettingCategory `json:"category"`
	Value       SettingValue    `json:"value"`
	UpdatedBy   *string         `json:"updated_by,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Version     int             `json:"version"`
}

// UnmarshalJSON decodes the tagged value variant based on setting_type.
func (s *Setting) UnmarshalJSON(data []byte) error {
	var raw struct {
		SettingKey  string          `json:"setting_key"`
		SettingType SettingType     `json:"setting_type"`
		Category    SettingCategory `json:"category"`
		Value       json.RawMessage `json:"value"`
		UpdatedBy   *string         `json:"updated_by,omitempty"`
		UpdatedAt   time.Time       `json:"updated_at"`
		Version     int             `json:"version"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	value, err := DecodeSettingValue(raw.SettingType, raw.Value)
	if err != nil {
		return err
	}

	s.SettingKey = raw.SettingKey
	s.SettingType = raw.SettingType
	s.Category = raw.Category
	s.Value = value
	s.UpdatedBy = raw.UpdatedBy
	s.UpdatedAt = raw.UpdatedAt
	s.Version = raw.Version
	return nil
}

// DecodeSettingValue decodes a raw JSON value into the variant matching the
// declared setting type.
func DecodeSettingValue(t SettingType, raw []byte) (SettingValue, error) {
	switch t {
	case SettingTypeToggle:
		var v ToggleSetting
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode toggle setting: %w", err)
		}
		return v, nil
	case SettingTypeSlider:
		var v SliderSetting
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode slider setting: %w", err)
		}
		return v, nil
	case SettingTypeSelect:
		var v SelectSetting
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode select setting: %w", err)
		}
		return v, nil
	case SettingTypeNumber:
		var v NumberSetting
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode number setting: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown setting type %q", t)
	}
}

// ============================================================================
// Settings Snapshot
// ============================================================================

// SettingsSnapshot is a read-only view of the active settings taken at the start
// of an evaluation. Guardrail checks and approval decisions read from the
// snapshot so one decision sees one consistent configuration.
type SettingsSnapshot struct {
	byKey map[string]Setting
}

// NewSettingsSnapshot builds a snapshot from loaded settings.
func NewSettingsSnapshot(settings []Setting) *SettingsSnapshot {
	byKey := make(map[string]Setting, len(settings))
	for _, s := range settings {
		byKey[s.SettingKey] = s
	}
	return &SettingsSnapshot{byKey: byKey}
}

// Get returns the setting for a key, if present.
func (s *SettingsSnapshot) Get(key string) (Setting, bool) {
	v, ok := s.byKey[key]
	return v, ok
}

// AutonomyLevel returns the active autonomy level, defaulting to advisory when
// unset or malformed. Advisory is the safe floor: it never auto-approves.
func (s *SettingsSnapshot) AutonomyLevel() AutonomyLevel {
	setting, ok := s.byKey[SettingKeyAutonomyLevel]
	if !ok {
		return AutonomyAdvisory
	}
	sel, ok := setting.Value.(SelectSetting)
	if !ok || !IsValidAutonomyLevel(AutonomyLevel(sel.Value)) {
		return AutonomyAdvisory
	}
	return AutonomyLevel(sel.Value)
}

// Number returns a numeric setting value or the fallback when unset.
func (s *SettingsSnapshot) Number(key string, fallback float64) float64 {
	setting, ok := s.byKey[key]
	if !ok {
		return fallback
	}
	switch v := setting.Value.(type) {
	case NumberSetting:
		return v.Value
	case SliderSetting:
		return v.Value
	default:
		return fallback
	}
}

// Toggle returns a boolean setting value or the fallback when unset.
func (s *SettingsSnapshot) Toggle(key string, fallback bool) bool {
	setting, ok := s.byKey[key]
	if !ok {
		return fallback
	}
	t, ok := setting.Value.(ToggleSetting)
	if !ok {
		return fallback
	}
	return t.Enabled
}
