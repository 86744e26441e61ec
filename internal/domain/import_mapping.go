package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// FieldMapping ties one source column to one target field path, optionally
// through a named transform. Mappings are supplied by the caller per
// preview/execute call; the set used by the final execution is stored on
// the batch for the historical record.
type FieldMapping struct {
	SourceColumn string `json:"source_column"`
	TargetField  string `json:"target_field"`
	Transform    string `json:"transform,omitempty"`
}

type FieldMappings []FieldMapping

func (m FieldMappings) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (m *FieldMappings) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("expected []byte for field mappings, got %T", value)
	}
	return json.Unmarshal(bytes, m)
}

// TargetFor returns the mapping for a target field path, if any.
func (m FieldMappings) TargetFor(field string) (FieldMapping, bool) {
	for _, fm := range m {
		if fm.TargetField == field {
			return fm, true
		}
	}
	return FieldMapping{}, false
}

type DuplicateVerdict string

const (
	DuplicateVerdictNew      DuplicateVerdict = "NEW"
	DuplicateVerdictProbable DuplicateVerdict = "PROBABLE"
	DuplicateVerdictCertain  DuplicateVerdict = "CERTAIN"
)

// DuplicateSettings controls match strictness and the default action per
// duplicate tier. Zero-value settings fall back to the documented defaults
// (threshold 0.82, PROBABLE -> skip, CERTAIN -> update).
type DuplicateSettings struct {
	Threshold       float64       `json:"threshold,omitempty"`
	ProbableDefault *ImportAction `json:"probable_default,omitempty"`
	CertainDefault  *ImportAction `json:"certain_default,omitempty"`
}

// DuplicateResolution overrides the verdict-derived default action for one
// row, optionally naming the existing entity to merge into.
type DuplicateResolution struct {
	Action   ImportAction `json:"action"`
	EntityID *uuid.UUID   `json:"entity_id,omitempty"`
}
