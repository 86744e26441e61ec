package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrImportBatchNotFound = errors.New("import batch not found")

type ImportBatchStatus string

const (
	ImportBatchStatusMapping     ImportBatchStatus = "MAPPING"
	ImportBatchStatusReady       ImportBatchStatus = "READY"
	ImportBatchStatusProcessing  ImportBatchStatus = "PROCESSING"
	ImportBatchStatusCompleted   ImportBatchStatus = "COMPLETED"
	ImportBatchStatusFailed      ImportBatchStatus = "FAILED"
	ImportBatchStatusRollingBack ImportBatchStatus = "ROLLING_BACK"
	ImportBatchStatusRolledBack  ImportBatchStatus = "ROLLED_BACK"
)

type ImportRecordStatus string

const (
	ImportRecordStatusPending    ImportRecordStatus = "pending"
	ImportRecordStatusValid      ImportRecordStatus = "valid"
	ImportRecordStatusInvalid    ImportRecordStatus = "invalid"
	ImportRecordStatusSkipped    ImportRecordStatus = "skipped"
	ImportRecordStatusApplied    ImportRecordStatus = "applied"
	ImportRecordStatusRolledBack ImportRecordStatus = "rolled_back"
)

// Flags a rollback leaves on records it could not reverse cleanly.
const (
	FlagModifiedAfterImport = "modified_after_import"
	FlagEntityMissing       = "entity_missing"
	FlagMissingPreImage     = "missing_pre_image"
)

type ImportAction string

const (
	ImportActionCreate ImportAction = "create"
	ImportActionUpdate ImportAction = "update"
	ImportActionSkip   ImportAction = "skip"
)

// ImportBatch is one file-upload event. It is never hard-deleted; a batch
// in any terminal state remains as the historical record of the import.
type ImportBatch struct {
	ID                     uuid.UUID         `db:"id" json:"id"`
	OrgID                  uuid.UUID         `db:"org_id" json:"org_id"`
	UploadedBy             uuid.UUID         `db:"uploaded_by" json:"uploaded_by"`
	Filename               string            `db:"filename" json:"filename"`
	FileKey                *string           `db:"file_key" json:"file_key,omitempty"`
	Columns                ColumnList        `db:"columns" json:"columns"`
	TotalRows              int               `db:"total_rows" json:"total_rows"`
	Status                 ImportBatchStatus `db:"status" json:"status"`
	Mapping                FieldMappings     `db:"mapping" json:"mapping,omitempty"`
	CreatedCount           int               `db:"created_count" json:"created_count"`
	UpdatedCount           int               `db:"updated_count" json:"updated_count"`
	SkippedCount           int               `db:"skipped_count" json:"skipped_count"`
	FailedCount            int               `db:"failed_count" json:"failed_count"`
	RollbackAvailableUntil *time.Time        `db:"rollback_available_until" json:"rollback_available_until,omitempty"`
	CreatedAt              time.Time         `db:"created_at" json:"created_at"`
	CompletedAt            *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
}

// RollbackAvailable reports whether the batch can still be reversed at t.
func (b *ImportBatch) RollbackAvailable(t time.Time) bool {
	return b.Status == ImportBatchStatusCompleted &&
		b.RollbackAvailableUntil != nil &&
		t.Before(*b.RollbackAvailableUntil)
}

// Executable reports whether Execute may be invoked on the batch.
func (b *ImportBatch) Executable() bool {
	return b.Status == ImportBatchStatusMapping || b.Status == ImportBatchStatusReady
}

// ImportRecord is one source row within a batch. Row number is 1-based over
// the data rows (header excluded) and immutable for the record's lifetime.
type ImportRecord struct {
	ID          uuid.UUID          `db:"id" json:"id"`
	BatchID     uuid.UUID          `db:"batch_id" json:"batch_id"`
	RowNumber   int                `db:"row_number" json:"row_number"`
	RawValues   RawRow             `db:"raw_values" json:"raw_values"`
	MappedValue ClientFields       `db:"mapped_values" json:"mapped_values"`
	Status      ImportRecordStatus `db:"status" json:"status"`
	Action      *ImportAction      `db:"action" json:"action,omitempty"`
	Errors      []string           `db:"-" json:"errors,omitempty"`
	EntityID    *uuid.UUID         `db:"entity_id" json:"entity_id,omitempty"`
	PreImage    *ClientFields      `db:"pre_image" json:"pre_image,omitempty"`
	Flag        *string            `db:"flag" json:"flag,omitempty"`
	ProcessedAt *time.Time         `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt   time.Time          `db:"created_at" json:"created_at"`
}

// RawRow holds the source cells of one row in column order, schema-less.
// Stored as jsonb.
type RawRow []string

func (r RawRow) Value() (driver.Value, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (r *RawRow) Scan(value any) error {
	if value == nil {
		*r = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("expected []byte for raw row, got %T", value)
	}
	return json.Unmarshal(bytes, r)
}

// ColumnList is the ordered detected column set of a batch. Stored as jsonb
// to preserve order.
type ColumnList []string

func (c ColumnList) Value() (driver.Value, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *ColumnList) Scan(value any) error {
	if value == nil {
		*c = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("expected []byte for column list, got %T", value)
	}
	return json.Unmarshal(bytes, c)
}
