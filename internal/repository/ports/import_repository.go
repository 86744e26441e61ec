package ports

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/caseharbor/caseharbor-api/internal/domain"
)

// ErrStatusConflict is returned by TransitionStatus when the batch is not
// in any of the expected source statuses. It is how concurrent executes on
// the same batch lose the race.
var ErrStatusConflict = errors.New("batch status conflict")

type BatchFilter struct {
	Status *domain.ImportBatchStatus
	Limit  int
	Offset int
}

type ImportBatchRepository interface {
	// CreateBatch inserts the batch and all its records in one transaction,
	// so the batch row count always equals its record count.
	CreateBatch(ctx context.Context, batch *domain.ImportBatch, records []domain.ImportRecord) (*domain.ImportBatch, error)
	FindBatch(ctx context.Context, orgID, id uuid.UUID) (*domain.ImportBatch, error)
	ListBatches(ctx context.Context, orgID uuid.UUID, filter BatchFilter) ([]domain.ImportBatch, int, error)
	ListRecords(ctx context.Context, batchID uuid.UUID, limit int) ([]domain.ImportRecord, error)
	// TransitionStatus moves the batch from one of the expected statuses to
	// the target, failing with ErrStatusConflict otherwise.
	TransitionStatus(ctx context.Context, batchID uuid.UUID, from []domain.ImportBatchStatus, to domain.ImportBatchStatus) error
	SetMapping(ctx context.Context, batchID uuid.UUID, mapping domain.FieldMappings) error
	CompleteBatch(ctx context.Context, batchID uuid.UUID, completedAt, rollbackUntil time.Time) error
	FailBatch(ctx context.Context, batchID uuid.UUID, completedAt time.Time) error
	// BeginRollback claims a COMPLETED batch for reversal by moving it to
	// ROLLING_BACK and clearing the deadline, failing with ErrStatusConflict
	// otherwise. The claim is single-shot; an interrupted reversal is resumed
	// from ROLLING_BACK without claiming again.
	BeginRollback(ctx context.Context, batchID uuid.UUID) error
	// FinishRollback moves a ROLLING_BACK batch to ROLLED_BACK once every
	// applied row has been reversed or flagged.
	FinishRollback(ctx context.Context, batchID uuid.UUID) error
}

type ApplyRowParams struct {
	BatchID  uuid.UUID
	OrgID    uuid.UUID
	RecordID uuid.UUID
	Action   domain.ImportAction
	EntityID *uuid.UUID
	Fields   domain.ClientFields
	Source   string
	Now      time.Time
}

type ApplyRowResult struct {
	EntityID uuid.UUID
	PreImage *domain.ClientFields
}

type RollbackRowParams struct {
	BatchID  uuid.UUID
	OrgID    uuid.UUID
	RecordID uuid.UUID
	Action   domain.ImportAction
	EntityID uuid.UUID
	PreImage *domain.ClientFields
	// ProcessedAt guards create reversal: an entity touched after this
	// instant by unrelated activity is flagged instead of deleted.
	ProcessedAt time.Time
	Now         time.Time
}

type RollbackOutcome struct {
	Reversed bool
	Flag     string
}

// ImportApplier performs the row-scoped mutations of execution and
// rollback. Every method wraps the entity mutation, the record transition
// and the batch counters in a single transaction: a crash between rows
// leaves applied rows applied and the rest pending, never half of either.
type ImportApplier interface {
	// MarkRowValid records that the row's mapped values passed validation
	// before the apply decision. A crash between valid and a later status
	// leaves the row eligible for the next run.
	MarkRowValid(ctx context.Context, batchID, recordID uuid.UUID, fields domain.ClientFields) error
	ApplyRow(ctx context.Context, p ApplyRowParams) (*ApplyRowResult, error)
	MarkRowSkipped(ctx context.Context, batchID, recordID uuid.UUID, now time.Time) error
	MarkRowInvalid(ctx context.Context, batchID, recordID uuid.UUID, rowErrors []string, now time.Time) error
	RollbackRow(ctx context.Context, p RollbackRowParams) (*RollbackOutcome, error)
}
