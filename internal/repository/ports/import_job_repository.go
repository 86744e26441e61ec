package ports

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/caseharbor/caseharbor-api/internal/domain"
)

// JobProgressSink receives incremental progress from the executor. It is a
// separate interface so the executor does not depend on how progress is
// stored or polled.
type JobProgressSink interface {
	Start(ctx context.Context, job *domain.ImportJob) error
	Progress(ctx context.Context, jobID uuid.UUID, p domain.ImportProgress) error
	Complete(ctx context.Context, jobID uuid.UUID, p domain.ImportProgress, finishedAt time.Time) error
	Fail(ctx context.Context, jobID uuid.UUID, reason string, p domain.ImportProgress, finishedAt time.Time) error
}

type ImportJobRepository interface {
	JobProgressSink
	FindJobByID(ctx context.Context, orgID, id uuid.UUID) (*domain.ImportJob, error)
	// RunningJobForBatch returns the batch's live job, or nil when no run is
	// in flight. A PROCESSING batch with no live job is an executor that died
	// mid-run and may be reclaimed.
	RunningJobForBatch(ctx context.Context, batchID uuid.UUID) (*domain.ImportJob, error)
}
