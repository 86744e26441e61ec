package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/caseharbor/caseharbor-api/internal/domain"
)

const jobColumns = `id, batch_id, org_id, actor_id, status, total_rows,
	       processed, created, updated, skipped, failed, error, started_at, finished_at`

type ImportJobRepository struct {
	db *sqlx.DB
}

func NewImportJobRepo(db *sqlx.DB) *ImportJobRepository {
	return &ImportJobRepository{db: db}
}

func (r *ImportJobRepository) Start(ctx context.Context, job *domain.ImportJob) error {
	const query = `
		INSERT INTO import_job (
			id, batch_id, org_id, actor_id, status, total_rows, started_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.BatchID, job.OrgID, job.ActorID,
		domain.ImportJobStatusRunning, job.TotalRows, job.StartedAt,
	)
	return err
}

func (r *ImportJobRepository) Progress(ctx context.Context, jobID uuid.UUID, p domain.ImportProgress) error {
	const query = `
		UPDATE import_job
		SET processed = $2, created = $3, updated = $4, skipped = $5, failed = $6
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query,
		jobID, p.Processed, p.Created, p.Updated, p.Skipped, p.Failed,
	)
	return err
}

func (r *ImportJobRepository) Complete(ctx context.Context, jobID uuid.UUID, p domain.ImportProgress, finishedAt time.Time) error {
	const query = `
		UPDATE import_job
		SET status = $2, processed = $3, created = $4, updated = $5, skipped = $6, failed = $7, finished_at = $8
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query,
		jobID, domain.ImportJobStatusCompleted,
		p.Processed, p.Created, p.Updated, p.Skipped, p.Failed, finishedAt,
	)
	return err
}

func (r *ImportJobRepository) Fail(ctx context.Context, jobID uuid.UUID, reason string, p domain.ImportProgress, finishedAt time.Time) error {
	const query = `
		UPDATE import_job
		SET status = $2, error = $3, processed = $4, created = $5, updated = $6, skipped = $7, failed = $8, finished_at = $9
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query,
		jobID, domain.ImportJobStatusFailed, reason,
		p.Processed, p.Created, p.Updated, p.Skipped, p.Failed, finishedAt,
	)
	return err
}

func (r *ImportJobRepository) RunningJobForBatch(ctx context.Context, batchID uuid.UUID) (*domain.ImportJob, error) {
	const query = `
		SELECT ` + jobColumns + `
		FROM import_job
		WHERE batch_id = $1 AND status = $2
		ORDER BY started_at DESC
		LIMIT 1
	`

	var job domain.ImportJob
	if err := r.db.GetContext(ctx, &job, query, batchID, domain.ImportJobStatusRunning); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func (r *ImportJobRepository) FindJobByID(ctx context.Context, orgID, id uuid.UUID) (*domain.ImportJob, error) {
	const query = `
		SELECT ` + jobColumns + `
		FROM import_job
		WHERE id = $1 AND org_id = $2
	`

	var job domain.ImportJob
	if err := r.db.GetContext(ctx, &job, query, id, orgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrImportJobNotFound
		}
		return nil, err
	}
	return &job, nil
}
