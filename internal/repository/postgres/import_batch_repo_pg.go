package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/caseharbor/caseharbor-api/internal/domain"
	"github.com/caseharbor/caseharbor-api/internal/repository/ports"
)

const batchColumns = `id, org_id, uploaded_by, filename, file_key, columns, total_rows, status,
	       mapping, created_count, updated_count, skipped_count, failed_count,
	       rollback_available_until, created_at, completed_at`

const recordColumns = `id, batch_id, row_number, raw_values, mapped_values, status, action,
	       errors, entity_id, pre_image, flag, processed_at, created_at`

type ImportBatchRepository struct {
	db *sqlx.DB
}

func NewImportBatchRepo(db *sqlx.DB) *ImportBatchRepository {
	return &ImportBatchRepository{db: db}
}

// importRecordRow mirrors domain.ImportRecord with the errors text[] column
// made scannable.
type importRecordRow struct {
	domain.ImportRecord
	ErrorList pq.StringArray `db:"errors"`
}

func (r importRecordRow) toDomain() domain.ImportRecord {
	rec := r.ImportRecord
	rec.Errors = []string(r.ErrorList)
	return rec
}

func (r *ImportBatchRepository) CreateBatch(ctx context.Context, batch *domain.ImportBatch, records []domain.ImportRecord) (*domain.ImportBatch, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	const batchQuery = `
		INSERT INTO import_batch (
			id, org_id, uploaded_by, filename, file_key, columns, total_rows, status, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, NOW()
		)
		RETURNING ` + batchColumns + `
	`

	var inserted domain.ImportBatch
	if err := tx.GetContext(ctx, &inserted, batchQuery,
		batch.ID,
		batch.OrgID,
		batch.UploadedBy,
		batch.Filename,
		nullStringPtr(batch.FileKey),
		batch.Columns,
		batch.TotalRows,
		batch.Status,
	); err != nil {
		return nil, err
	}

	const recordQuery = `
		INSERT INTO import_record (
			id, batch_id, row_number, raw_values, status, created_at
		) VALUES (
			$1, $2, $3, $4, $5, NOW()
		)
	`
	for _, rec := range records {
		if _, err := tx.ExecContext(ctx, recordQuery,
			rec.ID,
			inserted.ID,
			rec.RowNumber,
			rec.RawValues,
			domain.ImportRecordStatusPending,
		); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &inserted, nil
}

func (r *ImportBatchRepository) FindBatch(ctx context.Context, orgID, id uuid.UUID) (*domain.ImportBatch, error) {
	const query = `
		SELECT ` + batchColumns + `
		FROM import_batch
		WHERE id = $1 AND org_id = $2
	`

	var batch domain.ImportBatch
	if err := r.db.GetContext(ctx, &batch, query, id, orgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrImportBatchNotFound
		}
		return nil, err
	}
	return &batch, nil
}

func (r *ImportBatchRepository) ListBatches(ctx context.Context, orgID uuid.UUID, filter ports.BatchFilter) ([]domain.ImportBatch, int, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + batchColumns + ` FROM import_batch WHERE org_id = $1`
	countQuery := `SELECT COUNT(*) FROM import_batch WHERE org_id = $1`
	args := []any{orgID}

	if filter.Status != nil {
		query += ` AND status = $2`
		countQuery += ` AND status = $2`
		args = append(args, *filter.Status)
	}
	query += ` ORDER BY created_at DESC LIMIT ` + strconv.Itoa(limit) + ` OFFSET ` + strconv.Itoa(offset)

	batches := make([]domain.ImportBatch, 0)
	if err := r.db.SelectContext(ctx, &batches, query, args...); err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}
	return batches, total, nil
}

func (r *ImportBatchRepository) ListRecords(ctx context.Context, batchID uuid.UUID, limit int) ([]domain.ImportRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM import_record
		WHERE batch_id = $1
		ORDER BY row_number ASC
	`
	if limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(limit)
	}

	rows := make([]importRecordRow, 0)
	if err := r.db.SelectContext(ctx, &rows, query, batchID); err != nil {
		return nil, err
	}

	records := make([]domain.ImportRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toDomain())
	}
	return records, nil
}

func (r *ImportBatchRepository) TransitionStatus(ctx context.Context, batchID uuid.UUID, from []domain.ImportBatchStatus, to domain.ImportBatchStatus) error {
	const query = `
		UPDATE import_batch
		SET status = $2
		WHERE id = $1 AND status = ANY($3)
	`

	fromValues := make([]string, len(from))
	for i, s := range from {
		fromValues[i] = string(s)
	}

	res, err := r.db.ExecContext(ctx, query, batchID, to, pq.Array(fromValues))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ports.ErrStatusConflict
	}
	return nil
}

func (r *ImportBatchRepository) SetMapping(ctx context.Context, batchID uuid.UUID, mapping domain.FieldMappings) error {
	const query = `UPDATE import_batch SET mapping = $2 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, batchID, mapping)
	return err
}

func (r *ImportBatchRepository) CompleteBatch(ctx context.Context, batchID uuid.UUID, completedAt, rollbackUntil time.Time) error {
	const query = `
		UPDATE import_batch
		SET status = $2, completed_at = $3, rollback_available_until = $4
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, batchID, domain.ImportBatchStatusCompleted, completedAt, rollbackUntil)
	return err
}

func (r *ImportBatchRepository) FailBatch(ctx context.Context, batchID uuid.UUID, completedAt time.Time) error {
	const query = `
		UPDATE import_batch
		SET status = $2, completed_at = $3
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, batchID, domain.ImportBatchStatusFailed, completedAt)
	return err
}

func (r *ImportBatchRepository) BeginRollback(ctx context.Context, batchID uuid.UUID) error {
	const query = `
		UPDATE import_batch
		SET status = $2, rollback_available_until = NULL
		WHERE id = $1 AND status = $3
	`

	res, err := r.db.ExecContext(ctx, query, batchID, domain.ImportBatchStatusRollingBack, domain.ImportBatchStatusCompleted)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ports.ErrStatusConflict
	}
	return nil
}

func (r *ImportBatchRepository) FinishRollback(ctx context.Context, batchID uuid.UUID) error {
	const query = `
		UPDATE import_batch
		SET status = $2
		WHERE id = $1 AND status = $3
	`

	res, err := r.db.ExecContext(ctx, query, batchID, domain.ImportBatchStatusRolledBack, domain.ImportBatchStatusRollingBack)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ports.ErrStatusConflict
	}
	return nil
}
