package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/caseharbor/caseharbor-api/internal/domain"
	"github.com/caseharbor/caseharbor-api/internal/repository/ports"
)

type RollbackException struct {
	RowNumber int    `json:"row_number"`
	Flag      string `json:"flag"`
}

type RollbackResult struct {
	BatchID    uuid.UUID           `json:"batch_id"`
	RolledBack int                 `json:"rolled_back"`
	Exceptions []RollbackException `json:"exceptions,omitempty"`
}

// Rollback reverses a completed batch: created clients are soft-deleted,
// updated clients restored from their pre-images. A client touched by
// anything else since the import is flagged instead of reversed. The batch
// is claimed as ROLLING_BACK up front, so rollback is single-shot even under
// concurrent calls, and becomes ROLLED_BACK only once every applied row has
// been dealt with. A call that failed partway leaves the batch ROLLING_BACK
// and the next call resumes over the rows still applied.
func (s *ImportService) Rollback(ctx context.Context, actor domain.Actor, batchID uuid.UUID) (*RollbackResult, error) {
	batch, err := s.batches.FindBatch(ctx, actor.OrgID, batchID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	switch {
	case batch.RollbackAvailable(now):
		if err := s.batches.BeginRollback(ctx, batch.ID); err != nil {
			if errors.Is(err, ports.ErrStatusConflict) {
				return nil, ErrRollbackUnavailable
			}
			return nil, err
		}
	case batch.Status == domain.ImportBatchStatusRollingBack:
		// Resuming an interrupted reversal. The deadline no longer applies
		// once the batch committed to rolling back.
	default:
		return nil, ErrRollbackUnavailable
	}

	records, err := s.batches.ListRecords(ctx, batch.ID, 0)
	if err != nil {
		return nil, err
	}

	result := &RollbackResult{BatchID: batch.ID}

	// Reverse row order: when several rows updated the same client, the
	// earliest pre-image is restored last and wins.
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Status != domain.ImportRecordStatusApplied || rec.Action == nil || rec.EntityID == nil {
			continue
		}
		if *rec.Action != domain.ImportActionCreate && *rec.Action != domain.ImportActionUpdate {
			continue
		}

		processedAt := now
		if rec.ProcessedAt != nil {
			processedAt = *rec.ProcessedAt
		}
		outcome, err := s.applier.RollbackRow(ctx, ports.RollbackRowParams{
			BatchID:     batch.ID,
			OrgID:       actor.OrgID,
			RecordID:    rec.ID,
			Action:      *rec.Action,
			EntityID:    *rec.EntityID,
			PreImage:    rec.PreImage,
			ProcessedAt: processedAt,
			Now:         now,
		})
		if err != nil {
			return nil, err
		}
		if outcome.Reversed {
			result.RolledBack++
		} else {
			result.Exceptions = append(result.Exceptions, RollbackException{
				RowNumber: rec.RowNumber,
				Flag:      outcome.Flag,
			})
		}
	}

	if err := s.batches.FinishRollback(ctx, batch.ID); err != nil {
		return nil, err
	}
	return result, nil
}
