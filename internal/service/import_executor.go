package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/caseharbor/caseharbor-api/internal/domain"
	"github.com/caseharbor/caseharbor-api/internal/matching"
	"github.com/caseharbor/caseharbor-api/internal/repository/ports"
)

// ExecuteInput is the caller's confirmed execution plan: the mapping to
// apply, the duplicate settings, and per-row overrides keyed by row number.
type ExecuteInput struct {
	Mappings    domain.FieldMappings               `json:"mappings"`
	Settings    domain.DuplicateSettings           `json:"settings"`
	Resolutions map[int]domain.DuplicateResolution `json:"resolutions"`
}

// Execute validates the plan, locks the batch by moving it to PROCESSING,
// and starts the row loop on a background goroutine. The returned job is the
// handle callers poll for progress. Mapping problems are reported before any
// mutation happens.
func (s *ImportService) Execute(ctx context.Context, actor domain.Actor, batchID uuid.UUID, input ExecuteInput) (*domain.ImportJob, error) {
	batch, err := s.batches.FindBatch(ctx, actor.OrgID, batchID)
	if err != nil {
		return nil, err
	}
	if !batch.Executable() {
		if err := s.reclaimStalledBatch(ctx, batch); err != nil {
			return nil, err
		}
	}
	if len(input.Mappings) == 0 {
		input.Mappings = batch.Mapping
	}
	if err := validateMapping(input.Mappings); err != nil {
		return nil, err
	}

	if err := s.batches.TransitionStatus(ctx, batch.ID,
		[]domain.ImportBatchStatus{domain.ImportBatchStatusMapping, domain.ImportBatchStatusReady},
		domain.ImportBatchStatusProcessing,
	); err != nil {
		if errors.Is(err, ports.ErrStatusConflict) {
			return nil, ErrBatchNotExecutable
		}
		return nil, err
	}
	if err := s.batches.SetMapping(ctx, batch.ID, input.Mappings); err != nil {
		s.releaseBatch(ctx, batch.ID)
		return nil, err
	}

	job := &domain.ImportJob{
		ID:        uuid.New(),
		BatchID:   batch.ID,
		OrgID:     actor.OrgID,
		ActorID:   actor.UserID,
		Status:    domain.ImportJobStatusRunning,
		TotalRows: batch.TotalRows,
		StartedAt: s.now(),
	}
	if err := s.jobs.Start(ctx, job); err != nil {
		s.releaseBatch(ctx, batch.ID)
		return nil, err
	}

	// The request context ends when the response is written; the job owns
	// its own lifetime.
	go s.runExecution(context.Background(), batch, job, input)

	return job, nil
}

// reclaimStalledBatch moves a PROCESSING batch whose executor died back to
// READY. A batch with a live job is genuinely busy and stays locked; the
// status CAS makes sure only one caller wins the reclaim.
func (s *ImportService) reclaimStalledBatch(ctx context.Context, batch *domain.ImportBatch) error {
	if batch.Status != domain.ImportBatchStatusProcessing {
		return ErrBatchNotExecutable
	}
	running, err := s.jobs.RunningJobForBatch(ctx, batch.ID)
	if err != nil {
		return err
	}
	if running != nil {
		return ErrBatchNotExecutable
	}
	if err := s.batches.TransitionStatus(ctx, batch.ID,
		[]domain.ImportBatchStatus{domain.ImportBatchStatusProcessing},
		domain.ImportBatchStatusReady,
	); err != nil {
		if errors.Is(err, ports.ErrStatusConflict) {
			return ErrBatchNotExecutable
		}
		return err
	}
	return nil
}

// releaseBatch undoes the PROCESSING claim when the run could not start.
func (s *ImportService) releaseBatch(ctx context.Context, batchID uuid.UUID) {
	if err := s.batches.TransitionStatus(ctx, batchID,
		[]domain.ImportBatchStatus{domain.ImportBatchStatusProcessing},
		domain.ImportBatchStatusReady,
	); err != nil {
		log.Printf("import batch %s: releasing processing claim: %v", batchID, err)
	}
}

func (s *ImportService) runExecution(ctx context.Context, batch *domain.ImportBatch, job *domain.ImportJob, input ExecuteInput) {
	var progress domain.ImportProgress

	records, err := s.batches.ListRecords(ctx, batch.ID, 0)
	if err != nil {
		s.failExecution(ctx, batch, job, progress, err)
		return
	}
	detector, err := s.snapshotDetector(ctx, batch.OrgID, input.Settings)
	if err != nil {
		s.failExecution(ctx, batch, job, progress, err)
		return
	}

	source := "import:" + batch.ID.String()
	for i := range records {
		rec := &records[i]

		// A re-run after a crash picks up where the last one stopped:
		// anything already processed only feeds the counters. A valid row
		// never reached an apply decision and goes around again.
		if rec.Status != domain.ImportRecordStatusPending && rec.Status != domain.ImportRecordStatusValid {
			progress.Processed++
			countProcessed(&progress, rec)
			continue
		}

		fields, rowErrors := buildFields(batch.Columns, rec.RawValues, input.Mappings)
		if len(rowErrors) > 0 {
			if err := s.applier.MarkRowInvalid(ctx, batch.ID, rec.ID, rowErrors, s.now()); err != nil {
				s.failExecution(ctx, batch, job, progress, err)
				return
			}
			progress.Processed++
			progress.Failed++
			s.pushProgress(ctx, job.ID, progress)
			continue
		}

		if err := s.applier.MarkRowValid(ctx, batch.ID, rec.ID, fields); err != nil {
			s.failExecution(ctx, batch, job, progress, err)
			return
		}

		verdict := detector.DetectRow(fields)
		action, entityID := resolveAction(rec.RowNumber, verdict, input)

		if action == domain.ImportActionSkip {
			if err := s.applier.MarkRowSkipped(ctx, batch.ID, rec.ID, s.now()); err != nil {
				s.failExecution(ctx, batch, job, progress, err)
				return
			}
			progress.Processed++
			progress.Skipped++
			s.pushProgress(ctx, job.ID, progress)
			continue
		}

		result, err := s.applier.ApplyRow(ctx, ports.ApplyRowParams{
			BatchID:  batch.ID,
			OrgID:    batch.OrgID,
			RecordID: rec.ID,
			Action:   action,
			EntityID: entityID,
			Fields:   fields,
			Source:   source,
			Now:      s.now(),
		})
		if err != nil {
			// A failing row never aborts the batch; the failure is recorded
			// on the row and the loop moves on.
			rowErr := []string{err.Error()}
			if markErr := s.applier.MarkRowInvalid(ctx, batch.ID, rec.ID, rowErr, s.now()); markErr != nil {
				s.failExecution(ctx, batch, job, progress, markErr)
				return
			}
			progress.Processed++
			progress.Failed++
			s.pushProgress(ctx, job.ID, progress)
			continue
		}

		progress.Processed++
		switch action {
		case domain.ImportActionCreate:
			progress.Created++
			detector.Add(candidateFromFields(fields, result.EntityID, s.now()))
		case domain.ImportActionUpdate:
			progress.Updated++
		}
		s.pushProgress(ctx, job.ID, progress)
	}

	completedAt := s.now()
	rollbackUntil := completedAt.Add(s.rollbackWindow)
	if err := s.batches.CompleteBatch(ctx, batch.ID, completedAt, rollbackUntil); err != nil {
		s.failExecution(ctx, batch, job, progress, err)
		return
	}
	if err := s.jobs.Complete(ctx, job.ID, progress, completedAt); err != nil {
		log.Printf("import job %s: completing progress record failed: %v", job.ID, err)
	}
}

// resolveAction picks the action for one classified row: an explicit caller
// resolution wins, otherwise the verdict's default applies. An update with
// no resolvable target entity falls back to create.
func resolveAction(rowNumber int, verdict matching.Verdict, input ExecuteInput) (domain.ImportAction, *uuid.UUID) {
	action := defaultAction(verdict, input.Settings)
	entityID := verdict.CandidateID

	if res, ok := input.Resolutions[rowNumber]; ok {
		action = res.Action
		if res.EntityID != nil {
			entityID = res.EntityID
		}
	}
	if action == domain.ImportActionUpdate && (entityID == nil || *entityID == uuid.Nil) {
		action = domain.ImportActionCreate
		entityID = nil
	}
	return action, entityID
}

func countProcessed(progress *domain.ImportProgress, rec *domain.ImportRecord) {
	switch rec.Status {
	case domain.ImportRecordStatusApplied:
		if rec.Action != nil && *rec.Action == domain.ImportActionUpdate {
			progress.Updated++
		} else {
			progress.Created++
		}
	case domain.ImportRecordStatusSkipped:
		progress.Skipped++
	case domain.ImportRecordStatusInvalid:
		progress.Failed++
	}
}

func (s *ImportService) pushProgress(ctx context.Context, jobID uuid.UUID, progress domain.ImportProgress) {
	if err := s.jobs.Progress(ctx, jobID, progress); err != nil {
		log.Printf("import job %s: progress update failed: %v", jobID, err)
	}
}

func (s *ImportService) failExecution(ctx context.Context, batch *domain.ImportBatch, job *domain.ImportJob, progress domain.ImportProgress, cause error) {
	now := s.now()
	if err := s.batches.FailBatch(ctx, batch.ID, now); err != nil {
		log.Printf("import batch %s: marking failed: %v", batch.ID, err)
	}
	reason := fmt.Sprintf("import aborted: %v", cause)
	if err := s.jobs.Fail(ctx, job.ID, reason, progress, now); err != nil {
		log.Printf("import job %s: marking failed: %v", job.ID, err)
	}
}
