package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/caseharbor/caseharbor-api/internal/domain"
	"github.com/caseharbor/caseharbor-api/internal/mapping"
	"github.com/caseharbor/caseharbor-api/internal/repository/ports"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService(store *memoryStore) *ImportService {
	svc := NewImportService(store, store, store, store, nil, ImportServiceConfig{
		MaxRows:        100,
		MaxFileBytes:   1024 * 1024,
		PreviewRows:    5,
		RollbackWindow: 48 * time.Hour,
	})
	svc.now = func() time.Time { return testTime }
	return svc
}

func standardMappings() domain.FieldMappings {
	return domain.FieldMappings{
		{SourceColumn: "First Name", TargetField: mapping.FieldFirstName},
		{SourceColumn: "Last Name", TargetField: mapping.FieldLastName},
		{SourceColumn: "Phone", TargetField: mapping.FieldPhone},
		{SourceColumn: "Email", TargetField: mapping.FieldEmail},
		{SourceColumn: "Zip", TargetField: mapping.FieldZip},
	}
}

const threeRowCSV = "First Name,Last Name,Phone,Email,Zip\n" +
	"Ana,Lopez,555-000-1111,ana@example.com,10001\n" +
	"Ben,King,555-000-2222,ben@example.com,10002\n" +
	"Maria,Garcia,(555) 123-4567,maria@example.com,97035\n"

func seedExistingClient(store *memoryStore, orgID uuid.UUID) *domain.Client {
	phone := "5551234567"
	email := "maria@example.com"
	zip := "97035"
	client := &domain.Client{
		ID:        uuid.New(),
		OrgID:     orgID,
		FirstName: "Maria",
		LastName:  "Garcia",
		Phone:     &phone,
		Email:     &email,
		Zip:       &zip,
		CreatedAt: testTime.Add(-30 * 24 * time.Hour),
		UpdatedAt: testTime.Add(-30 * 24 * time.Hour),
	}
	store.clients[client.ID] = client
	return client
}

func TestImportService_UploadCreatesPendingBatch(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	actor := domain.Actor{UserID: uuid.New(), OrgID: uuid.New()}

	result, err := svc.Upload(context.Background(), actor, "clients.csv", []byte(threeRowCSV))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	batch := result.Batch
	if batch.Status != domain.ImportBatchStatusMapping {
		t.Fatalf("expected MAPPING status, got %s", batch.Status)
	}
	if batch.TotalRows != 3 {
		t.Fatalf("expected 3 rows, got %d", batch.TotalRows)
	}
	if len(batch.Columns) != 5 || batch.Columns[0] != "First Name" {
		t.Fatalf("unexpected columns: %v", batch.Columns)
	}

	records := store.records[batch.ID]
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, rec := range records {
		if rec.Status != domain.ImportRecordStatusPending {
			t.Fatalf("record %d should be pending, got %s", i, rec.Status)
		}
		if rec.RowNumber != i+1 {
			t.Fatalf("record %d has row number %d", i, rec.RowNumber)
		}
	}

	found := map[string]bool{}
	for _, s := range result.Suggestions {
		found[s.TargetField] = true
	}
	for _, want := range []string{mapping.FieldFirstName, mapping.FieldLastName, mapping.FieldPhone, mapping.FieldEmail, mapping.FieldZip} {
		if !found[want] {
			t.Fatalf("missing suggestion for %s (got %v)", want, result.Suggestions)
		}
	}
}

func TestImportService_PreviewRequiresMinimumMapping(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	actor := domain.Actor{UserID: uuid.New(), OrgID: uuid.New()}

	result, err := svc.Upload(context.Background(), actor, "clients.csv", []byte(threeRowCSV))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	incomplete := domain.FieldMappings{
		{SourceColumn: "First Name", TargetField: mapping.FieldFirstName},
		{SourceColumn: "Last Name", TargetField: mapping.FieldLastName},
	}
	if _, err := svc.Preview(context.Background(), actor, result.Batch.ID, incomplete, domain.DuplicateSettings{}); !errors.Is(err, ErrMappingIncomplete) {
		t.Fatalf("expected ErrMappingIncomplete, got %v", err)
	}

	batch := store.batches[result.Batch.ID]
	if batch.Status != domain.ImportBatchStatusMapping {
		t.Fatalf("failed preview must not advance the batch, got %s", batch.Status)
	}
	if batch.Mapping != nil {
		t.Fatalf("failed preview must not store the mapping")
	}
}

func TestImportService_PreviewClassifiesWithoutMutating(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	actor := domain.Actor{UserID: uuid.New(), OrgID: uuid.New()}
	existing := seedExistingClient(store, actor.OrgID)

	uploaded, err := svc.Upload(context.Background(), actor, "clients.csv", []byte(threeRowCSV))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	preview, err := svc.Preview(context.Background(), actor, uploaded.Batch.ID, standardMappings(), domain.DuplicateSettings{})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if len(preview.Rows) != 3 {
		t.Fatalf("expected 3 preview rows, got %d", len(preview.Rows))
	}
	if preview.Summary.Creates != 2 || preview.Summary.Updates != 1 {
		t.Fatalf("expected 2 creates and 1 update, got %+v", preview.Summary)
	}

	maria := preview.Rows[2]
	if maria.Verdict == nil || maria.Verdict.Verdict != domain.DuplicateVerdictCertain {
		t.Fatalf("row 3 should be CERTAIN, got %+v", maria.Verdict)
	}
	if maria.Verdict.CandidateID == nil || *maria.Verdict.CandidateID != existing.ID {
		t.Fatalf("row 3 should match the seeded client")
	}
	if maria.Action != domain.ImportActionUpdate {
		t.Fatalf("CERTAIN defaults to update, got %s", maria.Action)
	}

	if len(store.clients) != 1 {
		t.Fatalf("preview must not create clients")
	}
	for _, rec := range store.records[uploaded.Batch.ID] {
		if rec.Status != domain.ImportRecordStatusPending {
			t.Fatalf("preview must not advance record status, got %s", rec.Status)
		}
	}
}

func TestImportService_ExecuteAppliesRows(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	actor := domain.Actor{UserID: uuid.New(), OrgID: uuid.New()}
	existing := seedExistingClient(store, actor.OrgID)

	uploaded, err := svc.Upload(context.Background(), actor, "clients.csv", []byte(threeRowCSV))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	job, err := svc.Execute(context.Background(), actor, uploaded.Batch.ID, ExecuteInput{Mappings: standardMappings()})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	done := waitForJob(t, store, job.ID)

	if done.Status != domain.ImportJobStatusCompleted {
		t.Fatalf("expected completed job, got %s (%v)", done.Status, done.Error)
	}
	if done.Created != 2 || done.Updated != 1 || done.Processed != 3 {
		t.Fatalf("unexpected counts: %+v", done)
	}

	if len(store.clients) != 3 {
		t.Fatalf("expected 3 clients after import, got %d", len(store.clients))
	}
	updated := store.clients[existing.ID]
	if updated.Zip == nil || *updated.Zip != "97035" {
		t.Fatalf("existing client should keep its zip, got %v", updated.Zip)
	}

	batch := store.batches[uploaded.Batch.ID]
	if batch.Status != domain.ImportBatchStatusCompleted {
		t.Fatalf("expected COMPLETED batch, got %s", batch.Status)
	}
	if batch.RollbackAvailableUntil == nil || !batch.RollbackAvailableUntil.Equal(testTime.Add(48*time.Hour)) {
		t.Fatalf("rollback deadline not set: %v", batch.RollbackAvailableUntil)
	}

	for _, rec := range store.records[batch.ID] {
		if rec.Status != domain.ImportRecordStatusApplied {
			t.Fatalf("row %d should be applied, got %s", rec.RowNumber, rec.Status)
		}
		if rec.EntityID == nil {
			t.Fatalf("row %d missing entity id", rec.RowNumber)
		}
	}
	mariaRec := store.records[batch.ID][2]
	if mariaRec.PreImage == nil || mariaRec.PreImage.FirstName == nil || *mariaRec.PreImage.FirstName != "Maria" {
		t.Fatalf("update row should carry a pre-image, got %+v", mariaRec.PreImage)
	}
}

func TestImportService_ExecuteFailsFastOnIncompleteMapping(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	actor := domain.Actor{UserID: uuid.New(), OrgID: uuid.New()}

	uploaded, err := svc.Upload(context.Background(), actor, "clients.csv", []byte(threeRowCSV))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	_, err = svc.Execute(context.Background(), actor, uploaded.Batch.ID, ExecuteInput{
		Mappings: domain.FieldMappings{{SourceColumn: "First Name", TargetField: mapping.FieldFirstName}},
	})
	if !errors.Is(err, ErrMappingIncomplete) {
		t.Fatalf("expected ErrMappingIncomplete, got %v", err)
	}
	if store.batches[uploaded.Batch.ID].Status != domain.ImportBatchStatusMapping {
		t.Fatalf("failed execute must leave the batch untouched")
	}
	if len(store.jobs) != 0 {
		t.Fatalf("no job may be created before validation passes")
	}
	if len(store.clients) != 0 {
		t.Fatalf("no client may be touched before validation passes")
	}
}

func TestImportService_ExecuteRejectsTerminalBatch(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	actor := domain.Actor{UserID: uuid.New(), OrgID: uuid.New()}

	uploaded, err := svc.Upload(context.Background(), actor, "clients.csv", []byte(threeRowCSV))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	store.batches[uploaded.Batch.ID].Status = domain.ImportBatchStatusCompleted

	if _, err := svc.Execute(context.Background(), actor, uploaded.Batch.ID, ExecuteInput{Mappings: standardMappings()}); !errors.Is(err, ErrBatchNotExecutable) {
		t.Fatalf("expected ErrBatchNotExecutable, got %v", err)
	}
}

func TestImportService_FailedStartReleasesBatch(t *testing.T) {
	store := newMemoryStore()
	store.failJobStart = true
	svc := newTestService(store)
	actor := domain.Actor{UserID: uuid.New(), OrgID: uuid.New()}

	uploaded, err := svc.Upload(context.Background(), actor, "clients.csv", []byte(threeRowCSV))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	if _, err := svc.Execute(context.Background(), actor, uploaded.Batch.ID, ExecuteInput{Mappings: standardMappings()}); err == nil {
		t.Fatalf("expected job store failure")
	}
	if got := store.batches[uploaded.Batch.ID].Status; got != domain.ImportBatchStatusReady {
		t.Fatalf("failed start must release the batch to READY, got %s", got)
	}

	// Once the job store recovers, the same batch executes normally.
	store.failJobStart = false
	job, err := svc.Execute(context.Background(), actor, uploaded.Batch.ID, ExecuteInput{Mappings: standardMappings()})
	if err != nil {
		t.Fatalf("retry execute: %v", err)
	}
	done := waitForJob(t, store, job.ID)
	if done.Status != domain.ImportJobStatusCompleted {
		t.Fatalf("retry should complete, got %s (%v)", done.Status, done.Error)
	}
}

func TestImportService_ReclaimsStalledProcessingBatch(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	actor := domain.Actor{UserID: uuid.New(), OrgID: uuid.New()}

	uploaded, err := svc.Upload(context.Background(), actor, "clients.csv", []byte(threeRowCSV))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	// A PROCESSING batch with no live job is an executor that died before
	// doing any work.
	store.batches[uploaded.Batch.ID].Status = domain.ImportBatchStatusProcessing

	job, err := svc.Execute(context.Background(), actor, uploaded.Batch.ID, ExecuteInput{Mappings: standardMappings()})
	if err != nil {
		t.Fatalf("execute on stalled batch: %v", err)
	}
	done := waitForJob(t, store, job.ID)
	if done.Status != domain.ImportJobStatusCompleted {
		t.Fatalf("reclaimed batch should complete, got %s (%v)", done.Status, done.Error)
	}
	if got := store.batches[uploaded.Batch.ID].Status; got != domain.ImportBatchStatusCompleted {
		t.Fatalf("expected COMPLETED batch, got %s", got)
	}
}

func TestImportService_ProcessingBatchWithLiveJobStaysLocked(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	actor := domain.Actor{UserID: uuid.New(), OrgID: uuid.New()}

	uploaded, err := svc.Upload(context.Background(), actor, "clients.csv", []byte(threeRowCSV))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	store.batches[uploaded.Batch.ID].Status = domain.ImportBatchStatusProcessing
	running := &domain.ImportJob{
		ID:      uuid.New(),
		BatchID: uploaded.Batch.ID,
		OrgID:   actor.OrgID,
		Status:  domain.ImportJobStatusRunning,
	}
	store.jobs[running.ID] = running

	if _, err := svc.Execute(context.Background(), actor, uploaded.Batch.ID, ExecuteInput{Mappings: standardMappings()}); !errors.Is(err, ErrBatchNotExecutable) {
		t.Fatalf("busy batch must stay locked, got %v", err)
	}
	if got := store.batches[uploaded.Batch.ID].Status; got != domain.ImportBatchStatusProcessing {
		t.Fatalf("busy batch must stay PROCESSING, got %s", got)
	}
}

func TestImportService_ReExecuteSkipsProcessedRows(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	actor := domain.Actor{UserID: uuid.New(), OrgID: uuid.New()}

	uploaded, err := svc.Upload(context.Background(), actor, "clients.csv", []byte(threeRowCSV))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	// Simulate a crash while row 2 was in flight: row 1 is done, row 2
	// validated but never reached an apply decision, the batch is back in
	// READY.
	batchID := uploaded.Batch.ID
	appliedClient := &domain.Client{ID: uuid.New(), OrgID: actor.OrgID, FirstName: "Ana", LastName: "Lopez", UpdatedAt: testTime}
	store.clients[appliedClient.ID] = appliedClient
	action := domain.ImportActionCreate
	processedAt := testTime
	store.records[batchID][0].Status = domain.ImportRecordStatusApplied
	store.records[batchID][0].Action = &action
	store.records[batchID][0].EntityID = &appliedClient.ID
	store.records[batchID][0].ProcessedAt = &processedAt
	store.records[batchID][1].Status = domain.ImportRecordStatusValid
	store.batches[batchID].Status = domain.ImportBatchStatusReady

	job, err := svc.Execute(context.Background(), actor, batchID, ExecuteInput{Mappings: standardMappings()})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	done := waitForJob(t, store, job.ID)

	if done.Processed != 3 {
		t.Fatalf("all rows count as processed, got %d", done.Processed)
	}
	// Rows 2 and 3 create; row 1 was already applied and must not run again.
	if len(store.clients) != 3 {
		t.Fatalf("expected 3 clients total, got %d", len(store.clients))
	}
	if store.applyCalls != 2 {
		t.Fatalf("already-applied row must not be re-applied, got %d apply calls", store.applyCalls)
	}
	for _, rec := range store.records[batchID] {
		if rec.Status != domain.ImportRecordStatusApplied {
			t.Fatalf("row %d should end applied, got %s", rec.RowNumber, rec.Status)
		}
	}
}

func TestImportService_RowFailureDoesNotAbortBatch(t *testing.T) {
	store := newMemoryStore()
	store.failApplyRows[2] = true
	svc := newTestService(store)
	actor := domain.Actor{UserID: uuid.New(), OrgID: uuid.New()}

	uploaded, err := svc.Upload(context.Background(), actor, "clients.csv", []byte(threeRowCSV))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	job, err := svc.Execute(context.Background(), actor, uploaded.Batch.ID, ExecuteInput{Mappings: standardMappings()})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	done := waitForJob(t, store, job.ID)

	if done.Status != domain.ImportJobStatusCompleted {
		t.Fatalf("a failing row must not fail the job, got %s", done.Status)
	}
	if done.Failed != 1 || done.Created != 2 {
		t.Fatalf("unexpected counts: %+v", done)
	}

	records := store.records[uploaded.Batch.ID]
	if records[1].Status != domain.ImportRecordStatusInvalid {
		t.Fatalf("failed row should be invalid, got %s", records[1].Status)
	}
	if len(records[1].Errors) == 0 {
		t.Fatalf("failed row should carry its error")
	}
	if records[0].Status != domain.ImportRecordStatusApplied || records[2].Status != domain.ImportRecordStatusApplied {
		t.Fatalf("other rows must still apply")
	}
	if store.batches[uploaded.Batch.ID].Status != domain.ImportBatchStatusCompleted {
		t.Fatalf("batch should complete despite row failure")
	}
}

func TestImportService_InvalidRowsAreRecorded(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	actor := domain.Actor{UserID: uuid.New(), OrgID: uuid.New()}

	csvData := "First Name,Last Name,Phone,Email,Zip\n" +
		"Ana,Lopez,555-000-1111,ana@example.com,10001\n" +
		",King,555-000-2222,ben@example.com,10002\n"
	uploaded, err := svc.Upload(context.Background(), actor, "clients.csv", []byte(csvData))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	job, err := svc.Execute(context.Background(), actor, uploaded.Batch.ID, ExecuteInput{Mappings: standardMappings()})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	done := waitForJob(t, store, job.ID)

	if done.Created != 1 || done.Failed != 1 {
		t.Fatalf("unexpected counts: %+v", done)
	}
	rec := store.records[uploaded.Batch.ID][1]
	if rec.Status != domain.ImportRecordStatusInvalid {
		t.Fatalf("row without first name should be invalid, got %s", rec.Status)
	}
	if len(rec.Errors) == 0 || !strings.Contains(rec.Errors[0], "first name") {
		t.Fatalf("expected first name error, got %v", rec.Errors)
	}
}

func TestImportService_ProbableDuplicateDefaultsToSkip(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	actor := domain.Actor{UserID: uuid.New(), OrgID: uuid.New()}
	seedExistingClient(store, actor.OrgID)

	// Same name and zip as the seeded client, but different phone and email:
	// no exact identifier, so this lands in the fuzzy tier.
	csvData := "First Name,Last Name,Phone,Email,Zip\n" +
		"Maria,Garcia,555-999-8888,m.garcia@example.com,97035\n"
	uploaded, err := svc.Upload(context.Background(), actor, "clients.csv", []byte(csvData))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	preview, err := svc.Preview(context.Background(), actor, uploaded.Batch.ID, standardMappings(), domain.DuplicateSettings{})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	row := preview.Rows[0]
	if row.Verdict == nil || row.Verdict.Verdict != domain.DuplicateVerdictProbable {
		t.Fatalf("expected PROBABLE, got %+v", row.Verdict)
	}
	if row.Action != domain.ImportActionSkip {
		t.Fatalf("PROBABLE defaults to skip, got %s", row.Action)
	}
}

func TestImportService_ResolutionOverridesDefault(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	actor := domain.Actor{UserID: uuid.New(), OrgID: uuid.New()}
	existing := seedExistingClient(store, actor.OrgID)

	csvData := "First Name,Last Name,Phone,Email,Zip\n" +
		"Maria,Garcia,555-999-8888,m.garcia@example.com,97035\n"
	uploaded, err := svc.Upload(context.Background(), actor, "clients.csv", []byte(csvData))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	job, err := svc.Execute(context.Background(), actor, uploaded.Batch.ID, ExecuteInput{
		Mappings: standardMappings(),
		Resolutions: map[int]domain.DuplicateResolution{
			1: {Action: domain.ImportActionUpdate, EntityID: &existing.ID},
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	done := waitForJob(t, store, job.ID)

	if done.Updated != 1 || done.Created != 0 || done.Skipped != 0 {
		t.Fatalf("resolution should force an update, got %+v", done)
	}
	updated := store.clients[existing.ID]
	if updated.Phone == nil || *updated.Phone != "5559998888" {
		t.Fatalf("update should overwrite the phone, got %v", updated.Phone)
	}
}

func TestImportService_RollbackRestoresState(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	actor := domain.Actor{UserID: uuid.New(), OrgID: uuid.New()}
	existing := seedExistingClient(store, actor.OrgID)
	originalEmail := *existing.Email

	uploaded, err := svc.Upload(context.Background(), actor, "clients.csv", []byte(threeRowCSV))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	job, err := svc.Execute(context.Background(), actor, uploaded.Batch.ID, ExecuteInput{Mappings: standardMappings()})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	waitForJob(t, store, job.ID)

	result, err := svc.Rollback(context.Background(), actor, uploaded.Batch.ID)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if result.RolledBack != 3 {
		t.Fatalf("expected 3 reversed rows, got %d (%+v)", result.RolledBack, result.Exceptions)
	}

	alive := 0
	for _, c := range store.clients {
		if c.DeletedAt == nil {
			alive++
		}
	}
	if alive != 1 {
		t.Fatalf("created clients should be soft-deleted, %d still alive", alive)
	}
	restored := store.clients[existing.ID]
	if restored.Email == nil || *restored.Email != originalEmail {
		t.Fatalf("updated client should be restored, got %v", restored.Email)
	}

	batch := store.batches[uploaded.Batch.ID]
	if batch.Status != domain.ImportBatchStatusRolledBack {
		t.Fatalf("expected ROLLED_BACK, got %s", batch.Status)
	}
	if batch.RollbackAvailableUntil != nil {
		t.Fatalf("deadline must be cleared after rollback")
	}
	if batch.CompletedAt == nil || !batch.CompletedAt.Equal(testTime) {
		t.Fatalf("rollback must not overwrite the completion time, got %v", batch.CompletedAt)
	}
	for _, rec := range store.records[batch.ID] {
		if rec.Status != domain.ImportRecordStatusRolledBack {
			t.Fatalf("row %d should be rolled back, got %s", rec.RowNumber, rec.Status)
		}
	}
}

func TestImportService_RollbackIsSingleShot(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	actor := domain.Actor{UserID: uuid.New(), OrgID: uuid.New()}

	uploaded, err := svc.Upload(context.Background(), actor, "clients.csv", []byte(threeRowCSV))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	job, err := svc.Execute(context.Background(), actor, uploaded.Batch.ID, ExecuteInput{Mappings: standardMappings()})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	waitForJob(t, store, job.ID)

	if _, err := svc.Rollback(context.Background(), actor, uploaded.Batch.ID); err != nil {
		t.Fatalf("first rollback: %v", err)
	}
	if _, err := svc.Rollback(context.Background(), actor, uploaded.Batch.ID); !errors.Is(err, ErrRollbackUnavailable) {
		t.Fatalf("second rollback must fail, got %v", err)
	}
}

func TestImportService_RollbackResumesAfterRowFailure(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	actor := domain.Actor{UserID: uuid.New(), OrgID: uuid.New()}

	uploaded, err := svc.Upload(context.Background(), actor, "clients.csv", []byte(threeRowCSV))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	job, err := svc.Execute(context.Background(), actor, uploaded.Batch.ID, ExecuteInput{Mappings: standardMappings()})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	waitForJob(t, store, job.ID)

	// The row loop runs in reverse, so row 3 reverses before row 2 fails.
	store.failRollbackRows[2] = true
	if _, err := svc.Rollback(context.Background(), actor, uploaded.Batch.ID); err == nil {
		t.Fatalf("expected rollback to fail on row 2")
	}

	batch := store.batches[uploaded.Batch.ID]
	if batch.Status != domain.ImportBatchStatusRollingBack {
		t.Fatalf("interrupted rollback must leave the batch ROLLING_BACK, got %s", batch.Status)
	}
	records := store.records[batch.ID]
	if records[2].Status != domain.ImportRecordStatusRolledBack {
		t.Fatalf("row 3 should be rolled back, got %s", records[2].Status)
	}
	if records[0].Status != domain.ImportRecordStatusApplied || records[1].Status != domain.ImportRecordStatusApplied {
		t.Fatalf("rows before the failure must stay applied")
	}

	// The storage hiccup clears; the retry reverses only what is left.
	delete(store.failRollbackRows, 2)
	result, err := svc.Rollback(context.Background(), actor, uploaded.Batch.ID)
	if err != nil {
		t.Fatalf("resumed rollback: %v", err)
	}
	if result.RolledBack != 2 {
		t.Fatalf("resume should reverse the 2 remaining rows, got %d", result.RolledBack)
	}
	if batch.Status != domain.ImportBatchStatusRolledBack {
		t.Fatalf("expected ROLLED_BACK after resume, got %s", batch.Status)
	}
	if batch.CompletedAt == nil || !batch.CompletedAt.Equal(testTime) {
		t.Fatalf("rollback must not overwrite the completion time, got %v", batch.CompletedAt)
	}
	alive := 0
	for _, c := range store.clients {
		if c.DeletedAt == nil {
			alive++
		}
	}
	if alive != 0 {
		t.Fatalf("all created clients should be soft-deleted, %d still alive", alive)
	}
	for _, rec := range records {
		if rec.Status != domain.ImportRecordStatusRolledBack {
			t.Fatalf("row %d should be rolled back, got %s", rec.RowNumber, rec.Status)
		}
	}
}

func TestImportService_RollbackWindowExpires(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	actor := domain.Actor{UserID: uuid.New(), OrgID: uuid.New()}

	uploaded, err := svc.Upload(context.Background(), actor, "clients.csv", []byte(threeRowCSV))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	job, err := svc.Execute(context.Background(), actor, uploaded.Batch.ID, ExecuteInput{Mappings: standardMappings()})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	waitForJob(t, store, job.ID)

	svc.now = func() time.Time { return testTime.Add(49 * time.Hour) }
	if _, err := svc.Rollback(context.Background(), actor, uploaded.Batch.ID); !errors.Is(err, ErrRollbackUnavailable) {
		t.Fatalf("expected ErrRollbackUnavailable after the window, got %v", err)
	}
}

func TestImportService_RollbackFlagsModifiedClients(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	actor := domain.Actor{UserID: uuid.New(), OrgID: uuid.New()}

	csvData := "First Name,Last Name,Phone,Email,Zip\n" +
		"Ana,Lopez,555-000-1111,ana@example.com,10001\n"
	uploaded, err := svc.Upload(context.Background(), actor, "clients.csv", []byte(csvData))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	job, err := svc.Execute(context.Background(), actor, uploaded.Batch.ID, ExecuteInput{Mappings: standardMappings()})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	waitForJob(t, store, job.ID)

	// Someone edits the imported client before the rollback.
	rec := store.records[uploaded.Batch.ID][0]
	store.clients[*rec.EntityID].UpdatedAt = testTime.Add(time.Hour)

	result, err := svc.Rollback(context.Background(), actor, uploaded.Batch.ID)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if result.RolledBack != 0 {
		t.Fatalf("modified client must not be reversed")
	}
	if len(result.Exceptions) != 1 || result.Exceptions[0].Flag != domain.FlagModifiedAfterImport {
		t.Fatalf("expected modified_after_import exception, got %+v", result.Exceptions)
	}
	if store.clients[*rec.EntityID].DeletedAt != nil {
		t.Fatalf("modified client must stay alive")
	}
}

func waitForJob(t *testing.T, store *memoryStore, jobID uuid.UUID) *domain.ImportJob {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		job, ok := store.jobs[jobID]
		var snapshot domain.ImportJob
		if ok {
			snapshot = *job
		}
		store.mu.Unlock()
		if ok && snapshot.Status != domain.ImportJobStatusRunning {
			return &snapshot
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish in time", jobID)
	return nil
}

// memoryStore backs every port the import service needs, mimicking the
// per-row semantics of the real applier.
type memoryStore struct {
	mu      sync.Mutex
	batches map[uuid.UUID]*domain.ImportBatch
	records map[uuid.UUID][]domain.ImportRecord
	clients map[uuid.UUID]*domain.Client
	jobs    map[uuid.UUID]*domain.ImportJob

	applyCalls       int
	failApplyRows    map[int]bool
	failRollbackRows map[int]bool
	failJobStart     bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		batches:          make(map[uuid.UUID]*domain.ImportBatch),
		records:          make(map[uuid.UUID][]domain.ImportRecord),
		clients:          make(map[uuid.UUID]*domain.Client),
		jobs:             make(map[uuid.UUID]*domain.ImportJob),
		failApplyRows:    make(map[int]bool),
		failRollbackRows: make(map[int]bool),
	}
}

func (m *memoryStore) CreateBatch(ctx context.Context, batch *domain.ImportBatch, records []domain.ImportRecord) (*domain.ImportBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *batch
	stored.CreatedAt = testTime
	m.batches[batch.ID] = &stored
	m.records[batch.ID] = append([]domain.ImportRecord(nil), records...)
	out := stored
	return &out, nil
}

func (m *memoryStore) FindBatch(ctx context.Context, orgID, id uuid.UUID) (*domain.ImportBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, ok := m.batches[id]
	if !ok || batch.OrgID != orgID {
		return nil, domain.ErrImportBatchNotFound
	}
	out := *batch
	return &out, nil
}

func (m *memoryStore) ListBatches(ctx context.Context, orgID uuid.UUID, filter ports.BatchFilter) ([]domain.ImportBatch, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ImportBatch
	for _, b := range m.batches {
		if b.OrgID != orgID {
			continue
		}
		if filter.Status != nil && b.Status != *filter.Status {
			continue
		}
		out = append(out, *b)
	}
	return out, len(out), nil
}

func (m *memoryStore) ListRecords(ctx context.Context, batchID uuid.UUID, limit int) ([]domain.ImportRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.records[batchID]
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return append([]domain.ImportRecord(nil), records...), nil
}

func (m *memoryStore) TransitionStatus(ctx context.Context, batchID uuid.UUID, from []domain.ImportBatchStatus, to domain.ImportBatchStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, ok := m.batches[batchID]
	if !ok {
		return domain.ErrImportBatchNotFound
	}
	for _, f := range from {
		if batch.Status == f {
			batch.Status = to
			return nil
		}
	}
	return ports.ErrStatusConflict
}

func (m *memoryStore) SetMapping(ctx context.Context, batchID uuid.UUID, mappings domain.FieldMappings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if batch, ok := m.batches[batchID]; ok {
		batch.Mapping = mappings
	}
	return nil
}

func (m *memoryStore) CompleteBatch(ctx context.Context, batchID uuid.UUID, completedAt, rollbackUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := m.batches[batchID]
	batch.Status = domain.ImportBatchStatusCompleted
	batch.CompletedAt = &completedAt
	batch.RollbackAvailableUntil = &rollbackUntil
	return nil
}

func (m *memoryStore) FailBatch(ctx context.Context, batchID uuid.UUID, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := m.batches[batchID]
	batch.Status = domain.ImportBatchStatusFailed
	batch.CompletedAt = &completedAt
	return nil
}

func (m *memoryStore) BeginRollback(ctx context.Context, batchID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := m.batches[batchID]
	if batch.Status != domain.ImportBatchStatusCompleted {
		return ports.ErrStatusConflict
	}
	batch.Status = domain.ImportBatchStatusRollingBack
	batch.RollbackAvailableUntil = nil
	return nil
}

func (m *memoryStore) FinishRollback(ctx context.Context, batchID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := m.batches[batchID]
	if batch.Status != domain.ImportBatchStatusRollingBack {
		return ports.ErrStatusConflict
	}
	batch.Status = domain.ImportBatchStatusRolledBack
	return nil
}

func (m *memoryStore) FindByID(ctx context.Context, orgID, id uuid.UUID) (*domain.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	client, ok := m.clients[id]
	if !ok || client.OrgID != orgID || client.DeletedAt != nil {
		return nil, domain.ErrClientNotFound
	}
	out := *client
	return &out, nil
}

func (m *memoryStore) Snapshot(ctx context.Context, orgID uuid.UUID) ([]domain.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Client
	for _, c := range m.clients {
		if c.OrgID == orgID && c.DeletedAt == nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memoryStore) MarkRowValid(ctx context.Context, batchID, recordID uuid.UUID, fields domain.ClientFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.findRecordLocked(batchID, recordID)
	if rec == nil {
		return fmt.Errorf("record %s not found", recordID)
	}
	rec.Status = domain.ImportRecordStatusValid
	rec.MappedValue = fields
	return nil
}

func (m *memoryStore) ApplyRow(ctx context.Context, p ports.ApplyRowParams) (*ports.ApplyRowResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.findRecordLocked(p.BatchID, p.RecordID)
	if rec == nil {
		return nil, fmt.Errorf("record %s not found", p.RecordID)
	}
	if m.failApplyRows[rec.RowNumber] {
		return nil, fmt.Errorf("synthetic failure for row %d", rec.RowNumber)
	}
	m.applyCalls++

	result := &ports.ApplyRowResult{}
	switch p.Action {
	case domain.ImportActionCreate:
		client := &domain.Client{
			ID:        uuid.New(),
			OrgID:     p.OrgID,
			CreatedAt: p.Now,
			UpdatedAt: p.Now,
			Source:    &p.Source,
		}
		applyFieldsToClient(client, p.Fields)
		m.clients[client.ID] = client
		result.EntityID = client.ID
	case domain.ImportActionUpdate:
		client, ok := m.clients[*p.EntityID]
		if !ok || client.DeletedAt != nil {
			return nil, domain.ErrClientNotFound
		}
		pre := snapshotClientFields(client)
		result.PreImage = &pre
		applyFieldsToClient(client, p.Fields)
		client.UpdatedAt = p.Now
		result.EntityID = client.ID
	default:
		return nil, fmt.Errorf("action %q is not applicable", p.Action)
	}

	rec.Status = domain.ImportRecordStatusApplied
	action := p.Action
	rec.Action = &action
	rec.MappedValue = p.Fields
	rec.EntityID = &result.EntityID
	rec.PreImage = result.PreImage
	now := p.Now
	rec.ProcessedAt = &now

	batch := m.batches[p.BatchID]
	if p.Action == domain.ImportActionCreate {
		batch.CreatedCount++
	} else {
		batch.UpdatedCount++
	}
	return result, nil
}

func (m *memoryStore) MarkRowSkipped(ctx context.Context, batchID, recordID uuid.UUID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.findRecordLocked(batchID, recordID)
	if rec == nil {
		return fmt.Errorf("record %s not found", recordID)
	}
	rec.Status = domain.ImportRecordStatusSkipped
	action := domain.ImportActionSkip
	rec.Action = &action
	rec.ProcessedAt = &now
	m.batches[batchID].SkippedCount++
	return nil
}

func (m *memoryStore) MarkRowInvalid(ctx context.Context, batchID, recordID uuid.UUID, rowErrors []string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.findRecordLocked(batchID, recordID)
	if rec == nil {
		return fmt.Errorf("record %s not found", recordID)
	}
	rec.Status = domain.ImportRecordStatusInvalid
	rec.Errors = rowErrors
	rec.ProcessedAt = &now
	m.batches[batchID].FailedCount++
	return nil
}

func (m *memoryStore) RollbackRow(ctx context.Context, p ports.RollbackRowParams) (*ports.RollbackOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.findRecordLocked(p.BatchID, p.RecordID)
	if rec == nil {
		return nil, fmt.Errorf("record %s not found", p.RecordID)
	}
	if m.failRollbackRows[rec.RowNumber] {
		return nil, fmt.Errorf("synthetic rollback failure for row %d", rec.RowNumber)
	}

	outcome := &ports.RollbackOutcome{Reversed: true}
	client, ok := m.clients[p.EntityID]
	switch {
	case p.Action == domain.ImportActionUpdate && p.PreImage == nil:
		outcome.Reversed = false
		outcome.Flag = domain.FlagMissingPreImage
	case !ok || client.DeletedAt != nil:
		outcome.Reversed = false
		outcome.Flag = domain.FlagEntityMissing
	case client.UpdatedAt.After(p.ProcessedAt):
		outcome.Reversed = false
		outcome.Flag = domain.FlagModifiedAfterImport
	}

	if outcome.Reversed {
		switch p.Action {
		case domain.ImportActionCreate:
			now := p.Now
			client.DeletedAt = &now
			client.UpdatedAt = now
		case domain.ImportActionUpdate:
			applyFieldsToClient(client, *p.PreImage)
			client.UpdatedAt = p.Now
		}
	}

	rec.Status = domain.ImportRecordStatusRolledBack
	if outcome.Flag != "" {
		flag := outcome.Flag
		rec.Flag = &flag
	}
	return outcome, nil
}

func (m *memoryStore) Start(ctx context.Context, job *domain.ImportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failJobStart {
		return fmt.Errorf("synthetic job store failure")
	}
	stored := *job
	m.jobs[job.ID] = &stored
	return nil
}

func (m *memoryStore) Progress(ctx context.Context, jobID uuid.UUID, p domain.ImportProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[jobID]; ok {
		job.Processed, job.Created, job.Updated, job.Skipped, job.Failed = p.Processed, p.Created, p.Updated, p.Skipped, p.Failed
	}
	return nil
}

func (m *memoryStore) Complete(ctx context.Context, jobID uuid.UUID, p domain.ImportProgress, finishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[jobID]; ok {
		job.Status = domain.ImportJobStatusCompleted
		job.Processed, job.Created, job.Updated, job.Skipped, job.Failed = p.Processed, p.Created, p.Updated, p.Skipped, p.Failed
		job.FinishedAt = &finishedAt
	}
	return nil
}

func (m *memoryStore) Fail(ctx context.Context, jobID uuid.UUID, reason string, p domain.ImportProgress, finishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[jobID]; ok {
		job.Status = domain.ImportJobStatusFailed
		job.Error = &reason
		job.Processed, job.Created, job.Updated, job.Skipped, job.Failed = p.Processed, p.Created, p.Updated, p.Skipped, p.Failed
		job.FinishedAt = &finishedAt
	}
	return nil
}

func (m *memoryStore) FindJobByID(ctx context.Context, orgID, id uuid.UUID) (*domain.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.OrgID != orgID {
		return nil, domain.ErrImportJobNotFound
	}
	out := *job
	return &out, nil
}

func (m *memoryStore) RunningJobForBatch(ctx context.Context, batchID uuid.UUID) (*domain.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.BatchID == batchID && job.Status == domain.ImportJobStatusRunning {
			out := *job
			return &out, nil
		}
	}
	return nil, nil
}

func (m *memoryStore) findRecordLocked(batchID, recordID uuid.UUID) *domain.ImportRecord {
	records := m.records[batchID]
	for i := range records {
		if records[i].ID == recordID {
			return &records[i]
		}
	}
	return nil
}

func applyFieldsToClient(c *domain.Client, f domain.ClientFields) {
	if f.FirstName != nil {
		c.FirstName = *f.FirstName
	}
	if f.LastName != nil {
		c.LastName = *f.LastName
	}
	if f.Phone != nil {
		c.Phone = f.Phone
	}
	if f.Email != nil {
		c.Email = f.Email
	}
	if f.DateOfBirth != nil {
		if parsed, err := time.Parse("2006-01-02", *f.DateOfBirth); err == nil {
			c.DateOfBirth = &parsed
		}
	}
	if f.Zip != nil {
		c.Zip = f.Zip
	}
	if f.Address != nil {
		c.Address = f.Address
	}
	if f.Notes != nil {
		c.Notes = f.Notes
	}
}

func snapshotClientFields(c *domain.Client) domain.ClientFields {
	fields := domain.ClientFields{
		FirstName: strPtr(c.FirstName),
		LastName:  strPtr(c.LastName),
		Phone:     c.Phone,
		Email:     c.Email,
		Zip:       c.Zip,
		Address:   c.Address,
		Notes:     c.Notes,
	}
	if c.DateOfBirth != nil {
		dob := c.DateOfBirth.Format("2006-01-02")
		fields.DateOfBirth = &dob
	}
	return fields
}

func strPtr(s string) *string {
	return &s
}
