package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/caseharbor/caseharbor-api/internal/domain"
	"github.com/caseharbor/caseharbor-api/internal/mapping"
	"github.com/caseharbor/caseharbor-api/internal/matching"
	"github.com/caseharbor/caseharbor-api/internal/repository/ports"
	"github.com/caseharbor/caseharbor-api/internal/tabular"
)

const dateLayout = "2006-01-02"

// detailRecordLimit bounds how many records a batch detail response carries.
const detailRecordLimit = 200

type ImportServiceConfig struct {
	Bucket         string
	MaxRows        int
	MaxFileBytes   int64
	PreviewRows    int
	FuzzyThreshold float64
	RollbackWindow time.Duration
}

type ImportService struct {
	batches ports.ImportBatchRepository
	clients ports.ClientRepository
	applier ports.ImportApplier
	jobs    ports.ImportJobRepository
	storage ports.ObjectStorage
	scorer  matching.Scorer

	bucket         string
	maxRows        int
	maxFileBytes   int64
	previewRows    int
	threshold      float64
	rollbackWindow time.Duration
	now            func() time.Time
}

func NewImportService(
	batches ports.ImportBatchRepository,
	clients ports.ClientRepository,
	applier ports.ImportApplier,
	jobs ports.ImportJobRepository,
	storage ports.ObjectStorage,
	cfg ImportServiceConfig,
) *ImportService {
	maxRows := cfg.MaxRows
	if maxRows <= 0 {
		maxRows = 5000
	}
	maxFile := cfg.MaxFileBytes
	if maxFile <= 0 {
		maxFile = 10 * 1024 * 1024
	}
	previewRows := cfg.PreviewRows
	if previewRows <= 0 {
		previewRows = 20
	}
	threshold := cfg.FuzzyThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = matching.DefaultThreshold
	}
	window := cfg.RollbackWindow
	if window <= 0 {
		window = 48 * time.Hour
	}

	return &ImportService{
		batches:        batches,
		clients:        clients,
		applier:        applier,
		jobs:           jobs,
		storage:        storage,
		scorer:         matching.TokenSetScorer{},
		bucket:         cfg.Bucket,
		maxRows:        maxRows,
		maxFileBytes:   maxFile,
		previewRows:    previewRows,
		threshold:      threshold,
		rollbackWindow: window,
		now:            time.Now,
	}
}

type UploadResult struct {
	Batch       *domain.ImportBatch   `json:"batch"`
	SampleRows  []domain.ImportRecord `json:"sample_rows"`
	Suggestions []mapping.Suggestion  `json:"suggestions"`
	Warnings    []string              `json:"warnings,omitempty"`
}

// Upload parses the file, retains the raw bytes, and creates the batch with
// one pending record per data row. The batch starts in MAPPING with advisory
// mapping suggestions; nothing touches client data yet.
func (s *ImportService) Upload(ctx context.Context, actor domain.Actor, filename string, contents []byte) (*UploadResult, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	table, err := tabular.Parse(contents, ext, tabular.Limits{
		MaxBytes: s.maxFileBytes,
		MaxRows:  s.maxRows,
	})
	if err != nil {
		return nil, err
	}

	batchID := uuid.New()
	var fileKey *string
	if s.storage != nil && s.bucket != "" {
		objectName := buildObjectName(batchID, filename)
		key, err := s.storage.Upload(ctx, s.bucket, objectName, contentTypeFor(ext), bytes.NewReader(contents), int64(len(contents)))
		if err != nil {
			return nil, err
		}
		fileKey = &key
	}

	batch := &domain.ImportBatch{
		ID:         batchID,
		OrgID:      actor.OrgID,
		UploadedBy: actor.UserID,
		Filename:   filepath.Base(filename),
		FileKey:    fileKey,
		Columns:    domain.ColumnList(table.Columns),
		TotalRows:  len(table.Rows),
		Status:     domain.ImportBatchStatusMapping,
	}

	records := make([]domain.ImportRecord, 0, len(table.Rows))
	for i, row := range table.Rows {
		records = append(records, domain.ImportRecord{
			ID:        uuid.New(),
			BatchID:   batchID,
			RowNumber: i + 1,
			RawValues: rawRow(row, len(table.Columns)),
			Status:    domain.ImportRecordStatusPending,
		})
	}

	inserted, err := s.batches.CreateBatch(ctx, batch, records)
	if err != nil {
		return nil, err
	}

	sample := records
	if len(sample) > s.previewRows {
		sample = sample[:s.previewRows]
	}

	return &UploadResult{
		Batch:       inserted,
		SampleRows:  sample,
		Suggestions: mapping.Suggest(table),
		Warnings:    table.Warnings,
	}, nil
}

// GetBatch returns the batch, a bounded record page, and whether rollback is
// still available at the time of the call.
func (s *ImportService) GetBatch(ctx context.Context, actor domain.Actor, batchID uuid.UUID) (*domain.ImportBatch, []domain.ImportRecord, bool, error) {
	batch, err := s.batches.FindBatch(ctx, actor.OrgID, batchID)
	if err != nil {
		return nil, nil, false, err
	}
	records, err := s.batches.ListRecords(ctx, batch.ID, detailRecordLimit)
	if err != nil {
		return nil, nil, false, err
	}
	return batch, records, batch.RollbackAvailable(s.now()), nil
}

func (s *ImportService) ListBatches(ctx context.Context, actor domain.Actor, filter ports.BatchFilter) ([]domain.ImportBatch, int, error) {
	return s.batches.ListBatches(ctx, actor.OrgID, filter)
}

func (s *ImportService) GetJob(ctx context.Context, actor domain.Actor, jobID uuid.UUID) (*domain.ImportJob, error) {
	return s.jobs.FindJobByID(ctx, actor.OrgID, jobID)
}

type PreviewRow struct {
	RowNumber int                 `json:"row_number"`
	Values    domain.ClientFields `json:"values"`
	Errors    []string            `json:"errors,omitempty"`
	Verdict   *matching.Verdict   `json:"verdict,omitempty"`
	Action    domain.ImportAction `json:"action"`
}

type PreviewSummary struct {
	Creates int `json:"creates"`
	Updates int `json:"updates"`
	Skips   int `json:"skips"`
	Invalid int `json:"invalid"`
}

type PreviewResult struct {
	BatchID uuid.UUID      `json:"batch_id"`
	Rows    []PreviewRow   `json:"rows"`
	Summary PreviewSummary `json:"summary"`
}

// Preview maps and validates every row and classifies it against the current
// tenant snapshot, without touching any client. It can be re-invoked with
// different mappings or settings; the supplied mapping is stored on the
// batch so the next call may omit it.
func (s *ImportService) Preview(ctx context.Context, actor domain.Actor, batchID uuid.UUID, mappings domain.FieldMappings, settings domain.DuplicateSettings) (*PreviewResult, error) {
	batch, err := s.batches.FindBatch(ctx, actor.OrgID, batchID)
	if err != nil {
		return nil, err
	}
	if !batch.Executable() {
		return nil, ErrBatchNotExecutable
	}
	if len(mappings) == 0 {
		mappings = batch.Mapping
	}
	if err := validateMapping(mappings); err != nil {
		return nil, err
	}
	if err := s.batches.SetMapping(ctx, batch.ID, mappings); err != nil {
		return nil, err
	}
	if err := s.batches.TransitionStatus(ctx, batch.ID,
		[]domain.ImportBatchStatus{domain.ImportBatchStatusMapping, domain.ImportBatchStatusReady},
		domain.ImportBatchStatusReady,
	); err != nil {
		if errors.Is(err, ports.ErrStatusConflict) {
			return nil, ErrBatchNotExecutable
		}
		return nil, err
	}

	records, err := s.batches.ListRecords(ctx, batch.ID, 0)
	if err != nil {
		return nil, err
	}
	detector, err := s.snapshotDetector(ctx, actor.OrgID, settings)
	if err != nil {
		return nil, err
	}

	result := &PreviewResult{BatchID: batch.ID, Rows: make([]PreviewRow, 0, len(records))}
	for _, rec := range records {
		row := PreviewRow{RowNumber: rec.RowNumber}

		fields, rowErrors := buildFields(batch.Columns, rec.RawValues, mappings)
		row.Values = fields
		if len(rowErrors) > 0 {
			row.Errors = rowErrors
			row.Action = domain.ImportActionSkip
			result.Summary.Invalid++
			result.Rows = append(result.Rows, row)
			continue
		}

		verdict := detector.DetectRow(fields)
		row.Verdict = &verdict
		row.Action = defaultAction(verdict, settings)

		// An update against a row earlier in the same file has no entity
		// yet, so preview can only propose skipping it.
		if row.Action == domain.ImportActionUpdate && (verdict.CandidateID == nil || *verdict.CandidateID == uuid.Nil) {
			row.Action = domain.ImportActionSkip
		}

		switch row.Action {
		case domain.ImportActionCreate:
			result.Summary.Creates++
			detector.Add(candidateFromFields(fields, uuid.Nil, s.now()))
		case domain.ImportActionUpdate:
			result.Summary.Updates++
		default:
			result.Summary.Skips++
		}
		result.Rows = append(result.Rows, row)
	}
	return result, nil
}

func (s *ImportService) snapshotDetector(ctx context.Context, orgID uuid.UUID, settings domain.DuplicateSettings) (*matching.Detector, error) {
	clients, err := s.clients.Snapshot(ctx, orgID)
	if err != nil {
		return nil, err
	}
	candidates := make([]matching.Candidate, 0, len(clients))
	for i := range clients {
		candidates = append(candidates, candidateFromClient(&clients[i]))
	}
	if settings.Threshold <= 0 {
		settings.Threshold = s.threshold
	}
	return matching.NewDetector(candidates, settings, s.scorer), nil
}

func defaultAction(verdict matching.Verdict, settings domain.DuplicateSettings) domain.ImportAction {
	switch verdict.Verdict {
	case domain.DuplicateVerdictCertain:
		if settings.CertainDefault != nil {
			return *settings.CertainDefault
		}
		return domain.ImportActionUpdate
	case domain.DuplicateVerdictProbable:
		if settings.ProbableDefault != nil {
			return *settings.ProbableDefault
		}
		return domain.ImportActionSkip
	default:
		return domain.ImportActionCreate
	}
}

func validateMapping(mappings domain.FieldMappings) error {
	for _, m := range mappings {
		if !mapping.KnownField(m.TargetField) {
			return fmt.Errorf("%w: %s", ErrUnknownTargetField, m.TargetField)
		}
	}
	if missing := mapping.MissingRequired(mappings); len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMappingIncomplete, strings.Join(missing, ", "))
	}
	return nil
}

// buildFields maps one raw row through the confirmed mapping, applying
// transforms and coercing values against the target field types. Returned
// errors are row-local; they never abort the batch.
func buildFields(columns domain.ColumnList, raw domain.RawRow, mappings domain.FieldMappings) (domain.ClientFields, []string) {
	colIndex := make(map[string]int, len(columns))
	for i, c := range columns {
		colIndex[c] = i
	}

	var fields domain.ClientFields
	var rowErrors []string

	for _, m := range mappings {
		idx, ok := colIndex[m.SourceColumn]
		if !ok {
			rowErrors = append(rowErrors, fmt.Sprintf("source column %q not in file", m.SourceColumn))
			continue
		}
		value := ""
		if idx < len(raw) {
			value = strings.TrimSpace(raw[idx])
		}
		value = applyTransform(value, m.Transform)
		if value == "" {
			continue
		}

		switch m.TargetField {
		case mapping.FieldFirstName:
			fields.FirstName = &value
		case mapping.FieldLastName:
			fields.LastName = &value
		case mapping.FieldPhone:
			normalized := matching.NormalizePhone(value)
			if normalized == "" {
				rowErrors = append(rowErrors, fmt.Sprintf("invalid phone number %q", value))
				continue
			}
			fields.Phone = &normalized
		case mapping.FieldEmail:
			normalized := matching.NormalizeEmail(value)
			if normalized == "" {
				rowErrors = append(rowErrors, fmt.Sprintf("invalid email address %q", value))
				continue
			}
			fields.Email = &normalized
		case mapping.FieldDateOfBirth:
			parsed, ok := tabular.ParseDate(value)
			if !ok {
				rowErrors = append(rowErrors, fmt.Sprintf("invalid date %q", value))
				continue
			}
			iso := parsed.Format(dateLayout)
			fields.DateOfBirth = &iso
		case mapping.FieldZip:
			fields.Zip = &value
		case mapping.FieldAddress:
			fields.Address = &value
		case mapping.FieldNotes:
			fields.Notes = &value
		}
	}

	if fields.FirstName == nil {
		rowErrors = append(rowErrors, "first name is required")
	}
	if fields.LastName == nil {
		rowErrors = append(rowErrors, "last name is required")
	}
	if fields.Phone == nil && fields.Email == nil {
		rowErrors = append(rowErrors, "phone or email is required")
	}
	return fields, rowErrors
}

func applyTransform(value, transform string) string {
	switch transform {
	case mapping.TransformTrim:
		return strings.TrimSpace(value)
	case mapping.TransformNormalizePhone:
		if normalized := matching.NormalizePhone(value); normalized != "" {
			return normalized
		}
		return value
	case mapping.TransformNormalizeEmail:
		if normalized := matching.NormalizeEmail(value); normalized != "" {
			return normalized
		}
		return value
	default:
		return value
	}
}

func candidateFromClient(c *domain.Client) matching.Candidate {
	cand := matching.Candidate{
		ID:        c.ID,
		FirstName: c.FirstName,
		LastName:  c.LastName,
		UpdatedAt: c.UpdatedAt,
	}
	if c.Phone != nil {
		cand.Phone = matching.NormalizePhone(*c.Phone)
	}
	if c.Email != nil {
		cand.Email = matching.NormalizeEmail(*c.Email)
	}
	if c.Zip != nil {
		cand.Zip = *c.Zip
	}
	if c.DateOfBirth != nil {
		cand.DateOfBirth = c.DateOfBirth.Format(dateLayout)
	}
	return cand
}

func candidateFromFields(f domain.ClientFields, id uuid.UUID, updatedAt time.Time) matching.Candidate {
	cand := matching.Candidate{ID: id, UpdatedAt: updatedAt}
	if f.FirstName != nil {
		cand.FirstName = *f.FirstName
	}
	if f.LastName != nil {
		cand.LastName = *f.LastName
	}
	if f.Phone != nil {
		cand.Phone = matching.NormalizePhone(*f.Phone)
	}
	if f.Email != nil {
		cand.Email = matching.NormalizeEmail(*f.Email)
	}
	if f.Zip != nil {
		cand.Zip = *f.Zip
	}
	if f.DateOfBirth != nil {
		cand.DateOfBirth = *f.DateOfBirth
	}
	return cand
}

func rawRow(row tabular.Row, width int) domain.RawRow {
	out := make(domain.RawRow, width)
	for i := 0; i < width; i++ {
		out[i] = row.Get(i).Raw
	}
	return out
}

func buildObjectName(batchID uuid.UUID, filename string) string {
	name := strings.TrimSpace(filename)
	if name == "" {
		name = "upload"
	}
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, " ", "_")
	return fmt.Sprintf("imports/%s/%s", batchID.String(), name)
}

func contentTypeFor(ext string) string {
	switch ext {
	case "csv":
		return "text/csv"
	case "xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case "json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// Template is the canonical CSV upload template: one header per mappable
// client field plus an example row.
func Template() []byte {
	return []byte(
		"first_name,last_name,phone,email,date_of_birth,zip,address,notes\n" +
			"Jane,Doe,555-867-5309,jane.doe@example.com,1984-03-12,97201,123 Main St,Prefers morning calls\n",
	)
}
