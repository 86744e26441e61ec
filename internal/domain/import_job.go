package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrImportJobNotFound = errors.New("import job not found")

type ImportJobStatus string

const (
	ImportJobStatusRunning   ImportJobStatus = "running"
	ImportJobStatusCompleted ImportJobStatus = "completed"
	ImportJobStatusFailed    ImportJobStatus = "failed"
)

// ImportJob is the externally observable progress record of one asynchronous
// execution. The executor updates it incrementally; callers poll it.
type ImportJob struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	BatchID    uuid.UUID       `db:"batch_id" json:"batch_id"`
	OrgID      uuid.UUID       `db:"org_id" json:"org_id"`
	ActorID    uuid.UUID       `db:"actor_id" json:"actor_id"`
	Status     ImportJobStatus `db:"status" json:"status"`
	TotalRows  int             `db:"total_rows" json:"total_rows"`
	Processed  int             `db:"processed" json:"processed"`
	Created    int             `db:"created" json:"created"`
	Updated    int             `db:"updated" json:"updated"`
	Skipped    int             `db:"skipped" json:"skipped"`
	Failed     int             `db:"failed" json:"failed"`
	Error      *string         `db:"error" json:"error,omitempty"`
	StartedAt  time.Time       `db:"started_at" json:"started_at"`
	FinishedAt *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
}

// ImportProgress is the incremental counter snapshot pushed through the
// progress sink after each processed row.
type ImportProgress struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}
