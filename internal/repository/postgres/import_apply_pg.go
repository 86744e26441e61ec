package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/caseharbor/caseharbor-api/internal/domain"
	"github.com/caseharbor/caseharbor-api/internal/repository/ports"
)

const dateLayout = "2006-01-02"

// ImportApplier mutates clients row by row. Each method runs in its own
// transaction so a crash mid-batch leaves every row either fully applied
// or untouched.
type ImportApplier struct {
	db *sqlx.DB
}

func NewImportApplier(db *sqlx.DB) *ImportApplier {
	return &ImportApplier{db: db}
}

func (a *ImportApplier) MarkRowValid(ctx context.Context, batchID, recordID uuid.UUID, fields domain.ClientFields) error {
	const query = `
		UPDATE import_record
		SET status = $2, mapped_values = $3
		WHERE id = $1
	`
	_, err := a.db.ExecContext(ctx, query, recordID, domain.ImportRecordStatusValid, fields)
	return err
}

func (a *ImportApplier) ApplyRow(ctx context.Context, p ports.ApplyRowParams) (*ports.ApplyRowResult, error) {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var result ports.ApplyRowResult

	switch p.Action {
	case domain.ImportActionCreate:
		entityID, err := insertClient(ctx, tx, p)
		if err != nil {
			return nil, err
		}
		result.EntityID = entityID

	case domain.ImportActionUpdate:
		if p.EntityID == nil {
			return nil, fmt.Errorf("update row %s has no target entity", p.RecordID)
		}
		preImage, err := updateClient(ctx, tx, p)
		if err != nil {
			return nil, err
		}
		result.EntityID = *p.EntityID
		result.PreImage = preImage

	default:
		return nil, fmt.Errorf("action %q is not applicable", p.Action)
	}

	const recordQuery = `
		UPDATE import_record
		SET status = $2, action = $3, mapped_values = $4, entity_id = $5, pre_image = $6, processed_at = $7
		WHERE id = $1
	`
	if _, err := tx.ExecContext(ctx, recordQuery,
		p.RecordID,
		domain.ImportRecordStatusApplied,
		p.Action,
		p.Fields,
		result.EntityID,
		result.PreImage,
		p.Now,
	); err != nil {
		return nil, err
	}

	counter := "created_count"
	if p.Action == domain.ImportActionUpdate {
		counter = "updated_count"
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE import_batch SET `+counter+` = `+counter+` + 1 WHERE id = $1`,
		p.BatchID,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &result, nil
}

func (a *ImportApplier) MarkRowSkipped(ctx context.Context, batchID, recordID uuid.UUID, now time.Time) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const recordQuery = `
		UPDATE import_record
		SET status = $2, action = $3, processed_at = $4
		WHERE id = $1
	`
	if _, err := tx.ExecContext(ctx, recordQuery,
		recordID, domain.ImportRecordStatusSkipped, domain.ImportActionSkip, now,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE import_batch SET skipped_count = skipped_count + 1 WHERE id = $1`,
		batchID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (a *ImportApplier) MarkRowInvalid(ctx context.Context, batchID, recordID uuid.UUID, rowErrors []string, now time.Time) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const recordQuery = `
		UPDATE import_record
		SET status = $2, errors = $3, processed_at = $4
		WHERE id = $1
	`
	if _, err := tx.ExecContext(ctx, recordQuery,
		recordID, domain.ImportRecordStatusInvalid, pq.Array(rowErrors), now,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE import_batch SET failed_count = failed_count + 1 WHERE id = $1`,
		batchID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (a *ImportApplier) RollbackRow(ctx context.Context, p ports.RollbackRowParams) (*ports.RollbackOutcome, error) {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	outcome := ports.RollbackOutcome{Reversed: true}
	if p.Action == domain.ImportActionUpdate && p.PreImage == nil {
		outcome.Reversed = false
		outcome.Flag = domain.FlagMissingPreImage
	}

	if outcome.Reversed {
		var current struct {
			UpdatedAt time.Time  `db:"updated_at"`
			DeletedAt *time.Time `db:"deleted_at"`
		}
		const lookupQuery = `SELECT updated_at, deleted_at FROM client WHERE id = $1 AND org_id = $2 FOR UPDATE`
		err := tx.GetContext(ctx, &current, lookupQuery, p.EntityID, p.OrgID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			outcome.Reversed = false
			outcome.Flag = domain.FlagEntityMissing
		case err != nil:
			return nil, err
		case current.DeletedAt != nil:
			outcome.Reversed = false
			outcome.Flag = domain.FlagEntityMissing
		case current.UpdatedAt.After(p.ProcessedAt):
			// Someone touched the client after the import finished. Leave it
			// alone and surface the conflict instead.
			outcome.Reversed = false
			outcome.Flag = domain.FlagModifiedAfterImport
		}
	}

	if outcome.Reversed {
		switch p.Action {
		case domain.ImportActionCreate:
			const deleteQuery = `UPDATE client SET deleted_at = $3, updated_at = $3 WHERE id = $1 AND org_id = $2`
			if _, err := tx.ExecContext(ctx, deleteQuery, p.EntityID, p.OrgID, p.Now); err != nil {
				return nil, err
			}

		case domain.ImportActionUpdate:
			dob, err := dateValue(p.PreImage.DateOfBirth)
			if err != nil {
				return nil, err
			}
			const restoreQuery = `
				UPDATE client
				SET first_name = COALESCE($3, first_name), last_name = COALESCE($4, last_name),
				    phone = $5, email = $6, date_of_birth = $7, zip = $8, address = $9, notes = $10,
				    updated_at = $11
				WHERE id = $1 AND org_id = $2
			`
			if _, err := tx.ExecContext(ctx, restoreQuery,
				p.EntityID, p.OrgID,
				p.PreImage.FirstName, p.PreImage.LastName,
				p.PreImage.Phone, p.PreImage.Email, dob,
				p.PreImage.Zip, p.PreImage.Address, p.PreImage.Notes,
				p.Now,
			); err != nil {
				return nil, err
			}

		default:
			return nil, fmt.Errorf("action %q is not reversible", p.Action)
		}
	}

	const recordQuery = `
		UPDATE import_record
		SET status = $2, flag = $3
		WHERE id = $1
	`
	var flag *string
	if outcome.Flag != "" {
		flag = &outcome.Flag
	}
	if _, err := tx.ExecContext(ctx, recordQuery,
		p.RecordID, domain.ImportRecordStatusRolledBack, flag,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &outcome, nil
}

// insertClient creates a new client from the mapped fields. First and last
// name are guaranteed non-nil by validation before the row reaches apply.
func insertClient(ctx context.Context, tx *sqlx.Tx, p ports.ApplyRowParams) (uuid.UUID, error) {
	dob, err := dateValue(p.Fields.DateOfBirth)
	if err != nil {
		return uuid.Nil, err
	}

	const query = `
		INSERT INTO client (
			id, org_id, first_name, last_name, phone, email, date_of_birth,
			zip, address, notes, source, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12
		)
		RETURNING id
	`

	var id uuid.UUID
	if err := tx.GetContext(ctx, &id, query,
		uuid.New(), p.OrgID,
		deref(p.Fields.FirstName), deref(p.Fields.LastName),
		p.Fields.Phone, p.Fields.Email, dob,
		p.Fields.Zip, p.Fields.Address, p.Fields.Notes,
		p.Source, p.Now,
	); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// updateClient overwrites the mapped fields on an existing client and
// returns a snapshot of all importable fields as they were before. The full
// snapshot means a rollback restores the client without knowing which
// fields the row touched.
func updateClient(ctx context.Context, tx *sqlx.Tx, p ports.ApplyRowParams) (*domain.ClientFields, error) {
	const lookupQuery = `
		SELECT ` + clientColumns + `
		FROM client
		WHERE id = $1 AND org_id = $2 AND deleted_at IS NULL
		FOR UPDATE
	`

	var before domain.Client
	if err := tx.GetContext(ctx, &before, lookupQuery, p.EntityID, p.OrgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrClientNotFound
		}
		return nil, err
	}
	preImage := snapshotFields(&before)

	after := before
	applyFields(&after, p.Fields)
	dob := nullTimePtr(after.DateOfBirth)

	const query = `
		UPDATE client
		SET first_name = $3, last_name = $4, phone = $5, email = $6,
		    date_of_birth = $7, zip = $8, address = $9, notes = $10, updated_at = $11
		WHERE id = $1 AND org_id = $2
	`
	if _, err := tx.ExecContext(ctx, query,
		p.EntityID, p.OrgID,
		after.FirstName, after.LastName, after.Phone, after.Email, dob,
		after.Zip, after.Address, after.Notes,
		p.Now,
	); err != nil {
		return nil, err
	}
	return preImage, nil
}

func snapshotFields(c *domain.Client) *domain.ClientFields {
	snap := domain.ClientFields{
		FirstName: &c.FirstName,
		LastName:  &c.LastName,
		Phone:     c.Phone,
		Email:     c.Email,
		Zip:       c.Zip,
		Address:   c.Address,
		Notes:     c.Notes,
	}
	if c.DateOfBirth != nil {
		formatted := c.DateOfBirth.Format(dateLayout)
		snap.DateOfBirth = &formatted
	}
	return &snap
}

// applyFields merges the sparse mapped fields onto the client. A nil field
// leaves the current value untouched.
func applyFields(c *domain.Client, f domain.ClientFields) {
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
		if parsed, err := time.Parse(dateLayout, *f.DateOfBirth); err == nil {
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

func dateValue(s *string) (any, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	parsed, err := time.Parse(dateLayout, *s)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", *s, err)
	}
	return parsed, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
