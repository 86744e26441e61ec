package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/caseharbor/caseharbor-api/internal/domain"
)

const clientColumns = `id, org_id, first_name, last_name, phone, email, date_of_birth,
	       zip, address, notes, source, created_at, updated_at, deleted_at`

type ClientRepository struct {
	db *sqlx.DB
}

func NewClientRepo(db *sqlx.DB) *ClientRepository {
	return &ClientRepository{db: db}
}

func (r *ClientRepository) FindByID(ctx context.Context, orgID, id uuid.UUID) (*domain.Client, error) {
	const query = `
		SELECT ` + clientColumns + `
		FROM client
		WHERE id = $1 AND org_id = $2 AND deleted_at IS NULL
	`

	var client domain.Client
	if err := r.db.GetContext(ctx, &client, query, id, orgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrClientNotFound
		}
		return nil, err
	}
	return &client, nil
}

func (r *ClientRepository) Snapshot(ctx context.Context, orgID uuid.UUID) ([]domain.Client, error) {
	const query = `
		SELECT ` + clientColumns + `
		FROM client
		WHERE org_id = $1 AND deleted_at IS NULL
		ORDER BY updated_at DESC
	`

	clients := make([]domain.Client, 0)
	if err := r.db.SelectContext(ctx, &clients, query, orgID); err != nil {
		return nil, err
	}
	return clients, nil
}
