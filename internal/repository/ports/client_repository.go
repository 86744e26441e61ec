package ports

import (
	"context"

	"github.com/google/uuid"

	"github.com/caseharbor/caseharbor-api/internal/domain"
)

type ClientRepository interface {
	FindByID(ctx context.Context, orgID, id uuid.UUID) (*domain.Client, error)
	// Snapshot returns the org's active clients for duplicate detection.
	// Imports are bounded, so the whole tenant population is loaded once
	// per preview/execute rather than queried per row.
	Snapshot(ctx context.Context, orgID uuid.UUID) ([]domain.Client, error)
}
