package domain

import "github.com/google/uuid"

// Actor is the authenticated caller as resolved from the bearer token.
// Identity and role management live outside this service; the pipeline only
// needs a user id for attribution and an org id for tenant scoping.
type Actor struct {
	UserID uuid.UUID `json:"user_id"`
	OrgID  uuid.UUID `json:"org_id"`
}
