package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Client is the entity imports target. Every client belongs to exactly one
// organization; all lookups are org-scoped.
type Client struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	OrgID       uuid.UUID  `db:"org_id" json:"org_id"`
	FirstName   string     `db:"first_name" json:"first_name"`
	LastName    string     `db:"last_name" json:"last_name"`
	Phone       *string    `db:"phone" json:"phone,omitempty"`
	Email       *string    `db:"email" json:"email,omitempty"`
	DateOfBirth *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Zip         *string    `db:"zip" json:"zip,omitempty"`
	Address     *string    `db:"address" json:"address,omitempty"`
	Notes       *string    `db:"notes" json:"notes,omitempty"`
	Source      *string    `db:"source" json:"source,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
	DeletedAt   *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// ClientFields is the sparse field set an import row writes onto a client.
// It is also the shape of the pre-image captured before an update, so a
// rollback can restore exactly the fields the import touched. Stored as
// jsonb.
type ClientFields struct {
	FirstName   *string `json:"first_name,omitempty"`
	LastName    *string `json:"last_name,omitempty"`
	Phone       *string `json:"phone,omitempty"`
	Email       *string `json:"email,omitempty"`
	DateOfBirth *string `json:"date_of_birth,omitempty"`
	Zip         *string `json:"zip,omitempty"`
	Address     *string `json:"address,omitempty"`
	Notes       *string `json:"notes,omitempty"`
}

func (f ClientFields) Value() (driver.Value, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (f *ClientFields) Scan(value any) error {
	if value == nil {
		*f = ClientFields{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("expected []byte for client fields, got %T", value)
	}
	return json.Unmarshal(bytes, f)
}

// IsZero reports whether no field is set.
func (f ClientFields) IsZero() bool {
	return f.FirstName == nil && f.LastName == nil && f.Phone == nil &&
		f.Email == nil && f.DateOfBirth == nil && f.Zip == nil &&
		f.Address == nil && f.Notes == nil
}

var ErrClientNotFound = errors.New("client not found")
