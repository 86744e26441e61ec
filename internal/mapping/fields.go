package mapping

import "github.com/caseharbor/caseharbor-api/internal/domain"

// Target field paths of the client schema. These are the only destinations
// a source column can be mapped onto.
const (
	FieldFirstName   = "client.firstName"
	FieldLastName    = "client.lastName"
	FieldPhone       = "client.phone"
	FieldEmail       = "client.email"
	FieldDateOfBirth = "client.dateOfBirth"
	FieldZip         = "client.zip"
	FieldAddress     = "client.address"
	FieldNotes       = "client.notes"
)

// Transform tags a mapping may carry. They are applied by preview and
// execute when building the mapped values of a row.
const (
	TransformNormalizePhone = "normalize-phone"
	TransformNormalizeEmail = "normalize-email"
	TransformTrim           = "trim"
)

// TargetFields lists every mappable field path.
func TargetFields() []string {
	return []string{
		FieldFirstName,
		FieldLastName,
		FieldPhone,
		FieldEmail,
		FieldDateOfBirth,
		FieldZip,
		FieldAddress,
		FieldNotes,
	}
}

// KnownField reports whether a target path is part of the client schema.
func KnownField(path string) bool {
	for _, f := range TargetFields() {
		if f == path {
			return true
		}
	}
	return false
}

// MissingRequired returns the required target fields a mapping set does not
// cover. First name, last name, and at least one contact identifier
// (phone or email) must be mapped before preview or execute may run.
func MissingRequired(mappings domain.FieldMappings) []string {
	var missing []string
	if _, ok := mappings.TargetFor(FieldFirstName); !ok {
		missing = append(missing, FieldFirstName)
	}
	if _, ok := mappings.TargetFor(FieldLastName); !ok {
		missing = append(missing, FieldLastName)
	}
	_, hasPhone := mappings.TargetFor(FieldPhone)
	_, hasEmail := mappings.TargetFor(FieldEmail)
	if !hasPhone && !hasEmail {
		missing = append(missing, FieldPhone+"|"+FieldEmail)
	}
	return missing
}
