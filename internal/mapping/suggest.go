package mapping

import (
	"regexp"
	"strings"

	"github.com/caseharbor/caseharbor-api/internal/tabular"
)

// sampleRows caps how many rows shape sniffing inspects per column.
const sampleRows = 10

// Suggestion is one advisory column-to-field proposal. The executor never
// trusts suggestions; only the mapping the caller confirms is applied.
type Suggestion struct {
	SourceColumn string  `json:"source_column"`
	TargetField  string  `json:"target_field"`
	Transform    string  `json:"transform,omitempty"`
	Confidence   float64 `json:"confidence"`
}

// columnAliases maps normalized header tokens to target fields. When
// multiple raw headers mean the same thing they all land here.
var columnAliases = map[string]string{
	"firstname":  FieldFirstName,
	"fname":      FieldFirstName,
	"first":      FieldFirstName,
	"givenname":  FieldFirstName,
	"lastname":   FieldLastName,
	"lname":      FieldLastName,
	"last":       FieldLastName,
	"surname":    FieldLastName,
	"familyname": FieldLastName,
	"phone":      FieldPhone,
	"phonenumber": FieldPhone,
	"mobile":     FieldPhone,
	"cell":       FieldPhone,
	"cellphone":  FieldPhone,
	"telephone":  FieldPhone,
	"tel":        FieldPhone,
	"email":      FieldEmail,
	"emailaddress": FieldEmail,
	"mail":       FieldEmail,
	"dob":        FieldDateOfBirth,
	"dateofbirth": FieldDateOfBirth,
	"birthdate":  FieldDateOfBirth,
	"birthday":   FieldDateOfBirth,
	"zip":        FieldZip,
	"zipcode":    FieldZip,
	"postalcode": FieldZip,
	"postcode":   FieldZip,
	"address":    FieldAddress,
	"street":     FieldAddress,
	"streetaddress": FieldAddress,
	"notes":      FieldNotes,
	"note":       FieldNotes,
	"comment":    FieldNotes,
	"comments":   FieldNotes,
	"remarks":    FieldNotes,
}

var (
	phoneShape = regexp.MustCompile(`^\+?[\d\s().-]{7,20}$`)
	emailShape = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// Suggest proposes a mapping for each recognizable column. Exact alias hits
// win; otherwise the column's sampled values are sniffed for a phone, email
// or date shape. Unrecognized columns are omitted. Suggest never fails.
func Suggest(table *tabular.Table) []Suggestion {
	var out []Suggestion
	taken := make(map[string]bool)

	for _, column := range table.Columns {
		token := normalizeToken(column)
		if token == "" {
			continue
		}

		field, confidence := "", 0.0
		if alias, ok := columnAliases[token]; ok {
			field, confidence = alias, 1.0
		} else if sniffed := sniffColumn(table, column); sniffed != "" {
			field, confidence = sniffed, 0.6
		}
		if field == "" || taken[field] {
			continue
		}

		taken[field] = true
		out = append(out, Suggestion{
			SourceColumn: column,
			TargetField:  field,
			Transform:    defaultTransform(field),
			Confidence:   confidence,
		})
	}
	return out
}

// sniffColumn classifies a column by the shape of its sampled values.
// A column named "contact" holding phone-shaped values maps to phone,
// email-shaped values to email.
func sniffColumn(table *tabular.Table, column string) string {
	idx, ok := table.ColumnIndex(column)
	if !ok {
		return ""
	}

	var phones, emails, dates, seen int
	for i := 0; i < len(table.Rows) && seen < sampleRows; i++ {
		cell := table.Rows[i].Get(idx)
		if cell.Kind == tabular.CellEmpty {
			continue
		}
		seen++
		switch {
		case emailShape.MatchString(cell.Raw):
			emails++
		case cell.Kind == tabular.CellDate:
			dates++
		case phoneShape.MatchString(cell.Raw) && digitCount(cell.Raw) >= 7:
			phones++
		}
	}
	if seen == 0 {
		return ""
	}

	majority := seen/2 + 1
	switch {
	case emails >= majority:
		return FieldEmail
	case phones >= majority:
		return FieldPhone
	case dates >= majority:
		return FieldDateOfBirth
	default:
		return ""
	}
}

func defaultTransform(field string) string {
	switch field {
	case FieldPhone:
		return TransformNormalizePhone
	case FieldEmail:
		return TransformNormalizeEmail
	default:
		return ""
	}
}

// normalizeToken lowercases a header and strips everything that is not a
// letter or digit, so "First Name", "first_name" and "FIRST-NAME" collide.
func normalizeToken(header string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(header)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func digitCount(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
