package matching

import "strings"

// NormalizePhone reduces a phone value to bare digits. An 11-digit number
// with a leading country "1" is treated as a local number. Values with
// fewer than 7 digits normalize to "" and never participate in matching.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) < 7 {
		return ""
	}
	return digits
}

// NormalizeEmail lowercases and trims an email value. Anything without an
// "@" normalizes to "".
func NormalizeEmail(raw string) string {
	email := strings.ToLower(strings.TrimSpace(raw))
	if !strings.Contains(email, "@") {
		return ""
	}
	return email
}

// NameTokens splits a full name into lowercase word tokens, dropping
// punctuation, so "Lovelace, Ada" and "ada lovelace" tokenize equally.
func NameTokens(name string) []string {
	lowered := strings.ToLower(name)
	return strings.FieldsFunc(lowered, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
}

// FullName joins name parts, skipping blanks.
func FullName(first, last string) string {
	parts := make([]string, 0, 2)
	if strings.TrimSpace(first) != "" {
		parts = append(parts, strings.TrimSpace(first))
	}
	if strings.TrimSpace(last) != "" {
		parts = append(parts, strings.TrimSpace(last))
	}
	return strings.Join(parts, " ")
}
