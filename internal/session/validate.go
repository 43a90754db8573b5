package session

import (
	"regexp"
	"strings"
)

var (
	emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	zipRe   = regexp.MustCompile(`^\d{5}(-\d{4})?$`)
	digitRe = regexp.MustCompile(`\D`)
)

// NormalizePhone strips non-digits and a leading US country digit, yielding
// the 10-digit form when the input is a valid US number.
func NormalizePhone(raw string) string {
	d := digitRe.ReplaceAllString(raw, "")
	if len(d) == 11 && strings.HasPrefix(d, "1") {
		return d[1:]
	}
	return d
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ValidEmail reports whether raw looks like an email address.
func ValidEmail(raw string) bool {
	return emailRe.MatchString(strings.TrimSpace(raw))
}

// ValidZip reports whether raw is a 5-digit (optionally ZIP+4) US postal code.
func ValidZip(raw string) bool {
	return zipRe.MatchString(strings.TrimSpace(raw))
}

// ValidPhone reports whether raw normalizes to a 10-digit US number.
func ValidPhone(raw string) bool {
	return len(NormalizePhone(raw)) == 10
}
