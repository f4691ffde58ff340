package validation

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// EmailRegex validates email format
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

	// E.164: a plus sign and up to 15 digits
	phoneRegex = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

	hexColorRegex = regexp.MustCompile(`^#([0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)
)

// IsValidEmail checks if the string is a valid email format
func IsValidEmail(email string) bool {
	if len(email) > 254 {
		return false
	}
	return emailRegex.MatchString(email)
}

// NormalizePhone strips formatting characters and keeps a leading plus.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(phone) {
		switch {
		case r == '+' && i == 0:
			b.WriteRune(r)
		case unicode.IsDigit(r):
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsValidPhone accepts E.164 numbers after normalization.
func IsValidPhone(phone string) bool {
	return phoneRegex.MatchString(NormalizePhone(phone))
}

// IsValidHexColor accepts #rgb and #rrggbb.
func IsValidHexColor(color string) bool {
	return hexColorRegex.MatchString(color)
}

// IsValidPassword checks password strength
func IsValidPassword(password string) (bool, string) {
	if len(password) < 8 {
		return false, "Password must be at least 8 characters"
	}
	if len(password) > 128 {
		return false, "Password must be at most 128 characters"
	}

	var hasLetter, hasNumber bool
	for _, char := range password {
		switch {
		case unicode.IsLetter(char):
			hasLetter = true
		case unicode.IsNumber(char):
			hasNumber = true
		}
	}

	if !hasLetter {
		return false, "Password must contain at least one letter"
	}
	if !hasNumber {
		return false, "Password must contain at least one number"
	}
	return true, ""
}

// Required records a message for every empty field.
func Required(errs map[string]string, fields map[string]string) {
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			errs[name] = strings.ReplaceAll(name, "_", " ") + " is required"
		}
	}
}

// SanitizeString removes potentially dangerous characters for display
func SanitizeString(s string) string {
	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	// Remove control characters except newlines and tabs
	var result strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}

	return result.String()
}

// TruncateString truncates a string to maxLen runes
func TruncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen])
}
