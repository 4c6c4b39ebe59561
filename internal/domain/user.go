package domain

import (
	"strings"
	"time"
)

// User represents a platform member. Users are created on their first login
// attempt from an allowed domain and never deleted by the auth core.
type User struct {
	ID           int64
	Email        string
	Domain       string
	IsAdmin      bool
	IsEditor     bool
	IsSuperAdmin bool
	VerifiedAt   *time.Time
	CreatedAt    time.Time
}

// NormalizeEmail lowercases and trims an email address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// EmailDomain extracts the organization domain from an email address.
// Returns "" when the address has no domain part.
func EmailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}
