package domain

import "time"

// LoginToken is a single-use magic-link credential. Only the SHA-256 hash of
// the opaque value is persisted; the raw value exists in the emailed link and
// nowhere else.
type LoginToken struct {
	ID         int64
	TokenHash  string
	Email      string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// RememberToken is a long-lived persistent-login credential. The cookie holds
// the opaque value; the row holds its hash. Each successful validation
// replaces TokenHash with a fresh value, so a stolen cookie is good for at
// most one use.
type RememberToken struct {
	ID        int64
	TokenHash string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
	RotatedAt *time.Time
}

// ActivityEntry is one row of the audit trail. Raw token values are never
// written here.
type ActivityEntry struct {
	ID        int64
	Email     string
	Message   string
	Context   map[string]any
	CreatedAt time.Time
}
