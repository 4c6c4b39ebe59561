package domain

import "time"

// Session is the server-side record behind a session cookie. The identifier
// rotates over the session's life while UserID preserves logical continuity.
// A guest session (UserID == 0) exists only to host the pre-login CSRF token.
type Session struct {
	ID              string    `json:"-"`
	UserID          int64     `json:"user_id"`
	Email           string    `json:"email"`
	IsAdmin         bool      `json:"is_admin"`
	IsEditor        bool      `json:"is_editor"`
	IsSuperAdmin    bool      `json:"is_super_admin"`
	CsrfToken       string    `json:"csrf_token,omitempty"`
	PendingRemember bool      `json:"pending_remember,omitempty"`
	PendingExtended bool      `json:"pending_extended,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
	LastRegenerated time.Time `json:"last_regenerated"`
}

// Authenticated reports whether the session belongs to a logged-in user.
func (s *Session) Authenticated() bool {
	return s != nil && s.UserID != 0
}
