package service

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Sentinel failures of the auth core. Handlers collapse the three token
// variants into one generic client message; the distinction exists for the
// audit trail only.
var (
	ErrInvalidEmail     = errors.New("invalid email address")
	ErrDomainNotAllowed = errors.New("domain not allowed for registration")
	ErrTokenInvalid     = errors.New("login token invalid")
	ErrTokenExpired     = errors.New("login token expired")
	ErrTokenConsumed    = errors.New("login token already used")
	ErrRememberInvalid  = errors.New("remember token invalid")
	ErrSessionExpired   = errors.New("session expired")
)

// RateLimitedError reports a lockout with the time remaining in the window.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry in %d minutes", e.RetryAfterMinutes())
}

// RetryAfterMinutes rounds the remaining lockout up to whole minutes, which
// is the granularity shown to the client.
func (e *RateLimitedError) RetryAfterMinutes() int {
	minutes := int(math.Ceil(e.RetryAfter.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}
