package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ereffner/stimma/internal/domain"
	"github.com/ereffner/stimma/internal/repository"
)

// LoginRateLimiter enforces a per-identity sliding-window lockout on login
// attempts. The identity is a stable hash of normalized email plus client IP,
// and the counter lives in a durable server-side store: clearing cookies does
// not reset the budget. It gates the login flow before anything reveals
// whether the address belongs to an account.
type LoginRateLimiter struct {
	store  repository.RateLimitStore
	window time.Duration
	max    int
}

// NewLoginRateLimiter creates a limiter with the given window and attempt cap.
func NewLoginRateLimiter(store repository.RateLimitStore, window time.Duration, maxAttempts int) *LoginRateLimiter {
	return &LoginRateLimiter{store: store, window: window, max: maxAttempts}
}

// CheckAndRecord admits or rejects one attempt. While locked it does NOT
// increment further, so probing cannot extend a lockout indefinitely. Store
// failures fail closed: the attempt is rejected rather than waved through.
func (l *LoginRateLimiter) CheckAndRecord(ctx context.Context, email, clientIP string) error {
	key := LoginIdentity(email, clientIP)

	count, remaining, err := l.store.Count(ctx, key)
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}

	if count >= l.max {
		if remaining <= 0 {
			remaining = l.window
		}
		return &RateLimitedError{RetryAfter: remaining}
	}

	if _, err := l.store.Increment(ctx, key, l.window); err != nil {
		return fmt.Errorf("rate limit record: %w", err)
	}
	return nil
}

// LoginIdentity derives the counter key from normalized email and client IP.
func LoginIdentity(email, clientIP string) string {
	sum := sha256.Sum256([]byte(domain.NormalizeEmail(email) + "|" + clientIP))
	return hex.EncodeToString(sum[:])
}
