package repository

import (
	"context"
	"time"

	"github.com/ereffner/stimma/internal/domain"
)

// UserRepository exposes persistence for platform users.
type UserRepository interface {
	GetByEmail(ctx context.Context, email string) (domain.User, error)
	GetByID(ctx context.Context, userID int64) (domain.User, error)
	Create(ctx context.Context, user domain.User) (domain.User, error)
	MarkVerified(ctx context.Context, userID int64, at time.Time) error
	SetRoles(ctx context.Context, userID int64, isAdmin, isEditor bool) error
	SetSuperAdmin(ctx context.Context, userID int64) error
}

// LoginTokenRepository handles magic-link token persistence. Consume is the
// only mutation path for redemption and must be atomic: the conditional
// update succeeds at most once per token.
type LoginTokenRepository interface {
	Create(ctx context.Context, token domain.LoginToken) error
	Consume(ctx context.Context, tokenHash string, now time.Time) (string, error)
	Get(ctx context.Context, tokenHash string) (domain.LoginToken, error)
}

// RememberTokenRepository persists long-lived login tokens. Rotate swaps the
// stored hash in one conditional update so a value validates at most once.
type RememberTokenRepository interface {
	Create(ctx context.Context, token domain.RememberToken) error
	Rotate(ctx context.Context, oldHash, newHash string, now time.Time) (domain.RememberToken, error)
	Revoke(ctx context.Context, tokenHash string) error
	RevokeAllForUser(ctx context.Context, userID int64) error
}

// DomainRepository manages the self-registration allowlist.
type DomainRepository interface {
	IsAllowed(ctx context.Context, domain string) (bool, error)
	Add(ctx context.Context, domain string) error
	Remove(ctx context.Context, domain string) error
	List(ctx context.Context) ([]string, error)
}

// ActivityLogRepository records the audit trail.
type ActivityLogRepository interface {
	Record(ctx context.Context, entry domain.ActivityEntry) error
}

// SessionStore keeps server-side session records keyed by session id.
type SessionStore interface {
	Save(ctx context.Context, session domain.Session, ttl time.Duration) error
	Get(ctx context.Context, id string) (*domain.Session, error)
	Delete(ctx context.Context, id string) error
}

// RateLimitStore keeps per-identity attempt counters. Implementations must be
// durable across requests and independent of any client-held state.
type RateLimitStore interface {
	Count(ctx context.Context, key string) (int, time.Duration, error)
	Increment(ctx context.Context, key string, window time.Duration) (int, error)
}
