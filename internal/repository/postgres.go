package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ereffner/stimma/internal/domain"
)

// DB is the subset of pgxpool.Pool the repositories need. Tests substitute a
// pgxmock pool.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Compile-time interface assertions.
var (
	_ UserRepository          = (*PostgresUserRepo)(nil)
	_ LoginTokenRepository    = (*PostgresLoginTokenRepo)(nil)
	_ RememberTokenRepository = (*PostgresRememberTokenRepo)(nil)
	_ DomainRepository        = (*PostgresDomainRepo)(nil)
	_ ActivityLogRepository   = (*PostgresActivityLogRepo)(nil)
)

// PostgresUserRepo implements UserRepository.
type PostgresUserRepo struct {
	db DB
}

func NewPostgresUserRepo(db DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

const selectUserSQL = `SELECT id, email, domain, is_admin, is_editor, is_super_admin, verified_at, created_at FROM users`

func (r *PostgresUserRepo) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	row := r.db.QueryRow(ctx, selectUserSQL+` WHERE email = $1`, domain.NormalizeEmail(email))
	user, err := scanUser(row)
	if err != nil {
		return domain.User{}, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

func (r *PostgresUserRepo) GetByID(ctx context.Context, userID int64) (domain.User, error) {
	row := r.db.QueryRow(ctx, selectUserSQL+` WHERE id = $1`, userID)
	user, err := scanUser(row)
	if err != nil {
		return domain.User{}, fmt.Errorf("get user by id: %w", err)
	}
	return user, nil
}

const insertUserSQL = `INSERT INTO users (id, email, domain, is_admin, is_editor, is_super_admin, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, email, domain, is_admin, is_editor, is_super_admin, verified_at, created_at`

func (r *PostgresUserRepo) Create(ctx context.Context, user domain.User) (domain.User, error) {
	row := r.db.QueryRow(ctx, insertUserSQL,
		user.ID,
		domain.NormalizeEmail(user.Email),
		user.Domain,
		user.IsAdmin,
		user.IsEditor,
		user.IsSuperAdmin,
		user.CreatedAt,
	)
	created, err := scanUser(row)
	if err != nil {
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	return created, nil
}

func (r *PostgresUserRepo) MarkVerified(ctx context.Context, userID int64, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE users SET verified_at = $2 WHERE id = $1 AND verified_at IS NULL`, userID, at)
	if err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	return nil
}

func (r *PostgresUserRepo) SetRoles(ctx context.Context, userID int64, isAdmin, isEditor bool) error {
	_, err := r.db.Exec(ctx, `UPDATE users SET is_admin = $2, is_editor = $3 WHERE id = $1`, userID, isAdmin, isEditor)
	if err != nil {
		return fmt.Errorf("set roles: %w", err)
	}
	return nil
}

func (r *PostgresUserRepo) SetSuperAdmin(ctx context.Context, userID int64) error {
	_, err := r.db.Exec(ctx, `UPDATE users SET is_admin = TRUE, is_super_admin = TRUE WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("set super admin: %w", err)
	}
	return nil
}

func scanUser(row pgx.Row) (domain.User, error) {
	var user domain.User
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Domain,
		&user.IsAdmin,
		&user.IsEditor,
		&user.IsSuperAdmin,
		&user.VerifiedAt,
		&user.CreatedAt,
	)
	return user, err
}

// PostgresLoginTokenRepo implements LoginTokenRepository.
type PostgresLoginTokenRepo struct {
	db DB
}

func NewPostgresLoginTokenRepo(db DB) *PostgresLoginTokenRepo {
	return &PostgresLoginTokenRepo{db: db}
}

func (r *PostgresLoginTokenRepo) Create(ctx context.Context, token domain.LoginToken) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO login_tokens (id, token_hash, email, issued_at, expires_at) VALUES ($1, $2, $3, $4, $5)`,
		token.ID, token.TokenHash, token.Email, token.IssuedAt, token.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert login token: %w", err)
	}
	return nil
}

// Consume marks the token used and returns the owning email. The WHERE clause
// makes redemption exactly-once: a concurrent second redeemer sees no row.
// Returns pgx.ErrNoRows when the token is missing, expired, or already used.
func (r *PostgresLoginTokenRepo) Consume(ctx context.Context, tokenHash string, now time.Time) (string, error) {
	var email string
	err := r.db.QueryRow(ctx,
		`UPDATE login_tokens SET consumed_at = $2
		 WHERE token_hash = $1 AND consumed_at IS NULL AND expires_at > $2
		 RETURNING email`,
		tokenHash, now,
	).Scan(&email)
	if err != nil {
		return "", fmt.Errorf("consume login token: %w", err)
	}
	return email, nil
}

func (r *PostgresLoginTokenRepo) Get(ctx context.Context, tokenHash string) (domain.LoginToken, error) {
	var token domain.LoginToken
	err := r.db.QueryRow(ctx,
		`SELECT id, token_hash, email, issued_at, expires_at, consumed_at FROM login_tokens WHERE token_hash = $1`,
		tokenHash,
	).Scan(&token.ID, &token.TokenHash, &token.Email, &token.IssuedAt, &token.ExpiresAt, &token.ConsumedAt)
	if err != nil {
		return domain.LoginToken{}, fmt.Errorf("get login token: %w", err)
	}
	return token, nil
}

// PostgresRememberTokenRepo implements RememberTokenRepository.
type PostgresRememberTokenRepo struct {
	db DB
}

func NewPostgresRememberTokenRepo(db DB) *PostgresRememberTokenRepo {
	return &PostgresRememberTokenRepo{db: db}
}

func (r *PostgresRememberTokenRepo) Create(ctx context.Context, token domain.RememberToken) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO remember_tokens (id, token_hash, user_id, created_at, expires_at) VALUES ($1, $2, $3, $4, $5)`,
		token.ID, token.TokenHash, token.UserID, token.CreatedAt, token.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert remember token: %w", err)
	}
	return nil
}

// Rotate swaps the stored hash for a fresh one and returns the owning user.
// The old value never validates again; expiry does not slide. Returns
// pgx.ErrNoRows for unknown, expired, or already-rotated values.
func (r *PostgresRememberTokenRepo) Rotate(ctx context.Context, oldHash, newHash string, now time.Time) (domain.RememberToken, error) {
	token := domain.RememberToken{TokenHash: newHash}
	err := r.db.QueryRow(ctx,
		`UPDATE remember_tokens SET token_hash = $2, rotated_at = $3
		 WHERE token_hash = $1 AND expires_at > $3
		 RETURNING id, user_id, created_at, expires_at, rotated_at`,
		oldHash, newHash, now,
	).Scan(&token.ID, &token.UserID, &token.CreatedAt, &token.ExpiresAt, &token.RotatedAt)
	if err != nil {
		return domain.RememberToken{}, fmt.Errorf("rotate remember token: %w", err)
	}
	return token, nil
}

func (r *PostgresRememberTokenRepo) Revoke(ctx context.Context, tokenHash string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM remember_tokens WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke remember token: %w", err)
	}
	return nil
}

func (r *PostgresRememberTokenRepo) RevokeAllForUser(ctx context.Context, userID int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM remember_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("revoke user remember tokens: %w", err)
	}
	return nil
}

// PostgresDomainRepo implements DomainRepository.
type PostgresDomainRepo struct {
	db DB
}

func NewPostgresDomainRepo(db DB) *PostgresDomainRepo {
	return &PostgresDomainRepo{db: db}
}

func (r *PostgresDomainRepo) IsAllowed(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM allowed_domains WHERE domain = lower($1))`, name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check domain: %w", err)
	}
	return exists, nil
}

func (r *PostgresDomainRepo) Add(ctx context.Context, name string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO allowed_domains (domain, created_at) VALUES (lower($1), now()) ON CONFLICT (domain) DO NOTHING`, name,
	)
	if err != nil {
		return fmt.Errorf("add domain: %w", err)
	}
	return nil
}

func (r *PostgresDomainRepo) Remove(ctx context.Context, name string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM allowed_domains WHERE domain = lower($1)`, name)
	if err != nil {
		return fmt.Errorf("remove domain: %w", err)
	}
	return nil
}

func (r *PostgresDomainRepo) List(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT domain FROM allowed_domains ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		domains = append(domains, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	return domains, nil
}

// PostgresActivityLogRepo implements ActivityLogRepository.
type PostgresActivityLogRepo struct {
	db DB
}

func NewPostgresActivityLogRepo(db DB) *PostgresActivityLogRepo {
	return &PostgresActivityLogRepo{db: db}
}

func (r *PostgresActivityLogRepo) Record(ctx context.Context, entry domain.ActivityEntry) error {
	payload, err := json.Marshal(entry.Context)
	if err != nil {
		return fmt.Errorf("marshal activity context: %w", err)
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO activity_log (id, email, message, context, created_at) VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.Email, entry.Message, payload, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert activity entry: %w", err)
	}
	return nil
}
