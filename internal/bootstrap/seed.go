package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ereffner/stimma/internal/config"
	"github.com/ereffner/stimma/internal/domain"
	"github.com/ereffner/stimma/internal/repository"
	"github.com/ereffner/stimma/internal/service"
)

// Seed performs first-run setup: the configured allowlist domains are
// admitted and the super-admin account is created or promoted. Both steps are
// idempotent so restarts are harmless.
func Seed(lc fx.Lifecycle, cfg config.Config, users repository.UserRepository, auth *service.AuthService, node *snowflake.Node, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := auth.SeedAllowedDomains(ctx, cfg.AllowedDomains); err != nil {
				return err
			}
			return ensureSuperAdmin(ctx, cfg, users, node, logger)
		},
	})
}

func ensureSuperAdmin(ctx context.Context, cfg config.Config, users repository.UserRepository, node *snowflake.Node, logger *zap.Logger) error {
	email := domain.NormalizeEmail(cfg.SuperAdminEmail)
	if email == "" {
		return nil
	}

	user, err := users.GetByEmail(ctx, email)
	switch {
	case err == nil:
		if user.IsSuperAdmin {
			return nil
		}
		if err := users.SetSuperAdmin(ctx, user.ID); err != nil {
			return fmt.Errorf("promote super admin: %w", err)
		}
		logger.Info("super admin promoted", zap.String("email", email))
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		created, err := users.Create(ctx, domain.User{
			ID:           node.Generate().Int64(),
			Email:        email,
			Domain:       domain.EmailDomain(email),
			IsAdmin:      true,
			IsSuperAdmin: true,
			CreatedAt:    time.Now(),
		})
		if err != nil {
			return fmt.Errorf("create super admin: %w", err)
		}
		logger.Info("super admin created", zap.Int64("user_id", created.ID), zap.String("email", email))
		return nil
	default:
		return fmt.Errorf("lookup super admin: %w", err)
	}
}
