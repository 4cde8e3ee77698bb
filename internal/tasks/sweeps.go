package tasks

import (
	"context"
	"log/slog"
	"time"

	"backplane/internal/service"
)

const (
	TaskExpiredTokens    = "expired-tokens"
	TaskOrphanedTokens   = "orphaned-tokens"
	TaskExpiredAuthState = "expired-auth-state"
)

// RegisterSweeps installs the store maintenance tasks.
func RegisterSweeps(m *Manager, interval time.Duration, tokens service.TokenService, authz service.AuthorizationService) {
	m.Register(TaskExpiredTokens, interval, func(ctx context.Context, logger *slog.Logger) error {
		n, err := tokens.DeleteExpiredTokens(ctx)
		logger.Info("deleted expired tokens", "count", n)
		return err
	})
	m.Register(TaskOrphanedTokens, interval, func(ctx context.Context, logger *slog.Logger) error {
		n, err := tokens.DeleteOrphanedTokens(ctx)
		logger.Info("deleted orphaned tokens", "count", n)
		return err
	})
	m.Register(TaskExpiredAuthState, interval, func(ctx context.Context, logger *slog.Logger) error {
		n, err := authz.SweepExpired(ctx)
		logger.Info("deleted expired authorization state", "count", n)
		return err
	})
}
