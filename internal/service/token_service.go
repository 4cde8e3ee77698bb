package service

import (
	"context"

	"backplane/internal/domain"
	"backplane/internal/dto"
)

type TokenService interface {
	Exchange(ctx context.Context, r dto.TokenRequest) (*dto.TokenResponse, error)
	RetrieveToken(ctx context.Context, tokenID string) (*domain.Token, error)
	Authenticate(ctx context.Context, tokenID string) (*domain.Token, error)
	IsValidBinding(ctx context.Context, channel, bus string) (bool, error)
	RevokeTokenByGrant(ctx context.Context, grantID string) error
	DeleteExpiredTokens(ctx context.Context) (int, error)
	DeleteOrphanedTokens(ctx context.Context) (int, error)
}
