package service

import (
	"context"

	"backplane/internal/domain"
	"backplane/internal/dto"
)

type AuthorizationService interface {
	Authorize(ctx context.Context, authCookie string, r dto.AuthorizeRequest) (*domain.AuthorizationRequest, error)
	Login(ctx context.Context, authHeader string) (*domain.AuthSession, error)
	PrepareDecision(ctx context.Context, authCookie, sessionCookie string) (*dto.AuthorizationDecision, error)
	Decide(ctx context.Context, authCookie, sessionCookie, decisionKey string, approve bool) (string, error)
	SweepExpired(ctx context.Context) (int64, error)
}
