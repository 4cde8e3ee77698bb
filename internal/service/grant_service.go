package service

import (
	"context"
	"time"

	"backplane/internal/domain"
)

type GrantService interface {
	CreateGrant(ctx context.Context, clientID, busScope string, expiration *time.Time) (*domain.Grant, error)
	GetGrant(ctx context.Context, grantID string) (*domain.Grant, error)
	ListGrants(ctx context.Context, clientID string) ([]domain.Grant, error)
	IssueCode(ctx context.Context, grant *domain.Grant) (*domain.AuthorizationCode, error)
	RedeemCode(ctx context.Context, codeID string) (*domain.Grant, error)
	RecordToken(ctx context.Context, grantID, tokenID string) error
	RevokeGrant(ctx context.Context, grantID string) error
}
