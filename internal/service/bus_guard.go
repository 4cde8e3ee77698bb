package service

import (
	"context"

	"backplane/internal/domain"
)

type BusGuard interface {
	// CheckAuth validates a Basic Authorization header and the user's
	// permission on bus, returning the user name.
	CheckAuth(ctx context.Context, authHeader, bus string, perm domain.Permission) (string, error)
	Authenticate(ctx context.Context, authHeader string) (string, error)
}
