package impl

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"backplane/internal/domain"
	"backplane/internal/observability/logging"
	"backplane/internal/observability/metrics"
	"backplane/internal/secret"
	"backplane/internal/store"
)

// dummyHash keeps the cost of rejecting an unknown user close to that of a
// wrong password.
var dummyHash, _ = secret.HMACHash("backplane")

type BusGuardImpl struct {
	store *store.Store
}

func NewBusGuard(st *store.Store) *BusGuardImpl {
	return &BusGuardImpl{store: st}
}

// Authenticate checks Basic credentials against the bus user table.
func (b *BusGuardImpl) Authenticate(ctx context.Context, authHeader string) (string, error) {
	user, err := b.authenticate(ctx, authHeader)
	if err != nil {
		b.fail(ctx, "login", err)
		return "", err
	}
	return user, nil
}

// CheckAuth authenticates the caller and requires perm on bus. Every
// failure is an *domain.AuthError.
func (b *BusGuardImpl) CheckAuth(ctx context.Context, authHeader, bus string, perm domain.Permission) (string, error) {
	user, err := b.authenticate(ctx, authHeader)
	if err != nil {
		b.fail(ctx, string(perm), err)
		return "", err
	}

	cfg, err := b.store.Buses().GetConfig(ctx, bus)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = domain.NewAuthError("Bus configuration not found for bus: %s", bus)
		} else {
			logging.FromContext(ctx).Error("loading bus config", "bus", bus, "error", err)
			err = domain.NewAuthError("Error loading bus configuration")
		}
		b.fail(ctx, string(perm), err)
		return "", err
	}
	if !cfg.Allows(user, perm) {
		err := domain.NewAuthError("User %s lacks %s permission on bus %s", user, perm, bus)
		b.fail(ctx, string(perm), err)
		return "", err
	}
	return user, nil
}

func (b *BusGuardImpl) authenticate(ctx context.Context, header string) (string, error) {
	const prefix = "Basic "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", domain.NewAuthError("Invalid Authorization header")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		return "", domain.NewAuthError("Invalid Basic auth token")
	}
	user, password, ok := strings.Cut(string(raw), ":")
	if !ok || user == "" {
		return "", domain.NewAuthError("Invalid Basic auth token")
	}

	u, err := b.store.Buses().GetUser(ctx, user)
	if err != nil {
		secret.CheckHMAC(password, dummyHash)
		if errors.Is(err, store.ErrNotFound) {
			return "", domain.NewAuthError("User not found: %s", user)
		}
		logging.FromContext(ctx).Error("loading bus user", "user", user, "error", err)
		return "", domain.NewAuthError("Error looking up user: %s", user)
	}
	if !secret.CheckHMAC(password, u.PasswordHash) {
		return "", domain.NewAuthError("Incorrect password for user: %s", user)
	}
	return user, nil
}

func (b *BusGuardImpl) fail(ctx context.Context, permission string, err error) {
	metrics.AuthFailuresTotal.WithLabelValues(permission).Inc()
	logging.FromContext(ctx).Warn("bus auth failed", "permission", permission, "error", err)
}
