package impl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backplane/internal/domain"
	"backplane/internal/ids"
	"backplane/internal/observability/logging"
	"backplane/internal/observability/metrics"
	"backplane/internal/store"
)

type GrantServiceImpl struct {
	cfg   Config
	store *store.Store
}

func NewGrantService(cfg Config, st *store.Store) *GrantServiceImpl {
	return &GrantServiceImpl{cfg: cfg, store: st}
}

// CreateGrant records a client's approved access to a set of buses.
func (g *GrantServiceImpl) CreateGrant(ctx context.Context, clientID, busScope string, expiration *time.Time) (*domain.Grant, error) {
	if clientID == "" || clientID == domain.AnonymousClientID {
		return nil, fmt.Errorf("%w: a registered client_id is required", domain.ErrInvalidRequest)
	}
	buses, err := domain.ParseBusList(busScope)
	if err != nil {
		return nil, err
	}
	if _, err := g.store.Clients().Get(ctx, clientID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown client %q", domain.ErrInvalidRequest, clientID)
		}
		return nil, err
	}

	grant := domain.Grant{
		ClientID:    clientID,
		Buses:       buses,
		DateCreated: g.cfg.now(),
		Expiration:  expiration,
	}
	id, err := insertWithFreshID(ctx, "grant", ids.New, func(id string) error {
		grant.ID = id
		if err := grant.Validate(); err != nil {
			return err
		}
		return g.store.Grants().Insert(ctx, grant)
	})
	if err != nil {
		return nil, err
	}
	grant.ID = id

	logging.FromContext(ctx).Info("created grant", "grant_id", id, "client_id", clientID, "buses", grant.BusScope())
	return &grant, nil
}

func (g *GrantServiceImpl) GetGrant(ctx context.Context, grantID string) (*domain.Grant, error) {
	grant, err := g.store.Grants().Get(ctx, grantID)
	if err != nil {
		return nil, notFound(err, "grant %s", grantID)
	}
	return grant, nil
}

// ListGrants returns the grants of clientID, or every grant when clientID
// is empty.
func (g *GrantServiceImpl) ListGrants(ctx context.Context, clientID string) ([]domain.Grant, error) {
	if clientID == "" {
		return g.store.Grants().Where(ctx, "")
	}
	return g.store.Grants().ByClient(ctx, clientID)
}

// IssueCode mints an authorization code for grant and records it as the
// grant's issued code.
func (g *GrantServiceImpl) IssueCode(ctx context.Context, grant *domain.Grant) (*domain.AuthorizationCode, error) {
	now := g.cfg.now()
	if grant.IsExpired(now) {
		return nil, domain.ErrGrantExpired
	}

	code := domain.AuthorizationCode{GrantID: grant.ID, DateCreated: now}
	id, err := insertWithFreshID(ctx, "code", ids.New, func(id string) error {
		code.ID = id
		return g.store.Codes().Insert(ctx, code)
	})
	if err != nil {
		return nil, err
	}
	code.ID = id

	updated, err := g.updateGrant(ctx, grant.ID, func(gr *domain.Grant) { gr.IssuedCodeID = id })
	if err != nil {
		return nil, err
	}
	*grant = *updated

	logging.FromContext(ctx).Info("issued authorization code", "grant_id", grant.ID, "code_id", id)
	return &code, nil
}

// RedeemCode marks the code used and returns its grant. Exactly one of any
// number of concurrent redemptions of the same code succeeds.
func (g *GrantServiceImpl) RedeemCode(ctx context.Context, codeID string) (*domain.Grant, error) {
	result := "success"
	defer func() {
		metrics.CodesRedeemedTotal.WithLabelValues(result).Inc()
	}()
	if codeID == "" {
		result = "not_found"
		return nil, domain.ErrCodeNotFound
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		now := g.cfg.now()
		code, err := g.store.Codes().Get(ctx, codeID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				result = "not_found"
				return nil, domain.ErrCodeNotFound
			}
			result = "error"
			return nil, err
		}
		if code.IsUsed() {
			result = "already_used"
			return nil, domain.ErrCodeAlreadyUsed
		}
		if code.IsExpired(now, g.cfg.CodeTTL) {
			result = "expired"
			return nil, domain.ErrCodeExpired
		}

		code.DateUsed = &now
		if _, err := g.store.Codes().Update(ctx, *code); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			result = "error"
			return nil, err
		}

		grant, err := g.store.Grants().Get(ctx, code.GrantID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				result = "grant_missing"
				return nil, fmt.Errorf("%w: grant %s no longer exists", domain.ErrInvalidGrant, code.GrantID)
			}
			result = "error"
			return nil, err
		}
		if grant.IsExpired(now) {
			result = "grant_expired"
			return nil, domain.ErrGrantExpired
		}
		return grant, nil
	}

	// Every attempt lost a race; some other redemption won.
	result = "already_used"
	return nil, domain.ErrCodeAlreadyUsed
}

// RecordToken appends tokenID to the grant's issued token list.
func (g *GrantServiceImpl) RecordToken(ctx context.Context, grantID, tokenID string) error {
	_, err := g.updateGrant(ctx, grantID, func(gr *domain.Grant) { gr.AddTokenID(tokenID) })
	return err
}

// RevokeGrant deletes every token issued against the grant, then the grant.
// When some token deletions fail the grant is kept so the revocation can
// be retried.
func (g *GrantServiceImpl) RevokeGrant(ctx context.Context, grantID string) error {
	grant, err := g.store.Grants().Get(ctx, grantID)
	if err != nil {
		return notFound(err, "grant %s", grantID)
	}
	if err := revokeTokensByGrant(ctx, g.store, grant.ID, grant.IssuedTokenIDs); err != nil {
		return fmt.Errorf("revoking tokens of grant %s: %w", grant.ID, err)
	}
	if err := g.store.Grants().Delete(ctx, grant.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if n, err := g.store.Codes().DeleteByGrant(ctx, grant.ID); err != nil {
		logging.FromContext(ctx).Warn("deleting codes of revoked grant", "grant_id", grant.ID, "error", err)
	} else if n > 0 {
		logging.FromContext(ctx).Debug("deleted codes of revoked grant", "grant_id", grant.ID, "count", n)
	}

	logging.FromContext(ctx).Info("revoked grant", "grant_id", grant.ID, "client_id", grant.ClientID)
	return nil
}

// updateGrant applies mutate under optimistic concurrency, re-reading the
// grant after every lost race.
func (g *GrantServiceImpl) updateGrant(ctx context.Context, grantID string, mutate func(*domain.Grant)) (*domain.Grant, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		grant, err := g.store.Grants().Get(ctx, grantID)
		if err != nil {
			return nil, notFound(err, "grant %s", grantID)
		}
		mutate(grant)
		rev, err := g.store.Grants().Update(ctx, *grant)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return nil, err
		}
		grant.Revision = rev
		return grant, nil
	}
	return nil, fmt.Errorf("%w: grant %s: %w", domain.ErrServer, grantID, store.ErrConflict)
}
