package impl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"backplane/internal/domain"
	"backplane/internal/dto"
	"backplane/internal/ids"
	"backplane/internal/observability/logging"
	"backplane/internal/observability/metrics"
	"backplane/internal/scope"
	"backplane/internal/service"
	"backplane/internal/store"
	"backplane/internal/store/predicate"
)

// SecretVerifier checks a client secret against its stored hash.
type SecretVerifier interface {
	Verify(secret, encoded string) bool
}

type TokenServiceImpl struct {
	cfg     Config
	store   *store.Store
	grants  service.GrantService
	secrets SecretVerifier
}

func NewTokenService(cfg Config, st *store.Store, grants service.GrantService, secrets SecretVerifier) *TokenServiceImpl {
	return &TokenServiceImpl{cfg: cfg, store: st, grants: grants, secrets: secrets}
}

// Exchange implements the token endpoint.
func (t *TokenServiceImpl) Exchange(ctx context.Context, r dto.TokenRequest) (*dto.TokenResponse, error) {
	switch r.GrantType {
	case "":
		return nil, domain.NewOAuthError(domain.OAuthInvalidRequest, "grant_type is required")
	case dto.GrantTypeClientCredentials:
		return t.exchangeClientCredentials(ctx, r)
	case dto.GrantTypeCode, dto.GrantTypeAuthorizationCode:
		return t.exchangeCode(ctx, r)
	default:
		return nil, domain.NewOAuthError(domain.OAuthUnsupportedGrantType, fmt.Sprintf("unsupported grant_type %q", r.GrantType))
	}
}

// exchangeClientCredentials serves the anonymous client: a fresh channel
// with no bus when no scope is asked for, or a channel bound to exactly
// one bus otherwise.
func (t *TokenServiceImpl) exchangeClientCredentials(ctx context.Context, r dto.TokenRequest) (*dto.TokenResponse, error) {
	switch {
	case r.ClientID == "":
		return nil, domain.NewOAuthError(domain.OAuthInvalidRequest, "client_id is required")
	case r.ClientID != domain.AnonymousClientID:
		return nil, domain.NewOAuthError(domain.OAuthUnauthorizedClient, "client_credentials is only available to the anonymous client")
	case r.ClientSecret != "":
		return nil, domain.NewOAuthError(domain.OAuthInvalidClient, "the anonymous client has no secret")
	}

	requested, err := scope.Parse(r.Scope)
	if err != nil {
		return nil, &domain.OAuthError{Code: domain.OAuthInvalidScope, Description: err.Error(), Err: err}
	}
	buses, channels := requested.Buses(), requested.Channels()
	if !requested.Without(scope.KeyBus).Without(scope.KeyChannel).IsEmpty() || len(buses) > 1 || len(channels) > 1 {
		return nil, domain.NewOAuthError(domain.OAuthInvalidScope, "scope may name at most one bus and one channel")
	}

	if len(buses) == 0 {
		if len(channels) > 0 {
			return nil, domain.NewOAuthError(domain.OAuthInvalidScope, "a channel can only be requested together with a bus")
		}
		ch := ids.NewChannel()
		tok := domain.Token{
			Type:     domain.TokenAnonymous,
			Channel:  ch,
			Scope:    scope.Scope{}.With(scope.KeyChannel, ch).String(),
			ClientID: r.ClientID,
		}
		return t.issue(ctx, tok, t.cfg.AnonymousTokenTTL)
	}

	bus := buses[0]
	ch := ids.NewChannel()
	if len(channels) == 1 {
		ch = channels[0]
		ok, err := t.IsValidBinding(ctx, ch, bus)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.NewOAuthError(domain.OAuthInvalidScope, fmt.Sprintf("channel %s is bound to a different bus", ch))
		}
	}
	tok := domain.Token{
		Type:     domain.TokenRegular,
		Channel:  ch,
		Scope:    scope.FromBuses(bus).With(scope.KeyChannel, ch).String(),
		ClientID: r.ClientID,
	}
	return t.issue(ctx, tok, t.cfg.RegularTokenTTL)
}

// exchangeCode redeems an authorization code for a privileged token.
func (t *TokenServiceImpl) exchangeCode(ctx context.Context, r dto.TokenRequest) (*dto.TokenResponse, error) {
	if r.ClientID == "" {
		return nil, domain.NewOAuthError(domain.OAuthInvalidRequest, "client_id is required")
	}
	if r.ClientID == domain.AnonymousClientID {
		return nil, domain.NewOAuthError(domain.OAuthUnauthorizedClient, "the anonymous client cannot redeem codes")
	}
	client, err := t.store.Clients().Get(ctx, r.ClientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.NewOAuthError(domain.OAuthInvalidClient, "client authentication failed")
		}
		return nil, err
	}
	if r.ClientSecret == "" || !t.secrets.Verify(r.ClientSecret, client.SecretHash) {
		logging.FromContext(ctx).Warn("client authentication failed", "client_id", r.ClientID)
		return nil, domain.NewOAuthError(domain.OAuthInvalidClient, "client authentication failed")
	}
	if r.Code == "" {
		return nil, domain.NewOAuthError(domain.OAuthInvalidRequest, "code is required")
	}
	if r.RedirectURI != "" && r.RedirectURI != client.RedirectURI {
		return nil, domain.NewOAuthError(domain.OAuthInvalidGrant, "redirect_uri does not match the registered redirect URI")
	}

	grant, err := t.grants.RedeemCode(ctx, r.Code)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrCodeNotFound),
			errors.Is(err, domain.ErrCodeAlreadyUsed),
			errors.Is(err, domain.ErrCodeExpired),
			errors.Is(err, domain.ErrGrantExpired),
			errors.Is(err, domain.ErrInvalidGrant):
			return nil, &domain.OAuthError{Code: domain.OAuthInvalidGrant, Description: err.Error(), Err: err}
		}
		return nil, err
	}
	if grant.ClientID != client.ID {
		return nil, domain.NewOAuthError(domain.OAuthInvalidGrant, "code was not issued to this client")
	}

	sc, err := privilegedScope(grant, r.Scope)
	if err != nil {
		return nil, &domain.OAuthError{Code: domain.OAuthInvalidScope, Description: err.Error(), Err: err}
	}

	tok := domain.Token{
		Type:     domain.TokenPrivileged,
		Scope:    sc,
		GrantID:  grant.ID,
		ClientID: client.ID,
	}
	resp, err := t.issue(ctx, tok, t.cfg.PrivilegedTokenTTL)
	if err != nil {
		return nil, err
	}
	if err := t.grants.RecordToken(ctx, grant.ID, resp.AccessToken); err != nil {
		// An unrecorded token could outlive its grant's revocation.
		if derr := t.store.Tokens().Delete(ctx, resp.AccessToken); derr != nil {
			logging.FromContext(ctx).Error("deleting unrecorded token", "token_id", resp.AccessToken, "error", derr)
		}
		return nil, fmt.Errorf("recording token on grant %s: %w", grant.ID, err)
	}
	return resp, nil
}

// privilegedScope narrows the grant's buses by the requested scope. A
// request without bus constraint inherits the grant's buses.
func privilegedScope(grant *domain.Grant, requested string) (string, error) {
	if strings.TrimSpace(requested) == "" {
		return scope.FromBuses(grant.Buses...).String(), nil
	}
	sc, err := scope.Parse(requested)
	if err != nil {
		return "", err
	}
	if len(sc.Buses()) == 0 {
		for _, b := range grant.Buses {
			sc = sc.With(scope.KeyBus, b)
		}
		return sc.String(), nil
	}
	if !sc.BusesWithin(grant.Buses) {
		return "", fmt.Errorf("%w: requested buses exceed the grant", domain.ErrInvalidRequest)
	}
	return sc.String(), nil
}

func (t *TokenServiceImpl) issue(ctx context.Context, tok domain.Token, ttl time.Duration) (*dto.TokenResponse, error) {
	result := "success"
	defer func() {
		metrics.TokensIssuedTotal.WithLabelValues(string(tok.Type), result).Inc()
	}()

	if ttl > 0 {
		exp := t.cfg.now().Add(ttl)
		tok.Expires = &exp
	}
	id, err := insertWithFreshID(ctx, "token", func() string { return domain.NewTokenID(tok.Type) }, func(id string) error {
		tok.ID = id
		if err := tok.Validate(); err != nil {
			return err
		}
		return t.store.Tokens().Insert(ctx, tok)
	})
	if err != nil {
		result = "failure"
		return nil, err
	}

	logging.FromContext(ctx).Info("issued token", "type", tok.Type, "client_id", tok.ClientID, "grant_id", tok.GrantID, "channel", tok.Channel)

	resp := &dto.TokenResponse{
		AccessToken: id,
		TokenType:   "Bearer",
		Scope:       tok.Scope,
	}
	if ttl > 0 {
		resp.ExpiresIn = int64(ttl.Seconds())
	}
	return resp, nil
}

// RetrieveToken looks a token up by ID. Missing and malformed IDs are the
// same soft ErrNotFound.
func (t *TokenServiceImpl) RetrieveToken(ctx context.Context, tokenID string) (*domain.Token, error) {
	if _, ok := domain.TokenTypeFromID(tokenID); !ok {
		logging.FromContext(ctx).Debug("malformed token id")
		return nil, fmt.Errorf("%w: token", domain.ErrNotFound)
	}
	tok, err := t.store.Tokens().Get(ctx, tokenID)
	if err != nil {
		return nil, notFound(err, "token")
	}
	return tok, nil
}

// Authenticate resolves a bearer token, treating unknown and expired tokens
// alike.
func (t *TokenServiceImpl) Authenticate(ctx context.Context, tokenID string) (*domain.Token, error) {
	tok, err := t.RetrieveToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrInvalidToken
		}
		return nil, err
	}
	if tok.IsExpired(t.cfg.now()) {
		return nil, domain.ErrInvalidToken
	}
	return tok, nil
}

// IsValidBinding reports whether channel can be bound to bus: no existing
// token binds it to another bus.
func (t *TokenServiceImpl) IsValidBinding(ctx context.Context, channel, bus string) (bool, error) {
	toks, err := t.store.Tokens().ByChannel(ctx, channel)
	if err != nil {
		return false, err
	}
	for _, tok := range toks {
		if b := tok.Bus(); b != "" && b != bus {
			return false, nil
		}
	}
	return true, nil
}

func (t *TokenServiceImpl) RevokeTokenByGrant(ctx context.Context, grantID string) error {
	var known []string
	grant, err := t.store.Grants().Get(ctx, grantID)
	switch {
	case err == nil:
		known = grant.IssuedTokenIDs
	case !errors.Is(err, store.ErrNotFound):
		return err
	}
	return revokeTokensByGrant(ctx, t.store, grantID, known)
}

// revokeTokensByGrant deletes the tokens carrying grantID plus the known
// IDs recorded on the grant. Tokens already gone are skipped; other
// failures are collected and do not stop the remaining deletions.
func revokeTokensByGrant(ctx context.Context, st *store.Store, grantID string, known []string) error {
	set := make(map[string]struct{}, len(known))
	for _, id := range known {
		set[id] = struct{}{}
	}
	toks, err := st.Tokens().ByGrant(ctx, grantID)
	if err != nil {
		return err
	}
	for _, tok := range toks {
		set[tok.ID] = struct{}{}
	}
	tokenIDs := make([]string, 0, len(set))
	for id := range set {
		tokenIDs = append(tokenIDs, id)
	}
	sort.Strings(tokenIDs)

	log := logging.FromContext(ctx)
	var errs []error
	revoked := 0
	for _, id := range tokenIDs {
		err := st.Tokens().Delete(ctx, id)
		switch {
		case err == nil:
			revoked++
			metrics.TokensRevokedTotal.WithLabelValues("grant_revoked").Inc()
		case errors.Is(err, store.ErrNotFound):
			log.Debug("token already deleted", "grant_id", grantID, "token_id", id)
		default:
			log.Error("revoking token", "grant_id", grantID, "token_id", id, "error", err)
			errs = append(errs, err)
		}
	}
	log.Info("revoked tokens by grant", "grant_id", grantID, "revoked", revoked, "failed", len(errs))
	return errors.Join(errs...)
}

// DeleteExpiredTokens removes every token past its expiry. Individual
// failures are logged and returned together after the sweep completes.
func (t *TokenServiceImpl) DeleteExpiredTokens(ctx context.Context) (int, error) {
	now := domain.FormatTime(t.cfg.now())
	toks, err := t.store.Tokens().Where(ctx, domain.TokenFieldExpires+" < "+predicate.Quote(now))
	if err != nil {
		return 0, err
	}
	return t.deleteTokens(ctx, toks, "expired")
}

// DeleteOrphanedTokens removes privileged tokens whose grant no longer
// exists.
func (t *TokenServiceImpl) DeleteOrphanedTokens(ctx context.Context) (int, error) {
	toks, err := t.store.Tokens().Where(ctx, predicate.Eq(domain.TokenFieldType, string(domain.TokenPrivileged)))
	if err != nil {
		return 0, err
	}
	exists := map[string]bool{}
	var orphaned []domain.Token
	for _, tok := range toks {
		ok, seen := exists[tok.GrantID]
		if !seen {
			_, err := t.store.Grants().Get(ctx, tok.GrantID)
			switch {
			case err == nil:
				ok = true
			case errors.Is(err, store.ErrNotFound):
				ok = false
			default:
				return 0, err
			}
			exists[tok.GrantID] = ok
		}
		if !ok {
			orphaned = append(orphaned, tok)
		}
	}
	return t.deleteTokens(ctx, orphaned, "orphaned")
}

func (t *TokenServiceImpl) deleteTokens(ctx context.Context, toks []domain.Token, reason string) (int, error) {
	log := logging.FromContext(ctx)
	var errs []error
	deleted := 0
	for _, tok := range toks {
		err := t.store.Tokens().Delete(ctx, tok.ID)
		switch {
		case err == nil:
			deleted++
			metrics.TokensRevokedTotal.WithLabelValues(reason).Inc()
		case errors.Is(err, store.ErrNotFound):
		default:
			log.Warn("deleting token", "reason", reason, "token_id", tok.ID, "error", err)
			errs = append(errs, err)
		}
	}
	return deleted, errors.Join(errs...)
}
