package impl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"backplane/internal/domain"
	"backplane/internal/dto"
	"backplane/internal/observability/logging"
	"backplane/internal/scope"
	"backplane/internal/service"
	"backplane/internal/store"

	"github.com/google/uuid"
)

// AuthorizationServiceImpl runs the browser side of the authorization code
// flow: a client sends the bus owner to /authorize, the owner logs in,
// approves a subset of the buses they own, and is redirected back to the
// client with a code.
type AuthorizationServiceImpl struct {
	cfg    Config
	store  *store.Store
	grants service.GrantService
	guard  service.BusGuard
}

func NewAuthorizationService(cfg Config, st *store.Store, grants service.GrantService, guard service.BusGuard) *AuthorizationServiceImpl {
	return &AuthorizationServiceImpl{cfg: cfg, store: st, grants: grants, guard: guard}
}

func (a *AuthorizationServiceImpl) Authorize(ctx context.Context, authCookie string, r dto.AuthorizeRequest) (*domain.AuthorizationRequest, error) {
	if r.ClientID == "" {
		return nil, domain.NewOAuthError(domain.OAuthInvalidRequest, "client_id is required")
	}
	client, err := a.store.Clients().Get(ctx, r.ClientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.NewOAuthError(domain.OAuthInvalidClient, "unknown client")
		}
		return nil, err
	}
	redirect := r.RedirectURI
	switch {
	case redirect == "":
		redirect = client.RedirectURI
	case redirect != client.RedirectURI:
		return nil, domain.NewOAuthError(domain.OAuthInvalidRequest, "redirect_uri does not match the registered redirect URI")
	}

	req, err := domain.NewAuthorizationRequest(authCookie, a.cfg.now(), r.ClientID, r.ResponseType, redirect, r.Scope, r.State)
	if err != nil {
		return nil, &domain.OAuthError{Code: domain.OAuthInvalidRequest, Description: err.Error(), Err: err}
	}
	if err := a.store.AuthFlow().PutRequest(ctx, req); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info("authorization requested", "client_id", req.ClientID, "scope", req.Scope)
	return &req, nil
}

// Login opens an auth session for a bus user presenting Basic credentials.
func (a *AuthorizationServiceImpl) Login(ctx context.Context, authHeader string) (*domain.AuthSession, error) {
	user, err := a.guard.Authenticate(ctx, authHeader)
	if err != nil {
		return nil, err
	}
	sess := domain.NewAuthSession(user, uuid.NewString(), a.cfg.now())
	if err := a.store.AuthFlow().PutSession(ctx, sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// PrepareDecision returns what the logged in owner may approve for the
// pending request, along with a single-use key for submitting the answer.
func (a *AuthorizationServiceImpl) PrepareDecision(ctx context.Context, authCookie, sessionCookie string) (*dto.AuthorizationDecision, error) {
	req, err := a.pendingRequest(ctx, authCookie)
	if err != nil {
		return nil, err
	}
	sess, err := a.session(ctx, sessionCookie)
	if err != nil {
		return nil, err
	}
	buses, err := a.approvableBuses(ctx, sess.AuthUser, req.Scope)
	if err != nil {
		return nil, err
	}
	if len(buses) == 0 {
		return nil, domain.NewOAuthError(domain.OAuthAccessDenied, "you own none of the requested buses")
	}

	now := a.cfg.now()
	var key domain.AuthorizationDecisionKey
	if _, err := insertWithFreshID(ctx, "decision key", func() string {
		key = domain.NewAuthorizationDecisionKey(authCookie, now)
		return key.Key
	}, func(string) error {
		return a.store.AuthFlow().PutDecisionKey(ctx, key)
	}); err != nil {
		return nil, err
	}

	return &dto.AuthorizationDecision{
		Key:         key.Key,
		ClientID:    req.ClientID,
		RedirectURI: req.RedirectURI,
		Buses:       buses,
	}, nil
}

// Decide consumes the decision key and returns the URL to send the browser
// to: the client's redirect URI carrying either a code or an error.
func (a *AuthorizationServiceImpl) Decide(ctx context.Context, authCookie, sessionCookie, decisionKey string, approve bool) (string, error) {
	if decisionKey == "" {
		return "", fmt.Errorf("%w: missing decision key", domain.ErrForbidden)
	}
	key, err := a.store.AuthFlow().GetDecisionKey(ctx, decisionKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: unknown decision key", domain.ErrForbidden)
		}
		return "", err
	}
	if err := a.store.AuthFlow().ConsumeDecisionKey(ctx, decisionKey); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: decision key already used", domain.ErrForbidden)
		}
		return "", err
	}
	if key.IsExpired(a.cfg.now()) || key.AuthCookie != authCookie {
		return "", fmt.Errorf("%w: decision key does not belong to this request", domain.ErrForbidden)
	}

	req, err := a.pendingRequest(ctx, authCookie)
	if err != nil {
		return "", err
	}
	sess, err := a.session(ctx, sessionCookie)
	if err != nil {
		return "", err
	}
	if err := a.store.AuthFlow().ConsumeRequest(ctx, authCookie); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: authorization request already decided", domain.ErrForbidden)
		}
		return "", err
	}

	if !approve {
		logging.FromContext(ctx).Info("authorization denied", "client_id", req.ClientID, "user", sess.AuthUser)
		return redirectWith(req.RedirectURI, map[string]string{"error": domain.OAuthAccessDenied, "state": req.State})
	}
	buses, err := a.approvableBuses(ctx, sess.AuthUser, req.Scope)
	if err != nil {
		return "", err
	}
	if len(buses) == 0 {
		return redirectWith(req.RedirectURI, map[string]string{"error": domain.OAuthAccessDenied, "state": req.State})
	}

	grant, err := a.grants.CreateGrant(ctx, req.ClientID, strings.Join(buses, " "), nil)
	if err != nil {
		return "", err
	}
	code, err := a.grants.IssueCode(ctx, grant)
	if err != nil {
		return "", err
	}
	logging.FromContext(ctx).Info("authorization approved", "client_id", req.ClientID, "user", sess.AuthUser, "grant_id", grant.ID)
	return redirectWith(req.RedirectURI, map[string]string{"code": code.ID, "state": req.State})
}

// SweepExpired deletes expired authorization requests, decision keys and
// auth sessions.
func (a *AuthorizationServiceImpl) SweepExpired(ctx context.Context) (int64, error) {
	return a.store.AuthFlow().DeleteExpired(ctx, domain.FormatTime(a.cfg.now()))
}

func (a *AuthorizationServiceImpl) pendingRequest(ctx context.Context, cookie string) (*domain.AuthorizationRequest, error) {
	if cookie == "" {
		return nil, domain.NewOAuthError(domain.OAuthInvalidRequest, "no pending authorization request")
	}
	req, err := a.store.AuthFlow().GetRequest(ctx, cookie)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.NewOAuthError(domain.OAuthInvalidRequest, "no pending authorization request")
		}
		return nil, err
	}
	if req.IsExpired(a.cfg.now()) {
		return nil, domain.NewOAuthError(domain.OAuthInvalidRequest, "authorization request expired")
	}
	return req, nil
}

func (a *AuthorizationServiceImpl) session(ctx context.Context, cookie string) (*domain.AuthSession, error) {
	if cookie == "" {
		return nil, fmt.Errorf("%w: login required", domain.ErrForbidden)
	}
	sess, err := a.store.AuthFlow().GetSession(ctx, cookie)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: login required", domain.ErrForbidden)
		}
		return nil, err
	}
	if sess.IsExpired(a.cfg.now()) {
		return nil, fmt.Errorf("%w: session expired", domain.ErrForbidden)
	}
	return sess, nil
}

// approvableBuses intersects the requested buses with those user owns. A
// request naming no bus asks for all of them.
func (a *AuthorizationServiceImpl) approvableBuses(ctx context.Context, user, requestedScope string) ([]string, error) {
	configs, err := a.store.Buses().ConfigsOwnedBy(ctx, user)
	if err != nil {
		return nil, err
	}
	owned := make(map[string]struct{}, len(configs))
	for _, c := range configs {
		owned[c.Bus] = struct{}{}
	}

	sc, err := scope.Parse(requestedScope)
	if err != nil {
		return nil, &domain.OAuthError{Code: domain.OAuthInvalidScope, Description: err.Error(), Err: err}
	}
	requested := sc.Buses()
	if len(requested) == 0 {
		out := make([]string, 0, len(owned))
		for b := range owned {
			out = append(out, b)
		}
		sort.Strings(out)
		return out, nil
	}
	var out []string
	for _, b := range requested {
		if _, ok := owned[b]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func redirectWith(base string, params map[string]string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: invalid redirect URI: %v", domain.ErrServer, err)
	}
	q := u.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
