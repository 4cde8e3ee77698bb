package domain

import (
	"fmt"
	"time"

	"backplane/internal/ids"
)

const (
	AuthRequestTTL     = 1200 * time.Second
	DecisionKeyTTL     = 300 * time.Second
	AuthSessionTTL     = 3600 * time.Second
	DecisionKeyLength  = 30
	ResponseTypeCode   = "code"
	FieldExpires       = "expires"
	AuthReqFieldClient = "client_id"
	AuthReqFieldType   = "response_type"
	AuthReqFieldURI    = "redirect_uri"
	AuthReqFieldScope  = "scope"
	AuthReqFieldState  = "state"
	DecisionFieldAuth  = "auth_cookie"
	SessionFieldUser   = "auth_user"
)

func validateResponseType(v string) error {
	if v != ResponseTypeCode {
		return fmt.Errorf("unsupported OAuth2 response_type: %s", v)
	}
	return nil
}

var AuthRequestSchema = NewSchema("authorization request",
	FieldDef{Name: FieldExpires, Required: true, Validate: validateTime},
	FieldDef{Name: AuthReqFieldClient, Required: true},
	FieldDef{Name: AuthReqFieldType, Required: true, Validate: validateResponseType},
	FieldDef{Name: AuthReqFieldURI, Validate: validateURL},
	FieldDef{Name: AuthReqFieldScope, Validate: validateScope},
	FieldDef{Name: AuthReqFieldState},
)

// AuthorizationRequest is the pending /authorize call, keyed by the
// browser's auth cookie.
type AuthorizationRequest struct {
	Cookie       string
	ClientID     string
	ResponseType string
	RedirectURI  string
	Scope        string
	State        string
	Expires      time.Time
}

func NewAuthorizationRequest(cookie string, now time.Time, clientID, responseType, redirectURI, scopeStr, state string) (AuthorizationRequest, error) {
	r := AuthorizationRequest{
		Cookie:       cookie,
		ClientID:     clientID,
		ResponseType: responseType,
		RedirectURI:  redirectURI,
		Scope:        scopeStr,
		State:        state,
		Expires:      now.Add(AuthRequestTTL),
	}
	if err := AuthRequestSchema.Validate(r.Attributes()); err != nil {
		return AuthorizationRequest{}, err
	}
	return r, nil
}

func (r AuthorizationRequest) IsExpired(now time.Time) bool { return !now.Before(r.Expires) }

func (r AuthorizationRequest) Attributes() map[string]string {
	return compact(map[string]string{
		FieldExpires:       FormatTime(r.Expires),
		AuthReqFieldClient: r.ClientID,
		AuthReqFieldType:   r.ResponseType,
		AuthReqFieldURI:    r.RedirectURI,
		AuthReqFieldScope:  r.Scope,
		AuthReqFieldState:  r.State,
	})
}

func AuthRequestFromAttributes(cookie string, attrs map[string]string) (AuthorizationRequest, error) {
	if err := AuthRequestSchema.Validate(attrs); err != nil {
		return AuthorizationRequest{}, err
	}
	exp, _ := ParseTime(attrs[FieldExpires])
	return AuthorizationRequest{
		Cookie:       cookie,
		ClientID:     attrs[AuthReqFieldClient],
		ResponseType: attrs[AuthReqFieldType],
		RedirectURI:  attrs[AuthReqFieldURI],
		Scope:        attrs[AuthReqFieldScope],
		State:        attrs[AuthReqFieldState],
		Expires:      exp,
	}, nil
}

var DecisionKeySchema = NewSchema("authorization decision key",
	FieldDef{Name: DecisionFieldAuth, Required: true},
	FieldDef{Name: FieldExpires, Required: true, Validate: validateTime},
)

// AuthorizationDecisionKey ties a decision form submission to the auth
// cookie that rendered it.
type AuthorizationDecisionKey struct {
	Key        string
	AuthCookie string
	Expires    time.Time
}

func NewAuthorizationDecisionKey(authCookie string, now time.Time) AuthorizationDecisionKey {
	return AuthorizationDecisionKey{
		Key:        ids.RandomString(DecisionKeyLength),
		AuthCookie: authCookie,
		Expires:    now.Add(DecisionKeyTTL),
	}
}

func (k AuthorizationDecisionKey) IsExpired(now time.Time) bool { return !now.Before(k.Expires) }

func (k AuthorizationDecisionKey) Attributes() map[string]string {
	return map[string]string{
		DecisionFieldAuth: k.AuthCookie,
		FieldExpires:      FormatTime(k.Expires),
	}
}

func DecisionKeyFromAttributes(key string, attrs map[string]string) (AuthorizationDecisionKey, error) {
	if err := DecisionKeySchema.Validate(attrs); err != nil {
		return AuthorizationDecisionKey{}, err
	}
	exp, _ := ParseTime(attrs[FieldExpires])
	return AuthorizationDecisionKey{Key: key, AuthCookie: attrs[DecisionFieldAuth], Expires: exp}, nil
}

var AuthSessionSchema = NewSchema("auth session",
	FieldDef{Name: SessionFieldUser, Required: true},
	FieldDef{Name: FieldExpires, Required: true, Validate: validateTime},
)

// AuthSession records a bus owner authenticated for the authorization flow.
type AuthSession struct {
	Cookie   string
	AuthUser string
	Expires  time.Time
}

func NewAuthSession(user, cookie string, now time.Time) AuthSession {
	return AuthSession{Cookie: cookie, AuthUser: user, Expires: now.Add(AuthSessionTTL)}
}

func (s AuthSession) IsExpired(now time.Time) bool { return !now.Before(s.Expires) }

func (s AuthSession) Attributes() map[string]string {
	return map[string]string{
		SessionFieldUser: s.AuthUser,
		FieldExpires:     FormatTime(s.Expires),
	}
}

func AuthSessionFromAttributes(cookie string, attrs map[string]string) (AuthSession, error) {
	if err := AuthSessionSchema.Validate(attrs); err != nil {
		return AuthSession{}, err
	}
	exp, _ := ParseTime(attrs[FieldExpires])
	return AuthSession{Cookie: cookie, AuthUser: attrs[SessionFieldUser], Expires: exp}, nil
}
