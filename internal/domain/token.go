package domain

import (
	"fmt"
	"strings"
	"time"

	"backplane/internal/ids"
	"backplane/internal/scope"
)

type TokenType string

const (
	TokenAnonymous  TokenType = "anonymous"
	TokenRegular    TokenType = "regular"
	TokenPrivileged TokenType = "privileged"
)

// Token IDs start with a type prefix followed by a generated ID.
var tokenPrefixes = map[TokenType]string{
	TokenAnonymous:  "AN",
	TokenRegular:    "RE",
	TokenPrivileged: "PR",
}

const (
	TokenFieldType     = "type"
	TokenFieldChannel  = "channel"
	TokenFieldScope    = "scope"
	TokenFieldExpires  = "expires"
	TokenFieldGrantID  = "grant_id"
	TokenFieldClientID = "client_id"
)

var TokenSchema = NewSchema("token",
	FieldDef{Name: TokenFieldType, Required: true, Validate: validateTokenType},
	FieldDef{Name: TokenFieldChannel},
	FieldDef{Name: TokenFieldScope, Validate: validateScope},
	FieldDef{Name: TokenFieldExpires, Validate: validateTime},
	FieldDef{Name: TokenFieldGrantID},
	FieldDef{Name: TokenFieldClientID},
)

func validateTokenType(v string) error {
	if _, ok := tokenPrefixes[TokenType(v)]; !ok {
		return fmt.Errorf("unknown token type %q", v)
	}
	return nil
}

func validateScope(v string) error {
	_, err := scope.Parse(v)
	return err
}

// Token is the bearer credential presented on message calls.
type Token struct {
	ID       string
	Type     TokenType
	Channel  string
	Scope    string
	Expires  *time.Time
	GrantID  string
	ClientID string
}

func NewTokenID(t TokenType) string {
	return tokenPrefixes[t] + ids.New()
}

// TokenTypeFromID reports the type encoded in id, or false when id is not
// shaped like a token ID.
func TokenTypeFromID(id string) (TokenType, bool) {
	for t, prefix := range tokenPrefixes {
		if strings.HasPrefix(id, prefix) && ids.Valid(id[len(prefix):]) {
			return t, true
		}
	}
	return "", false
}

func (t Token) IsPrivileged() bool { return t.Type == TokenPrivileged }

func (t Token) IsExpired(now time.Time) bool {
	return t.Expires != nil && !now.Before(*t.Expires)
}

// ParsedScope returns the token's effective scope.
func (t Token) ParsedScope() (scope.Scope, error) {
	return scope.Parse(t.Scope)
}

// Bus is the single bus a non-privileged token is bound to, or "" when it
// is not bound yet.
func (t Token) Bus() string {
	sc, err := t.ParsedScope()
	if err != nil {
		return ""
	}
	if buses := sc.Buses(); len(buses) == 1 {
		return buses[0]
	}
	return ""
}

// IsAllowedBus reports whether the token's scope names bus.
func (t Token) IsAllowedBus(bus string) bool {
	sc, err := t.ParsedScope()
	if err != nil {
		return false
	}
	return sc.Has(scope.KeyBus, bus)
}

func (t Token) Attributes() map[string]string {
	return compact(map[string]string{
		TokenFieldType:     string(t.Type),
		TokenFieldChannel:  t.Channel,
		TokenFieldScope:    t.Scope,
		TokenFieldExpires:  formatOptionalTime(t.Expires),
		TokenFieldGrantID:  t.GrantID,
		TokenFieldClientID: t.ClientID,
	})
}

func (t Token) Validate() error {
	if err := TokenSchema.Validate(t.Attributes()); err != nil {
		return err
	}
	if t.Type == TokenPrivileged && t.GrantID == "" {
		return fmt.Errorf("%w: privileged token without grant", ErrInvalidRequest)
	}
	if t.Type != TokenPrivileged && t.Channel == "" {
		return fmt.Errorf("%w: %s token without channel", ErrInvalidRequest, t.Type)
	}
	return nil
}

func TokenFromAttributes(id string, attrs map[string]string) (Token, error) {
	if err := TokenSchema.Validate(attrs); err != nil {
		return Token{}, err
	}
	exp, _ := parseOptionalTime(attrs[TokenFieldExpires])
	return Token{
		ID:       id,
		Type:     TokenType(attrs[TokenFieldType]),
		Channel:  attrs[TokenFieldChannel],
		Scope:    attrs[TokenFieldScope],
		Expires:  exp,
		GrantID:  attrs[TokenFieldGrantID],
		ClientID: attrs[TokenFieldClientID],
	}, nil
}
