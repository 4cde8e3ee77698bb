package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	GrantFieldClientID       = "client_id"
	GrantFieldBusScope       = "bus_scope"
	GrantFieldDateCreated    = "date_created"
	GrantFieldExpiration     = "expiration"
	GrantFieldIssuedCodeID   = "issued_code_id"
	GrantFieldIssuedTokenIDs = "issued_token_ids"
)

var GrantSchema = NewSchema("grant",
	FieldDef{Name: GrantFieldClientID, Required: true},
	FieldDef{Name: GrantFieldBusScope, Required: true, Validate: validateBusList},
	FieldDef{Name: GrantFieldDateCreated, Required: true, Validate: validateTime},
	FieldDef{Name: GrantFieldExpiration, Validate: validateTime},
	FieldDef{Name: GrantFieldIssuedCodeID},
	FieldDef{Name: GrantFieldIssuedTokenIDs},
)

// Grant binds a client to a set of buses approved by their owner.
type Grant struct {
	ID             string
	ClientID       string
	Buses          []string
	DateCreated    time.Time
	Expiration     *time.Time
	IssuedCodeID   string
	IssuedTokenIDs []string

	Revision int64
}

// ParseBusList splits a space delimited bus list, dropping duplicates.
func ParseBusList(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("%w: empty bus list", ErrInvalidRequest)
	}
	var out []string
	seen := map[string]struct{}{}
	for _, b := range strings.Fields(s) {
		if strings.Contains(b, ":") {
			return nil, fmt.Errorf("%w: invalid bus name %q", ErrInvalidRequest, b)
		}
		if _, dup := seen[b]; dup {
			continue
		}
		seen[b] = struct{}{}
		out = append(out, b)
	}
	return out, nil
}

func validateBusList(v string) error {
	_, err := ParseBusList(v)
	return err
}

func (g Grant) BusScope() string { return strings.Join(g.Buses, " ") }

func (g Grant) IsExpired(now time.Time) bool {
	return g.Expiration != nil && !now.Before(*g.Expiration)
}

// AddTokenID records a token minted against the grant.
func (g *Grant) AddTokenID(id string) {
	for _, existing := range g.IssuedTokenIDs {
		if existing == id {
			return
		}
	}
	g.IssuedTokenIDs = append(g.IssuedTokenIDs, id)
}

func (g Grant) Attributes() map[string]string {
	tokens := append([]string(nil), g.IssuedTokenIDs...)
	sort.Strings(tokens)
	return compact(map[string]string{
		GrantFieldClientID:       g.ClientID,
		GrantFieldBusScope:       g.BusScope(),
		GrantFieldDateCreated:    FormatTime(g.DateCreated),
		GrantFieldExpiration:     formatOptionalTime(g.Expiration),
		GrantFieldIssuedCodeID:   g.IssuedCodeID,
		GrantFieldIssuedTokenIDs: strings.Join(tokens, " "),
	})
}

func (g Grant) Validate() error {
	return GrantSchema.Validate(g.Attributes())
}

func GrantFromAttributes(id string, attrs map[string]string, revision int64) (Grant, error) {
	if err := GrantSchema.Validate(attrs); err != nil {
		return Grant{}, err
	}
	buses, _ := ParseBusList(attrs[GrantFieldBusScope])
	created, _ := ParseTime(attrs[GrantFieldDateCreated])
	exp, _ := parseOptionalTime(attrs[GrantFieldExpiration])
	return Grant{
		ID:             id,
		ClientID:       attrs[GrantFieldClientID],
		Buses:          buses,
		DateCreated:    created,
		Expiration:     exp,
		IssuedCodeID:   attrs[GrantFieldIssuedCodeID],
		IssuedTokenIDs: strings.Fields(attrs[GrantFieldIssuedTokenIDs]),
		Revision:       revision,
	}, nil
}
