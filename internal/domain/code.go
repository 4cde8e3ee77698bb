package domain

import "time"

const (
	CodeFieldGrantID     = "grant_id"
	CodeFieldDateCreated = "date_created"
	CodeFieldDateUsed    = "date_used"
)

var CodeSchema = NewSchema("authorization code",
	FieldDef{Name: CodeFieldGrantID, Required: true},
	FieldDef{Name: CodeFieldDateCreated, Required: true, Validate: validateTime},
	FieldDef{Name: CodeFieldDateUsed, Validate: validateTime},
)

// AuthorizationCode is single use: DateUsed goes from nil to set exactly once.
type AuthorizationCode struct {
	ID          string
	GrantID     string
	DateCreated time.Time
	DateUsed    *time.Time

	Revision int64
}

func (c AuthorizationCode) IsUsed() bool { return c.DateUsed != nil }

func (c AuthorizationCode) IsExpired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.After(c.DateCreated.Add(ttl))
}

func (c AuthorizationCode) Attributes() map[string]string {
	return compact(map[string]string{
		CodeFieldGrantID:     c.GrantID,
		CodeFieldDateCreated: FormatTime(c.DateCreated),
		CodeFieldDateUsed:    formatOptionalTime(c.DateUsed),
	})
}

func CodeFromAttributes(id string, attrs map[string]string, revision int64) (AuthorizationCode, error) {
	if err := CodeSchema.Validate(attrs); err != nil {
		return AuthorizationCode{}, err
	}
	created, _ := ParseTime(attrs[CodeFieldDateCreated])
	used, _ := parseOptionalTime(attrs[CodeFieldDateUsed])
	return AuthorizationCode{
		ID:          id,
		GrantID:     attrs[CodeFieldGrantID],
		DateCreated: created,
		DateUsed:    used,
		Revision:    revision,
	}, nil
}
