package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Permission is a capability a user holds on a bus.
type Permission string

const (
	PermGetAll Permission = "GETALL"
	PermPost   Permission = "POST"
)

func ParsePermission(s string) (Permission, error) {
	switch p := Permission(strings.ToUpper(strings.TrimSpace(s))); p {
	case PermGetAll, PermPost:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown permission %q", ErrInvalidRequest, s)
}

const BusUserFieldPasswordHash = "pwdhash"

var BusUserSchema = NewSchema("bus user",
	FieldDef{Name: BusUserFieldPasswordHash, Required: true},
)

// BusUser authenticates with HTTP Basic credentials on the legacy bus
// endpoints and as the resource owner in the authorization flow.
type BusUser struct {
	Name         string
	PasswordHash string
}

func (u BusUser) Attributes() map[string]string {
	return map[string]string{BusUserFieldPasswordHash: u.PasswordHash}
}

func BusUserFromAttributes(name string, attrs map[string]string) (BusUser, error) {
	if err := BusUserSchema.Validate(attrs); err != nil {
		return BusUser{}, err
	}
	return BusUser{Name: name, PasswordHash: attrs[BusUserFieldPasswordHash]}, nil
}

const (
	BusConfigFieldOwner       = "owner"
	BusConfigFieldPermissions = "permissions"
)

var BusConfigSchema = NewSchema("bus config",
	FieldDef{Name: BusConfigFieldOwner},
	FieldDef{Name: BusConfigFieldPermissions, Validate: validatePermissionsJSON},
)

// BusConfig grants users permissions on one bus. Owner is the user who may
// approve authorization requests for the bus.
type BusConfig struct {
	Bus         string
	Owner       string
	Permissions map[string][]Permission
}

func (b BusConfig) Allows(user string, perm Permission) bool {
	for _, p := range b.Permissions[user] {
		if p == perm {
			return true
		}
	}
	return false
}

// Grant adds perm for user.
func (b *BusConfig) Grant(user string, perm Permission) {
	if b.Permissions == nil {
		b.Permissions = map[string][]Permission{}
	}
	if b.Allows(user, perm) {
		return
	}
	b.Permissions[user] = append(b.Permissions[user], perm)
	sort.Slice(b.Permissions[user], func(i, j int) bool { return b.Permissions[user][i] < b.Permissions[user][j] })
}

func (b BusConfig) Attributes() map[string]string {
	perms := b.Permissions
	if perms == nil {
		perms = map[string][]Permission{}
	}
	raw, _ := json.Marshal(perms)
	return compact(map[string]string{
		BusConfigFieldOwner:       b.Owner,
		BusConfigFieldPermissions: string(raw),
	})
}

func validatePermissionsJSON(v string) error {
	var perms map[string][]Permission
	if err := json.Unmarshal([]byte(v), &perms); err != nil {
		return err
	}
	for _, ps := range perms {
		for _, p := range ps {
			if _, err := ParsePermission(string(p)); err != nil {
				return err
			}
		}
	}
	return nil
}

func BusConfigFromAttributes(bus string, attrs map[string]string) (BusConfig, error) {
	if err := BusConfigSchema.Validate(attrs); err != nil {
		return BusConfig{}, err
	}
	cfg := BusConfig{Bus: bus, Owner: attrs[BusConfigFieldOwner], Permissions: map[string][]Permission{}}
	if raw := attrs[BusConfigFieldPermissions]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &cfg.Permissions)
	}
	return cfg, nil
}
