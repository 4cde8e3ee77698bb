package cli

import (
	"context"
	"fmt"
	"sort"

	"backplane/internal/domain"
	"backplane/internal/secret"
	"backplane/internal/store"
)

func addUser(ctx context.Context, st *store.Store, name, password string) error {
	if name == "" || password == "" {
		return fmt.Errorf("user name and password are required")
	}
	hash, err := secret.HMACHash(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	u := domain.BusUser{Name: name, PasswordHash: hash}
	if err := st.Buses().PutUser(ctx, u); err != nil {
		return fmt.Errorf("storing user %s: %w", name, err)
	}
	return nil
}

// addBus stores the configuration of bus. The owner always holds GETALL and
// POST; perms grants further users.
func addBus(ctx context.Context, st *store.Store, bus, owner string, perms map[string][]string) error {
	if bus == "" || owner == "" {
		return fmt.Errorf("bus name and owner are required")
	}
	cfg := domain.BusConfig{Bus: bus, Owner: owner}
	cfg.Grant(owner, domain.PermGetAll)
	cfg.Grant(owner, domain.PermPost)

	users := make([]string, 0, len(perms))
	for u := range perms {
		users = append(users, u)
	}
	sort.Strings(users)
	for _, u := range users {
		for _, raw := range perms[u] {
			p, err := domain.ParsePermission(raw)
			if err != nil {
				return fmt.Errorf("bus %s user %s: %w", bus, u, err)
			}
			cfg.Grant(u, p)
		}
	}
	if err := st.Buses().PutConfig(ctx, cfg); err != nil {
		return fmt.Errorf("storing bus %s: %w", bus, err)
	}
	return nil
}

func addClient(ctx context.Context, st *store.Store, hasher *secret.Hasher, c SeedClient) error {
	if c.ID == "" || c.ID == domain.AnonymousClientID {
		return fmt.Errorf("invalid client id %q", c.ID)
	}
	if c.Secret == "" {
		return fmt.Errorf("client %s: secret is required", c.ID)
	}
	hash, err := hasher.Hash(c.Secret)
	if err != nil {
		return fmt.Errorf("hashing client secret: %w", err)
	}
	client := domain.Client{ID: c.ID, SecretHash: hash, RedirectURI: c.RedirectURI, SourceURL: c.SourceURL}
	if err := client.Validate(); err != nil {
		return fmt.Errorf("client %s: %w", c.ID, err)
	}
	if err := st.Clients().Put(ctx, client); err != nil {
		return fmt.Errorf("storing client %s: %w", c.ID, err)
	}
	return nil
}

type SeedClient struct {
	ID          string `yaml:"id"`
	Secret      string `yaml:"secret"`
	RedirectURI string `yaml:"redirect_uri"`
	SourceURL   string `yaml:"source_url"`
}
