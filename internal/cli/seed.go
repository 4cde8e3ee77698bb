package cli

import (
	"context"
	"fmt"
	"os"

	"backplane/internal/secret"
	"backplane/internal/store"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

// SeedFile is the document accepted by "bpctl seed".
type SeedFile struct {
	Users   []SeedUser   `yaml:"users"`
	Buses   []SeedBus    `yaml:"buses"`
	Clients []SeedClient `yaml:"clients"`
}

type SeedUser struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
}

type SeedBus struct {
	Name        string              `yaml:"name"`
	Owner       string              `yaml:"owner"`
	Permissions map[string][]string `yaml:"permissions"`
}

// LoadSeedFile reads and parses a seed document.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}
	return &f, nil
}

// Apply writes the users, then the buses, then the clients. Existing
// records with the same names are replaced.
func (f *SeedFile) Apply(ctx context.Context, st *store.Store, hasher *secret.Hasher) error {
	for _, u := range f.Users {
		if err := addUser(ctx, st, u.Name, u.Password); err != nil {
			return err
		}
	}
	for _, b := range f.Buses {
		if err := addBus(ctx, st, b.Name, b.Owner, b.Permissions); err != nil {
			return err
		}
	}
	for _, c := range f.Clients {
		if err := addClient(ctx, st, hasher, c); err != nil {
			return err
		}
	}
	return nil
}

func newSeedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Load users, buses and clients from a YAML file",
		Example: `  # seed.yaml
  users:
    - name: alice
      password: s3cret
  buses:
    - name: mybus.com
      owner: alice
      permissions:
        bob: [GETALL]
  clients:
    - id: app
      secret: app-secret
      redirect_uri: https://app.example/cb
      source_url: https://app.example

  bpctl seed seed.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := LoadSeedFile(args[0])
			if err != nil {
				return err
			}
			if err := f.Apply(cmd.Context(), a.store, a.opts.Hasher); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d users, %d buses, %d clients\n", len(f.Users), len(f.Buses), len(f.Clients))
			return nil
		},
	}
}
