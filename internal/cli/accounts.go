package cli

import (
	"fmt"
	"strings"

	"backplane/internal/ids"

	"github.com/spf13/cobra"
)

func newUserCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage bus users",
	}

	var password string
	add := &cobra.Command{
		Use:     "add <name>",
		Short:   "Create or replace a bus user",
		Example: `  bpctl user add alice --password s3cret`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := addUser(cmd.Context(), a.store, args[0], password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s saved\n", args[0])
			return nil
		},
	}
	add.Flags().StringVar(&password, "password", "", "Password for Basic authentication")
	_ = add.MarkFlagRequired("password")

	cmd.AddCommand(add)
	return cmd
}

func newBusCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bus",
		Short: "Manage bus configurations",
	}

	var (
		owner string
		perms []string
	)
	add := &cobra.Command{
		Use:   "add <bus>",
		Short: "Create or replace a bus configuration",
		Long: `Stores the configuration of a bus. The owner may read and post, and is
the user who approves authorization requests naming the bus.`,
		Example: `  bpctl bus add mybus.com --owner alice --perm bob=GETALL --perm carol=GETALL,POST`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parsePermFlags(perms)
			if err != nil {
				return err
			}
			if err := addBus(cmd.Context(), a.store, args[0], owner, parsed); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bus %s saved\n", args[0])
			return nil
		},
	}
	add.Flags().StringVar(&owner, "owner", "", "Bus owner")
	add.Flags().StringArrayVar(&perms, "perm", nil, "Extra permissions as user=PERM[,PERM] (repeatable)")
	_ = add.MarkFlagRequired("owner")

	cmd.AddCommand(add)
	return cmd
}

func parsePermFlags(flags []string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, f := range flags {
		user, list, ok := strings.Cut(f, "=")
		if !ok || user == "" || list == "" {
			return nil, fmt.Errorf("invalid --perm %q, want user=PERM[,PERM]", f)
		}
		for _, p := range strings.Split(list, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out[user] = append(out[user], p)
			}
		}
	}
	return out, nil
}

func newClientCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage OAuth clients",
	}

	var seed SeedClient
	add := &cobra.Command{
		Use:   "add <client-id>",
		Short: "Register an OAuth client",
		Long: `Registers a client allowed to redeem authorization codes. When no
secret is given one is generated and printed once; only its hash is stored.`,
		Example: `  bpctl client add app --redirect-uri https://app.example/cb --source-url https://app.example`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed.ID = args[0]
			generated := seed.Secret == ""
			if generated {
				seed.Secret = ids.RandomString(32)
			}
			if err := addClient(cmd.Context(), a.store, a.opts.Hasher, seed); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "client %s saved\n", seed.ID)
			if generated {
				fmt.Fprintf(cmd.OutOrStdout(), "client secret: %s\n", seed.Secret)
			}
			return nil
		},
	}
	add.Flags().StringVar(&seed.Secret, "secret", "", "Client secret (generated when empty)")
	add.Flags().StringVar(&seed.RedirectURI, "redirect-uri", "", "Registered redirect URI")
	add.Flags().StringVar(&seed.SourceURL, "source-url", "", "Source stamped on messages the client publishes")
	_ = add.MarkFlagRequired("redirect-uri")
	_ = add.MarkFlagRequired("source-url")

	cmd.AddCommand(add)
	return cmd
}
