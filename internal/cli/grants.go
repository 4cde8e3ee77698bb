package cli

import (
	"fmt"
	"strings"
	"time"

	"backplane/internal/domain"
	impl "backplane/internal/service/impl"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newGrantCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Manage grants issued to OAuth clients",
	}
	cmd.AddCommand(newGrantCreateCmd(a), newGrantListCmd(a), newGrantRevokeCmd(a))
	return cmd
}

func newGrantCreateCmd(a *app) *cobra.Command {
	var (
		clientID string
		buses    string
		ttl      time.Duration
		withCode bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Grant a client access to buses",
		Long: `Creates a grant without going through the browser authorization flow.
With --code an authorization code is issued for it as well, ready to be
exchanged at the token endpoint.`,
		Example: `  bpctl grant create --client app --buses "mybus.com other.com" --code`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var expiration *time.Time
			if ttl > 0 {
				exp := time.Now().UTC().Add(ttl)
				expiration = &exp
			}
			grants := impl.NewGrantService(a.serviceConfig(), a.store)
			grant, err := grants.CreateGrant(cmd.Context(), clientID, buses, expiration)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "grant: %s\n", grant.ID)
			if !withCode {
				return nil
			}
			code, err := grants.IssueCode(cmd.Context(), grant)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "code: %s (expires %s)\n", code.ID, domain.FormatTime(code.DateCreated.Add(a.cfg.CodeTTL)))
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "Client ID")
	cmd.Flags().StringVar(&buses, "buses", "", "Space separated bus list")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Grant lifetime (0 = never expires)")
	cmd.Flags().BoolVar(&withCode, "code", false, "Also issue an authorization code")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("buses")
	return cmd
}

func newGrantListCmd(a *app) *cobra.Command {
	var clientID string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			grants, err := impl.NewGrantService(a.serviceConfig(), a.store).ListGrants(cmd.Context(), clientID)
			if err != nil {
				return fmt.Errorf("listing grants: %w", err)
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"ID", "Client", "Buses", "Created", "Expires", "Code", "Tokens"})
			for _, g := range grants {
				expires := "never"
				if g.Expiration != nil {
					expires = domain.FormatTime(*g.Expiration)
				}
				code := g.IssuedCodeID
				if code == "" {
					code = "-"
				}
				t.AppendRow(table.Row{
					g.ID,
					g.ClientID,
					strings.Join(g.Buses, " "),
					domain.FormatTime(g.DateCreated),
					expires,
					truncate(code, 16),
					len(g.IssuedTokenIDs),
				})
			}
			applyTableFormat(t)
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "Only list grants of this client")
	return cmd
}

func newGrantRevokeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <grant-id>",
		Short: "Revoke a grant and every token issued from it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := impl.NewGrantService(a.serviceConfig(), a.store).RevokeGrant(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("revoking grant %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "grant %s revoked\n", args[0])
			return nil
		},
	}
}

func applyTableFormat(t table.Writer) {
	t.SetStyle(table.StyleLight)
	t.Style().Options.SeparateRows = false
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
