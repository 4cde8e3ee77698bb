package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	impl "backplane/internal/service/impl"
	"backplane/internal/tasks"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newSweepCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep [task...]",
		Short: "Run the store maintenance tasks once",
		Long: fmt.Sprintf(`Runs the background sweeps the server schedules periodically: %s,
%s and %s. Without arguments every sweep runs.`,
			tasks.TaskExpiredTokens, tasks.TaskOrphanedTokens, tasks.TaskExpiredAuthState),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.serviceConfig()
			grants := impl.NewGrantService(cfg, a.store)
			tokens := impl.NewTokenService(cfg, a.store, grants, a.opts.Hasher)
			authz := impl.NewAuthorizationService(cfg, a.store, grants, impl.NewBusGuard(a.store))

			m := tasks.NewManager(slog.Default())
			tasks.RegisterSweeps(m, a.cfg.SweepInterval, tokens, authz)

			names := args
			if len(names) == 0 {
				for _, st := range m.ListStatus() {
					names = append(names, st.Name)
				}
			}

			var failed int
			for _, name := range names {
				if _, err := m.RunNow(cmd.Context(), name); err != nil {
					var notFound tasks.TaskNotFoundError
					if errors.As(err, &notFound) {
						return err
					}
					failed++
				}
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Task", "Result", "Output"})
			results := map[string]string{}
			for _, st := range m.ListStatus() {
				results[st.Name] = st.LastResult
			}
			for _, name := range names {
				logs, err := m.GetLogs(name)
				if err != nil {
					return err
				}
				t.AppendRow(table.Row{name, results[name], truncate(taskOutput(logs), 80)})
			}
			applyTableFormat(t)
			t.Render()

			if failed > 0 {
				return fmt.Errorf("%d sweep(s) failed", failed)
			}
			return nil
		},
	}
}

// taskOutput joins what the task itself logged, leaving out the runner's
// start and finish lines.
func taskOutput(logs []tasks.LogEntry) string {
	if len(logs) <= 2 {
		return ""
	}
	msgs := make([]string, 0, len(logs)-2)
	for _, l := range logs[1 : len(logs)-1] {
		msgs = append(msgs, l.Message)
	}
	return strings.Join(msgs, "; ")
}
