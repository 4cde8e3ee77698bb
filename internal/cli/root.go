package cli

import (
	"context"
	"log/slog"
	"os"

	"backplane/internal/config"
	"backplane/internal/observability/logging"
	"backplane/internal/secret"
	impl "backplane/internal/service/impl"
	"backplane/internal/store"

	"github.com/spf13/cobra"
)

// Opener connects to the store described by cfg.
type Opener func(ctx context.Context, cfg config.Config) (*store.Store, func() error, error)

func openConfigured(ctx context.Context, cfg config.Config) (*store.Store, func() error, error) {
	return store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
}

type Options struct {
	Open   Opener
	Hasher *secret.Hasher
}

// app carries what every subcommand needs once the root command has run
// its pre-run hook.
type app struct {
	opts     Options
	cfg      config.Config
	store    *store.Store
	closeDB  func() error
	driver   string
	dsn      string
	logLevel string
}

func (a *app) serviceConfig() impl.Config { return impl.ConfigFrom(a.cfg) }

// NewRootCmd builds the bpctl command tree.
func NewRootCmd(opts Options) *cobra.Command {
	if opts.Open == nil {
		opts.Open = openConfigured
	}
	if opts.Hasher == nil {
		opts.Hasher = secret.NewHasher(secret.DefaultArgon2Params)
	}
	a := &app{opts: opts}

	root := &cobra.Command{
		Use:   "bpctl",
		Short: "Administer a backplane server's store",
		Long: `bpctl manages the records a backplane server reads: bus users, bus
configurations, OAuth clients and grants. It talks to the database directly,
using the same environment configuration as the server.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.cfg = config.Load()
			if a.driver != "" {
				a.cfg.DatabaseDriver = a.driver
			}
			if a.dsn != "" {
				a.cfg.DatabaseURL = a.dsn
			}
			if a.logLevel != "" {
				a.cfg.LogLevel = a.logLevel
			}
			slog.SetDefault(logging.NewLogger(logging.Config{
				ServiceName: "bpctl",
				Environment: a.cfg.Environment,
				Level:       a.cfg.LogLevel,
				Output:      os.Stderr,
			}))

			st, closeDB, err := a.opts.Open(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			a.store, a.closeDB = st, closeDB
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.closeDB == nil {
				return nil
			}
			return a.closeDB()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&a.driver, "driver", "", "Database driver: postgres, sqlite or memory (default from DATABASE_DRIVER)")
	root.PersistentFlags().StringVar(&a.dsn, "dsn", "", "Database DSN (default from DATABASE_URL)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(
		newUserCmd(a),
		newBusCmd(a),
		newClientCmd(a),
		newGrantCmd(a),
		newSweepCmd(a),
		newSeedCmd(a),
	)
	return root
}

// Execute runs bpctl with os.Args.
func Execute(ctx context.Context) error {
	return NewRootCmd(Options{}).ExecuteContext(ctx)
}
