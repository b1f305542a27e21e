// Command diagctl is the operator CLI: migrations, credit grants and job
// recovery against the same database the API and worker use.
package main

import (
	"context"
	"fmt"
	"os"

	"diagnostics_backend/platform/config"
	"diagnostics_backend/platform/db"
	"diagnostics_backend/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

// instance holds what every subcommand needs, opened once in the pre-run hook.
type instance struct {
	cfg  *config.Config
	pool *pgxpool.Pool
	log  *logger.Logger
}

func (a *instance) preRun(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	pool, err := db.NewPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	a.cfg, a.pool, a.log = cfg, pool, logger.New(cfg.Env)
	return nil
}

func (a *instance) close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func newRootCommand(app *instance) *cobra.Command {
	root := &cobra.Command{
		Use:               "diagctl",
		Short:             "Operate the diagnosis pipeline",
		SilenceUsage:      true,
		PersistentPreRunE: app.preRun,
	}

	root.AddCommand(migrateCommand(app))
	root.AddCommand(creditsCommand(app))
	root.AddCommand(diagnosisCommand(app))
	return root
}

func main() {
	app := &instance{}
	defer app.close()

	if err := newRootCommand(app).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		app.close()
		os.Exit(1)
	}
}
