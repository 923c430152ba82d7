package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Richard1990h/KING-V3-sub001/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
	Long: `Apply, roll back or inspect the embedded schema migrations.

Examples:
  forge migrate up
  forge migrate down 1
  forge migrate status
  forge migrate force 2   # clear a dirty flag after a manual fix`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: withMigrations(func(cmd *cobra.Command, r *store.MigrationRunner, args []string) error {
		return r.Up()
	}),
}

var migrateDownCmd = &cobra.Command{
	Use:   "down [n]",
	Short: "Roll back the last n migrations (default 1)",
	Args:  cobra.MaximumNArgs(1),
	RunE: withMigrations(func(cmd *cobra.Command, r *store.MigrationRunner, args []string) error {
		n := 1
		if len(args) == 1 {
			v, err := strconv.Atoi(args[0])
			if err != nil || v < 1 {
				return fmt.Errorf("invalid step count %q", args[0])
			}
			n = v
		}
		return r.Down(n)
	}),
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current schema version",
	Args:  cobra.NoArgs,
	RunE: withMigrations(func(cmd *cobra.Command, r *store.MigrationRunner, args []string) error {
		st, err := r.Status()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", st.Version, st.Dirty)
		return nil
	}),
}

var migrateForceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Set the schema version without running migrations",
	Args:  cobra.ExactArgs(1),
	RunE: withMigrations(func(cmd *cobra.Command, r *store.MigrationRunner, args []string) error {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q", args[0])
		}
		return r.Force(v)
	}),
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd, migrateForceCmd)
}

func withMigrations(fn func(*cobra.Command, *store.MigrationRunner, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		r, err := store.NewMigrationRunner(settings.Database.Driver, settings.Database.DSN, logger)
		if err != nil {
			return err
		}
		defer r.Close()
		return fn(cmd, r, args)
	}
}
