package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/onnwee/outer/backend/db"
)

func newMigrateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			database, dialect, err := a.open()
			if err != nil {
				return err
			}
			defer func() { _ = database.Close() }()
			if err := db.Prepare(cmd.Context(), database, dialect); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration (postgres only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			database, dialect, err := a.open()
			if err != nil {
				return err
			}
			defer func() { _ = database.Close() }()
			if dialect != db.Postgres {
				return fmt.Errorf("migrate down requires postgres, have %s", dialect)
			}
			return db.MigrateDown(database)
		},
	}

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied migration version (postgres only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			database, dialect, err := a.open()
			if err != nil {
				return err
			}
			defer func() { _ = database.Close() }()
			if dialect != db.Postgres {
				return fmt.Errorf("migration versions are tracked for postgres only, have %s", dialect)
			}
			v, dirty, err := db.GetMigrationVersion(database)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", v, dirty)
			return nil
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}
