// Command outerctl is the operator CLI: schema migrations, token encryption maintenance
// and session minting for debugging the RPC surface with curl.
//
// It reads the same environment as the server (DB_DSN, ENCRYPTION_KEY, SESSION_SECRET, ...).
//
// Usage:
//
//	outerctl migrate up
//	outerctl tokens status
//	outerctl tokens encrypt --dry-run
//	outerctl tokens rotate
//	outerctl session mint --user <id>
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/onnwee/outer/backend/config"
	"github.com/onnwee/outer/backend/db"
)

// app is the state shared by every subcommand, resolved before it runs.
type app struct {
	dsn string
	cfg *config.Config
}

func newRootCommand() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "outerctl",
		Short:         "Operate the outer backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if a.dsn != "" {
				cfg.DBDsn = a.dsn
			}
			a.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&a.dsn, "dsn", "", "database DSN (default: DB_DSN)")

	cmd.AddCommand(
		newMigrateCommand(a),
		newTokensCommand(a),
		newSessionCommand(a),
	)
	return cmd
}

// open connects to the configured database; the caller closes it.
func (a *app) open() (*sql.DB, db.Dialect, error) {
	return db.Connect(a.cfg.DBDsn)
}

// store opens the database with the configured keyring.
func (a *app) store() (*db.Store, func(), error) {
	database, dialect, err := a.open()
	if err != nil {
		return nil, nil, err
	}
	keys, err := a.cfg.Keyring()
	if err != nil {
		_ = database.Close()
		return nil, nil, err
	}
	closeFn := func() {
		if err := database.Close(); err != nil {
			slog.Warn("failed to close database", slog.Any("err", err))
		}
	}
	return db.NewStore(database, dialect, keys), closeFn, nil
}

func main() {
	_ = godotenv.Load("backend/.env", ".env")
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		slog.Error("command failed", slog.Any("err", err))
		os.Exit(1)
	}
}
