package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/onnwee/outer/backend/session"
)

func newSessionCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Work with session tokens",
	}

	var userID string
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint a bearer session token for an existing user",
		Example: `  outerctl session mint --user 6f1c...
  curl -H "Authorization: Bearer $(outerctl session mint --user 6f1c...)" localhost:8080/rpc/spaces/list`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.ValidateSessionReady(); err != nil {
				return err
			}
			store, closeFn, err := a.store()
			if err != nil {
				return err
			}
			defer closeFn()
			user, err := store.GetUser(cmd.Context(), userID)
			if err != nil {
				return fmt.Errorf("lookup user %q: %w", userID, err)
			}
			m, err := session.NewManager(session.Options{
				Secret:     a.cfg.SessionSecret,
				CookieName: a.cfg.SessionCookie,
				TTL:        a.cfg.SessionTTL,
			})
			if err != nil {
				return err
			}
			token, _, err := m.Mint(session.Identity{UserID: user.ID, Email: user.Email, Name: user.Name})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	mint.Flags().StringVar(&userID, "user", "", "user id to mint the token for")
	_ = mint.MarkFlagRequired("user")

	cmd.AddCommand(mint)
	return cmd
}
