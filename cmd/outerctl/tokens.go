package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTokensCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Inspect and re-encrypt stored OAuth tokens",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Count accounts per encryption version and key id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeFn, err := a.store()
			if err != nil {
				return err
			}
			defer closeFn()
			rows, err := store.TokenStatus(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				_, _ = fmt.Fprintln(out, "no accounts")
				return nil
			}
			for _, r := range rows {
				keyID := r.KeyID
				if keyID == "" {
					keyID = "-"
				}
				_, _ = fmt.Fprintf(out, "version=%d key=%s accounts=%d\n", r.Version, keyID, r.Count)
			}
			return nil
		},
	}

	var dryRun bool
	reseal := func(plaintextOnly bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			store, closeFn, err := a.store()
			if err != nil {
				return err
			}
			defer closeFn()
			report, err := store.Reseal(cmd.Context(), plaintextOnly, dryRun)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "candidates=%d resealed=%d errors=%d dry_run=%t\n",
				report.Candidates, report.Resealed, report.Errors, dryRun)
			return err
		}
	}

	encrypt := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt plaintext tokens with the primary key",
		Args:  cobra.NoArgs,
		RunE:  reseal(true),
	}
	rotate := &cobra.Command{
		Use:   "rotate",
		Short: "Re-encrypt every token not sealed by the primary key",
		Long: `Re-encrypt every token not sealed by the primary key.

Keep the old key in ENCRYPTION_PREVIOUS_KEYS (id:key pairs) while rotating so its
ciphertexts can still be opened.`,
		Args: cobra.NoArgs,
		RunE: reseal(false),
	}
	for _, c := range []*cobra.Command{encrypt, rotate} {
		c.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be resealed without making changes")
	}

	cmd.AddCommand(status, encrypt, rotate)
	return cmd
}
