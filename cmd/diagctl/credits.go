package main

import (
	"fmt"

	"diagnostics_backend/internal/entitlement"
	"diagnostics_backend/platform/db"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func creditsCommand(app *instance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and grant entitlement credits",
	}
	cmd.AddCommand(creditsShowCommand(app), creditsGrantCommand(app))
	return cmd
}

func ledgerFor(app *instance) *entitlement.Ledger {
	return entitlement.NewLedger(entitlement.NewRepository(app.pool, db.NewTxManager(app.pool)), app.log)
}

func creditsShowCommand(app *instance) *cobra.Command {
	return &cobra.Command{
		Use:   "show <user-id> <diagnosis|lead>",
		Short: "Print the remaining balance of an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, kind, err := parseAccount(args[0], args[1])
			if err != nil {
				return err
			}
			bal, err := ledgerFor(app).Inspect(cmd.Context(), userID, kind)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: free=%d paid=%d total=%d\n",
				userID, kind, bal.FreeRemaining, bal.PaidRemaining, bal.Total())
			return nil
		},
	}
}

func creditsGrantCommand(app *instance) *cobra.Command {
	var (
		amount int
		source string
	)
	cmd := &cobra.Command{
		Use:   "grant <user-id> <diagnosis|lead>",
		Short: "Add credits to an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, kind, err := parseAccount(args[0], args[1])
			if err != nil {
				return err
			}
			src := entitlement.Source(source)
			if !src.Valid() {
				return fmt.Errorf("--source must be free or paid, got %q", source)
			}
			if amount < 1 {
				return fmt.Errorf("--amount must be positive")
			}
			bal, err := ledgerFor(app).Credit(cmd.Context(), userID, kind, src, amount)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "granted %d %s %s credits; balance free=%d paid=%d\n",
				amount, source, kind, bal.FreeRemaining, bal.PaidRemaining)
			return nil
		},
	}
	cmd.Flags().IntVar(&amount, "amount", 1, "number of credits to add")
	cmd.Flags().StringVar(&source, "source", string(entitlement.SourcePaid), "credit source: free or paid")
	return cmd
}

func parseAccount(rawID, rawKind string) (uuid.UUID, entitlement.Kind, error) {
	userID, err := uuid.Parse(rawID)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("invalid user id %q", rawID)
	}
	kind := entitlement.Kind(rawKind)
	if !kind.Valid() {
		return uuid.Nil, "", fmt.Errorf("kind must be diagnosis or lead, got %q", rawKind)
	}
	return userID, kind, nil
}
