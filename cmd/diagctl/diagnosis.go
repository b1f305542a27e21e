package main

import (
	"encoding/json"
	"fmt"

	diagrepo "diagnostics_backend/internal/diagnosis/repository"
	"diagnostics_backend/internal/scheduler"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func diagnosisCommand(app *instance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagnosis",
		Short: "Inspect and recover diagnosis jobs",
	}
	cmd.AddCommand(diagnosisShowCommand(app), diagnosisRequeueCommand(app))
	return cmd
}

func diagnosisShowCommand(app *instance) *cobra.Command {
	return &cobra.Command{
		Use:   "show <diagnosis-id>",
		Short: "Print a diagnosis as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid diagnosis id %q", args[0])
			}
			d, err := diagrepo.New(app.pool).Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		},
	}
}

// Requeue only pushes a task; the claim statement still decides whether
// the job may run, so requeueing a healthy job is harmless.
func diagnosisRequeueCommand(app *instance) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <diagnosis-id>",
		Short: "Push a stuck diagnosis back onto the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid diagnosis id %q", args[0])
			}
			d, err := diagrepo.New(app.pool).Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			if d.Status.Terminal() {
				return fmt.Errorf("diagnosis %s is already %s", id, d.Status)
			}

			queue, err := scheduler.NewClient(app.cfg)
			if err != nil {
				return err
			}
			defer func() { _ = queue.Close() }()

			if err := queue.EnqueueDiagnosis(cmd.Context(), id, d.Attempts+1, 0); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s (status %s, attempts %d)\n", id, d.Status, d.Attempts)
			return nil
		},
	}
}
