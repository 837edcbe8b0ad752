package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	reviewApprove bool
	reviewReject  bool
	reviewActor   string
)

var reviewCmd = &cobra.Command{
	Use:   "review <run-id>",
	Short: "Resolve a run waiting for human review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if reviewApprove == reviewReject {
			return eris.New("exactly one of --approve or --reject is required")
		}
		if reviewActor == "" {
			return eris.New("--actor is required; every override is attributed")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Pipeline.Override(ctx, args[0], reviewApprove, reviewActor)
		if run != nil {
			printRun(run)
		}
		return err
	},
}

func init() {
	reviewCmd.Flags().BoolVar(&reviewApprove, "approve", false, "approve the invoice")
	reviewCmd.Flags().BoolVar(&reviewReject, "reject", false, "reject the invoice")
	reviewCmd.Flags().StringVar(&reviewActor, "actor", "", "person making the decision")
	rootCmd.AddCommand(reviewCmd)
}
