package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gridbill/invoice-pipeline/internal/model"
	"github.com/gridbill/invoice-pipeline/internal/store"
)

var (
	runsStatus string
	runsUnit   string
	runsLimit  int
	runsOffset int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List pipeline runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		runs, err := env.Store.ListRuns(ctx, store.RunFilter{
			Status: model.RunStatus(runsStatus),
			UnitID: runsUnit,
			Limit:  runsLimit,
			Offset: runsOffset,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN ID\tUNIT\tSTATUS\tDISPOSITION\tSCORE\tCONFIDENCE\tCREATED")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.3f\t%.2f\t%s\n",
				r.ID, r.UnitID, r.Status, r.Disposition, r.Score, r.Confidence,
				r.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "filter by run status")
	runsCmd.Flags().StringVar(&runsUnit, "unit", "", "filter by billing unit")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 50, "maximum rows")
	runsCmd.Flags().IntVar(&runsOffset, "offset", 0, "rows to skip")
	rootCmd.AddCommand(runsCmd)
}
