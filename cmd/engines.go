package main

import (
	"fmt"
	"os/signal"
	"slices"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var enginesCmd = &cobra.Command{
	Use:   "engines",
	Short: "Show configured engine profiles and registered adapters",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		registered := env.Registry.List()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPRIORITY\tENABLED\tADAPTER\tACCURACY\tLATENCY MS\tCOST/CALL")
		for _, p := range cfg.Engines.Profiles {
			adapter := "missing"
			if slices.Contains(registered, p.Name) {
				adapter = "registered"
			}
			fmt.Fprintf(w, "%s\t%d\t%t\t%s\t%.2f\t%d\t$%.4f\n",
				p.Name, p.Priority, p.Enabled, adapter,
				p.AvgAccuracy, p.AvgLatencyMs, p.CostPerCall)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(enginesCmd)
}
