package main

import (
	"encoding/json"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/gridbill/invoice-pipeline/internal/model"
)

var (
	runFile    string
	runLocator string
	runUnit    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process one invoice document through the pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		if runUnit == "" {
			return eris.New("--unit is required")
		}
		if (runFile == "") == (runLocator == "") {
			return eris.New("exactly one of --file or --locator is required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		locator := runLocator
		if runFile != "" {
			data, err := os.ReadFile(runFile)
			if err != nil {
				return eris.Wrapf(err, "read %s", runFile)
			}
			locator, err = env.Objects.Put(ctx, data, contentTypeFor(runFile))
			if err != nil {
				return err
			}
		}

		run, err := env.Pipeline.Run(ctx, locator, runUnit)
		if run != nil {
			printRun(run)
		}
		return err
	},
}

func contentTypeFor(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func printRun(run *model.PipelineRun) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(run)
}

func init() {
	runCmd.Flags().StringVar(&runFile, "file", "", "local document to ingest and process")
	runCmd.Flags().StringVar(&runLocator, "locator", "", "locator of an already-ingested document")
	runCmd.Flags().StringVar(&runUnit, "unit", "", "billing unit the invoice belongs to")
	rootCmd.AddCommand(runCmd)
}
