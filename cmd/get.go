package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/datagetter/internal/orchestrator"
	"github.com/JakeFAU/datagetter/internal/pipeline"
)

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Run the getter over the registry",
		Long: `Loads the registry (or a local copy, or the previous run's data_all.json with
--no-download), processes every selected dataset and writes data_all.json,
data_valid.json, data_acceptable_license.json and data_acceptable_license_valid.json
into the data directory. The run summary is printed as JSON.`,
		Args: cobra.NoArgs,
		RunE: runGetCommand,
	}

	f := cmd.Flags()
	f.String("data-dir", "", "output directory for the run")
	f.Int("threads", 0, "number of datasets processed concurrently")
	f.Int("limit-downloads", 0, "only process the first N registry entries")
	f.StringSlice("publishers", nil, "only process datasets from these publisher prefixes")
	f.String("local-registry", "", "read the registry from this file instead of downloading it")
	f.Bool("convert-big-files", false, "convert files above the large-file threshold")
	f.Bool("force", false, "replace an existing data directory")
	f.String("metrics-addr", "", "serve /metrics and run status on this address during the run")
	f.Bool("no-download", false, "reprocess the previous run's downloads")
	f.Bool("no-convert", false, "skip conversion to JSON")
	f.Bool("no-validate", false, "skip schema validation")
	f.Bool("no-cache", false, "do not reuse or record conversions")
	return cmd
}

func runGetCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	summary, err := appInstance.Run(cmd.Context())
	if err != nil {
		switch {
		case pipeline.IsCancellation(err):
			logger.Warn("run interrupted, no snapshots written", zap.Error(err))
		case orchestrator.IsFatal(err):
			logger.Error("run aborted before any dataset was processed", zap.Error(err))
		default:
			logger.Error("run failed", zap.Error(err))
		}
		return fmt.Errorf("run getter: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
