// Package cmd defines the datagetter command line.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/datagetter/internal/app"
	"github.com/JakeFAU/datagetter/internal/config"
	"github.com/JakeFAU/datagetter/internal/logging"
	"github.com/JakeFAU/datagetter/internal/orchestrator"
	"github.com/JakeFAU/datagetter/internal/validate"
)

type appKeyType string

const appKey appKeyType = "app"

// App is what subcommands need from the service container. Tests swap in a fake through newApp.
type App interface {
	Logger() *zap.Logger
	Run(ctx context.Context) (orchestrator.Summary, error)
	ValidateFile(ctx context.Context, path string) (validate.Result, error)
	Close()
}

var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "datagetter",
		Short: "Download, convert and validate every dataset in the 360Giving registry.",
		Long: `datagetter reads the 360Giving registry, downloads each publisher's file,
converts spreadsheets to the 360Giving JSON package format, validates the result
against the standard's schema, and writes classified snapshots of the registry.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().String("schema-branch", "", "branch of the 360Giving standard to fetch the schema from")
	cmd.PersistentFlags().String("schema-dir", "", "read the schema pair from this directory instead of fetching it")
	cmd.PersistentFlags().Bool("development", false, "human-readable debug logging")

	cmd.AddCommand(newGetCmd(), newValidateFileCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the command line against args and returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}
