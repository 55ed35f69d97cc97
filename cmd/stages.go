package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/defense-newsdesk/internal/pipeline"
)

func newStageCmd(stage, short string) *cobra.Command {
	return &cobra.Command{
		Use:   stage,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(app App) error {
				rep, err := app.Runner().Run(cmd.Context(), stage)
				if err != nil {
					return fmt.Errorf("run %s: %w", stage, err)
				}
				return printReports(cmd.OutOrStdout(), rep)
			})
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run every stage in order, stopping after the first failure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(app App) error {
				reports := app.Runner().RunAll(cmd.Context())
				app.Logger().Info("pipeline run finished", zap.Int("stages", len(reports)))
				return printReports(cmd.OutOrStdout(), reports...)
			})
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP trigger and read API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(app App) error {
				return app.Serve(cmd.Context())
			})
		},
	}
}

func writeReport(w io.Writer, rep pipeline.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}
