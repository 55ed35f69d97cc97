// Package cmd defines the newsdesk command line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/defense-newsdesk/internal/config"
	"github.com/JakeFAU/defense-newsdesk/internal/pipeline"
	"github.com/JakeFAU/defense-newsdesk/internal/server"
)

// appKeyType is the key for storing the App in the command context.
type appKeyType string

const appKey appKeyType = "app"

// Runner runs pipeline stages.
type Runner interface {
	Run(ctx context.Context, stage string) (pipeline.Report, error)
	RunAll(ctx context.Context) []pipeline.Report
}

// App is what subcommands need from the composition root. Tests inject a
// fake through newApp.
type App interface {
	Runner() Runner
	Logger() *zap.Logger
	Serve(ctx context.Context) error
	Close(ctx context.Context) error
}

type serverApp struct{ *server.App }

func (a serverApp) Runner() Runner { return a.App.Runner() }

// newApp is the application factory. It is a variable so tests can replace
// it.
var newApp = func(ctx context.Context, cfgFile string) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return serverApp{App: app}, nil
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "newsdesk",
		Short: "Defense news aggregation and story digest pipeline.",
		Long: `newsdesk pulls defense news feeds, enriches articles with full text and
topic labels, groups related coverage into story clusters, and writes
grounded editorial digests. Each stage is an independent batch run.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file (env: NEWSDESK_*)")

	for _, stage := range []struct {
		name  string
		short string
	}{
		{pipeline.StageIngest, "Fetch configured feeds and upsert normalized articles"},
		{pipeline.StageContent, "Fetch and extract full text for pending articles"},
		{pipeline.StageTopics, "Assign topic labels to articles with a body"},
		{pipeline.StageCluster, "Group tagged articles into stories and refresh digests"},
	} {
		cmd.AddCommand(newStageCmd(stage.name, stage.short))
	}
	cmd.AddCommand(newRunCmd(), newServeCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp resolves the App built by the root command and closes it once fn
// returns, whether or not fn failed.
func withApp(cmd *cobra.Command, fn func(App) error) (err error) {
	appInstance, ok := cmd.Context().Value(appKey).(App)
	if !ok || appInstance == nil {
		return errors.New("application services not initialized")
	}
	defer func() {
		err = errors.Join(err, appInstance.Close(context.Background()))
	}()
	return fn(appInstance)
}

// errStageFailed is returned when any reported stage did not succeed.
var errStageFailed = errors.New("stage failed")

func printReports(w io.Writer, reports ...pipeline.Report) error {
	for _, rep := range reports {
		if err := writeReport(w, rep); err != nil {
			return err
		}
	}
	for _, rep := range reports {
		if !rep.OK {
			return fmt.Errorf("%w: %s: %s", errStageFailed, rep.Stage, rep.Message)
		}
	}
	return nil
}
