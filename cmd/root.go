// Package cmd defines the CLI commands for the topic-crawler executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/topic-crawler/internal/app"
	"github.com/JakeFAU/topic-crawler/internal/config"
	"github.com/JakeFAU/topic-crawler/internal/logging"
	"github.com/JakeFAU/topic-crawler/internal/orchestrator"
)

// application is what the commands need from the built services.
type application interface {
	Run(ctx context.Context, req orchestrator.RunRequest) (orchestrator.RunResult, error)
	RequestStop()
	Serve(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can swap in a fake.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (application, error) {
	a, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		return nil, err
	}
	return appAdapter{a}, nil
}

type appAdapter struct {
	*app.App
}

func (a appAdapter) Run(ctx context.Context, req orchestrator.RunRequest) (orchestrator.RunResult, error) {
	return a.Orchestrator().Run(ctx, req)
}

func (a appAdapter) RequestStop() {
	a.Orchestrator().RequestStop()
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "topic-crawler",
		Short: "Crawls the web for a topic and extracts structured facts from what it finds.",
		Long: `topic-crawler seeds a Redis-backed frontier for a topic, crawls outward under
robots.txt, per-host rate limits, and domain diversity caps, persists article
text, and asks a language model for ten facts, quotes, and a summary per page.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (TOPICCRAWLER_* env vars override)")

	cmd.AddCommand(newRunCmd(opts), newServeCmd(opts))
	return cmd
}

// bootstrap loads configuration, installs the global logger, and builds the
// application services.
func bootstrap(ctx context.Context, opts *rootOptions) (application, *zap.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, fmt.Errorf("failed to initialize application services: %w", err)
	}
	return a, logger, nil
}

func shutdown(a application, logger *zap.Logger) {
	if err := a.Close(context.Background()); err != nil {
		logger.Warn("close failed", zap.Error(err))
	}
	// Syncing stderr fails on some platforms; nothing useful to do about it.
	_ = logger.Sync()
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
