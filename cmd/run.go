package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/topic-crawler/internal/orchestrator"
)

type runOptions struct {
	topic      string
	duration   time.Duration
	maxPages   int
	highSignal []string
}

// newRunCmd creates the 'run' subcommand, which performs one topic run in the
// foreground and prints its statistics as JSON.
func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one crawl-and-extract pass for a topic",
		Long: `Seeds the frontier for --topic, crawls until the duration elapses or
--max-pages pages are stored, drains the extraction queue, and prints the run
statistics. SIGINT or SIGTERM ends the run gracefully after the current page.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTopic(cmd, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.topic, "topic", "", "topic to crawl (required)")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "wall-clock budget for discovery (default from config)")
	cmd.Flags().IntVar(&opts.maxPages, "max-pages", 0, "stop after this many pages are stored (default from config)")
	cmd.Flags().StringSliceVar(&opts.highSignal, "high-signal", nil, "domains to score as high signal for this run")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func runTopic(cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	if opts.duration < 0 || opts.maxPages < 0 {
		return errors.New("--duration and --max-pages must not be negative")
	}
	ctx := cmd.Context()
	a, logger, err := bootstrap(ctx, root)
	if err != nil {
		return err
	}
	defer shutdown(a, logger)

	// A signal stops the run at the next checkpoint instead of canceling
	// in-flight work.
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runDone := make(chan struct{})
	defer close(runDone)
	go func() {
		select {
		case <-sigCtx.Done():
			logger.Info("stop requested by signal")
			a.RequestStop()
		case <-runDone:
		}
	}()

	res, err := a.Run(context.WithoutCancel(ctx), orchestrator.RunRequest{
		Topic:             opts.topic,
		Duration:          opts.duration,
		MaxPages:          opts.maxPages,
		HighSignalDomains: opts.highSignal,
	})
	if err != nil {
		return fmt.Errorf("run topic: %w", err)
	}
	logger.Info("run command finished", zap.String("stop_reason", res.StopReason))

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
