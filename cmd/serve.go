package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// newServeCmd creates the 'serve' subcommand, which exposes the HTTP control
// API until interrupted.
func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP control API",
		Long: `Starts the HTTP API: health and readiness probes, Prometheus metrics, and
the /v1/runs endpoints to start, stop, and inspect a topic run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, logger, err := bootstrap(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer shutdown(a, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.Serve(ctx)
		},
	}
}
