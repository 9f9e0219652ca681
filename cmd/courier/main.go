// courier hosts durable delivery queues behind an admin HTTP API.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "courier",
		Short:         "Resilient outbound delivery service",
		Long:          "courier accepts payloads over HTTP, persists them in named queues and delivers them to webhooks or S3 with retries, circuit breaking and deduplication.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newInspectCmd())
	return root
}
