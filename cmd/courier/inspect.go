package main

import (
	"encoding/json"
	"errors"

	"courier/internal/config"
	"courier/internal/delivery"
	"courier/internal/store"

	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	var (
		queue  string
		status string
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the persisted items of a queue as JSON",
		Long:  "inspect reads the configured store directly. Run it against a stopped service or a store that tolerates concurrent readers.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := store.ValidateQueue(queue); err != nil {
				return err
			}
			switch delivery.Status(status) {
			case "", delivery.StatusPending, delivery.StatusFailed:
			default:
				return errors.New("--status must be pending or failed")
			}

			cfg, err := config.LoadServiceConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer st.close() //nolint:errcheck

			items, err := st.Load(cmd.Context(), queue)
			if err != nil {
				return err
			}
			items = filterStatus(items, delivery.Status(status))

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"queue": queue,
				"count": len(items),
				"items": items,
			})
		},
	}
	cmd.Flags().StringVar(&queue, "queue", "", "queue name (required)")
	cmd.Flags().StringVar(&status, "status", "", "only items with this status (pending|failed)")
	_ = cmd.MarkFlagRequired("queue")
	return cmd
}

func filterStatus(items []delivery.Item, status delivery.Status) []delivery.Item {
	if status == "" {
		return items
	}
	out := make([]delivery.Item, 0, len(items))
	for _, it := range items {
		if it.Status == status {
			out = append(out, it)
		}
	}
	return out
}
