package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/hookline/internal/log"
)

func newRetryCmd(root *rootOptions) *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "retry <event-id>",
		Short: "Re-run the handler for a stored event",
		Long: "Replays the sanitized payload stored for an event through its handler and\n" +
			"records the result. Retrying an event that already succeeded is a no-op.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.State.Path = dbPath
			}
			log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

			a, err := openApp(cmd.Context(), cfg, log.Get())
			if err != nil {
				return err
			}
			defer a.Close()

			resp, err := a.orch.Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			if !resp.Success {
				return fmt.Errorf("retry of %s failed (status %d)", args[0], resp.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "Override state.path")
	return cmd
}
