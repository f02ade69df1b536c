package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/hookline/internal/config"
	"github.com/mattjoyce/hookline/internal/source"
)

func newConfigCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load and validate configuration, then print resolved settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if root.configPath != "" {
				fp, err := config.Fingerprint(root.configPath)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "config:        %s (blake3 %s)\n", root.configPath, fp)
			} else {
				fmt.Fprintln(out, "config:        defaults + environment")
			}
			printSummary(out, cfg)
			fmt.Fprintln(out, "Configuration valid")
			return nil
		},
	})
	return cmd
}

// printSummary writes non-secret settings. Secrets are reported as set or
// missing only.
func printSummary(out io.Writer, cfg *config.Config) {
	fmt.Fprintf(out, "listen:        %s\n", cfg.Server.Listen)
	fmt.Fprintf(out, "max body:      %d bytes\n", cfg.Server.MaxBodyBytes)
	fmt.Fprintf(out, "handler:       timeout %s\n", cfg.Server.HandlerTimeout)
	fmt.Fprintf(out, "admin retry:   %s\n", enabled(cfg.Server.AdminAPIKey != ""))
	switch cfg.State.Driver {
	case config.DriverPostgres:
		fmt.Fprintf(out, "state:         postgres (queue at %s), claim lease %s\n", cfg.State.Path, cfg.State.ClaimLease)
	default:
		fmt.Fprintf(out, "state:         sqlite %s, claim lease %s\n", cfg.State.Path, cfg.State.ClaimLease)
	}
	switch cfg.Cache.Driver {
	case config.DriverRedis:
		fmt.Fprintf(out, "cache:         redis %s db %d, ttl %s\n", cfg.Cache.RedisAddr, cfg.Cache.RedisDB, cfg.Cache.TTL)
	default:
		fmt.Fprintf(out, "cache:         memory, ttl %s\n", cfg.Cache.TTL)
	}
	for _, src := range source.All {
		sc := cfg.Source(src)
		secret := "set"
		if sc.Secret == "" {
			secret = "MISSING"
		}
		events := "all"
		if len(sc.Events) > 0 {
			events = fmt.Sprint(sc.Events)
		}
		line := fmt.Sprintf("source %-8s secret %s, tolerance %s, events %s", src, secret, sc.Tolerance, events)
		if sc.SkipVerification {
			line += ", VERIFICATION DISABLED"
		}
		fmt.Fprintln(out, line)
	}
}

func enabled(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
