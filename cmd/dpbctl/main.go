// Command dpbctl is the operator-facing CLI over the Facade: it loads the
// tree-structured configuration, opens the Persistence Gateway, and runs a
// single subcommand against it.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"github.com/nwfabric/dpb/internal/aggregator"
	"github.com/nwfabric/dpb/internal/config"
	"github.com/nwfabric/dpb/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "dpbctl",
		Short: "operate a Persistent Aggregator",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the aggregator's YAML config file")

	root.AddCommand(newDumpStatusCmd(&configPath))
	return root
}

func newDumpStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "dump-status",
		Short: "print every terminal, trunk, and service known to the aggregator",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx = makeBaseLogger(ctx)

			cfg, err := config.Load(ctx, *configPath)
			if err != nil {
				return err
			}
			gw, err := store.Open(ctx, cfg)
			if err != nil {
				return err
			}
			defer gw.Close()
			if err := gw.Bootstrap(ctx); err != nil {
				return err
			}

			idleSweep, err := cfg.Trunk.Duration()
			if err != nil {
				return err
			}
			a := aggregator.New(ctx, cfg.Name, gw, cfg.Dispatch.Workers, idleSweep)
			if err := a.DumpStatus(ctx, cmd.OutOrStdout()); err != nil {
				dlog.Errorf(ctx, "dump-status: %v", err)
				return err
			}
			return nil
		},
	}
}
