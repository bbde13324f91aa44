// Package main implements the coordinator process: it hosts the embedded
// metadata store, runs a controller in standalone or distributed mode,
// optionally runs mock participants, and serves the admin API.
//
// Example usage:
//
//	# Standalone controller for TestCluster with the defaults
//	coordinator serve
//
//	# From a file, with environment overrides
//	CONVERGE_LOG_LEVEL=debug coordinator serve --config converge.yaml
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dreamware/converge/internal/config"
	"github.com/dreamware/converge/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "coordinator",
		Short:         "Cluster controller with an embedded metadata store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the store, the controller and the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := newProcess(cfg, logger)
			if err != nil {
				return err
			}
			defer p.Close()
			return p.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	return cmd
}
