package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/papertrade/trading-engine/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "papertrade",
		Short:         "Paper-trading settlement engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(); err != nil {
				return err
			}
			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
			slog.SetDefault(logger)
			return nil
		},
	}

	// Subcommands read cfg lazily; it is set by PersistentPreRunE.
	conf := func() *config.Config { return cfg }
	root.AddCommand(
		newServeCmd(conf),
		newMigrateCmd(conf),
		newReconcileCmd(conf),
		newTokenCmd(conf),
	)
	return root
}
