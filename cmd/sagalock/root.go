package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dcbickfo/sagalock/internal/config"
)

type rootOptions struct {
	configPath string
	envFile    string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "sagalock",
		Short: "Inspect and exercise saga lock buckets",
		Long: `sagalock maps saga correlation keys onto lock buckets and drives synthetic
saga traffic through a lock backend to check that no saga instance is ever
processed by two handlers at once.`,
		SilenceUsage: true,
	}

	// Persistent flags (available to all commands)
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Optional .env file with SAGALOCK_* variables")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log lock activity at debug level")

	cmd.AddCommand(newBucketCmd(opts), newSoakCmd(opts))
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.Load(o.configPath, o.envFile)
}

func (o *rootOptions) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}
