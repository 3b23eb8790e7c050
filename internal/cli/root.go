// Package cli implements the scenesync command line.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/zeusync/scenesync/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

func (o *RootOptions) load() (config.Config, error) {
	return config.Load(o.ConfigPath)
}

// NewRootCommand creates the root command for the scenesync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "scenesync",
		Short: "scenesync - replicated scene graphs",
		Long: `Run an authoritative scene server, observe one, and manage scene files
and snapshots. Configuration is read from --config (YAML or TOML) and
SCENESYNC_* environment variables.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (.yaml, .yml or .toml)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewObserveCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewSnapshotCommand(opts))

	return cmd
}
