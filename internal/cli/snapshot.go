package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zeusync/scenesync/internal/storage/snapshot"
)

var ErrNoSnapshotPath = errors.New("no snapshot path configured")

func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect and manage saved scene snapshots",
	}
	cmd.AddCommand(newSnapshotListCommand(rootOpts))
	cmd.AddCommand(newSnapshotDeleteCommand(rootOpts))
	return cmd
}

func openStore(rootOpts *RootOptions) (*snapshot.Store, error) {
	cfg, err := rootOpts.load()
	if err != nil {
		return nil, err
	}
	if cfg.Server.Snapshot.Path == "" {
		return nil, ErrNoSnapshotPath
	}
	return snapshot.Open(cfg.Server.Snapshot.Path)
}

func newSnapshotListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSAVED\tENTITIES\tBYTES")
			for _, info := range list {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", info.Name, info.SavedAt.Format(time.RFC3339), info.Entities, info.Size)
			}
			return w.Flush()
		},
	}
}

func newSnapshotDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a saved snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}
