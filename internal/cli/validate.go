package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/internal/injector"
)

func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [scene-file...]",
		Short: "Validate the configuration and scene files",
		Long: `Validate the configuration, then bulk-load every scene file given (and
the configured server scene file) into an empty tree.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "config: ok")

			files := args
			if len(files) == 0 && cfg.Server.SceneFile != "" {
				files = []string{cfg.Server.SceneFile}
			}
			for _, path := range files {
				n, err := validateScene(path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintf(out, "%s: ok (%d entities)\n", path, n)
			}
			return nil
		},
	}
	return cmd
}

func validateScene(path string) (int, error) {
	defs, err := scene.LoadFile(path)
	if err != nil {
		return 0, err
	}
	tree := scene.NewTree(injector.ProvideRegistry(), scene.WithLogger(log.Nop()))
	if err := tree.Load(defs); err != nil {
		return 0, err
	}
	return tree.Len(), nil
}
