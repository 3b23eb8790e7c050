package cli

import (
	"github.com/spf13/cobra"

	"github.com/zeusync/scenesync/internal/injector"
)

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		wsAddr    string
		quicAddr  string
		sceneFile string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authoritative scene server",
		Long: `Load the scene from the snapshot store or a scene file, accept observers
over websocket and QUIC, and save a snapshot on shutdown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("ws") {
				cfg.Server.WebSocketAddr = wsAddr
			}
			if cmd.Flags().Changed("quic") {
				cfg.Server.QUICAddr = quicAddr
			}
			if cmd.Flags().Changed("scene") {
				cfg.Server.SceneFile = sceneFile
			}

			srv, cleanup, err := injector.InitializeServer(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&wsAddr, "ws", "", "websocket listen address (empty disables)")
	cmd.Flags().StringVar(&quicAddr, "quic", "", "QUIC listen address (empty disables)")
	cmd.Flags().StringVar(&sceneFile, "scene", "", "scene file used when no snapshot exists")

	return cmd
}
