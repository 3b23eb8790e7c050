package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zeusync/scenesync/internal/core/replication"
	"github.com/zeusync/scenesync/internal/injector"
)

func NewObserveCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		addr      string
		transport string
		nickname  string
	)

	cmd := &cobra.Command{
		Use:   "observe",
		Short: "Join a server as an observer and print custom messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Client.ServerAddr = addr
			}
			if cmd.Flags().Changed("transport") {
				cfg.Client.Transport = transport
			}
			if cmd.Flags().Changed("nickname") {
				cfg.Client.Nickname = nickname
			}

			c, cleanup, err := injector.InitializeClient(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := c.Connect(cmd.Context()); err != nil {
				return err
			}
			var entities int
			err = c.Call(cmd.Context(), func(s *replication.Session) error {
				entities = s.Tree().Len()
				return nil
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "synchronized %d entities as %s\n", entities, c.ConnectionID())

			sub, err := c.OnCustom(func(ev replication.CustomReceived) {
				fmt.Fprintf(out, "[%s] %s: %s\n", ev.Channel, ev.From, ev.Payload)
			})
			if err != nil {
				return err
			}
			defer sub.Cancel()

			select {
			case <-cmd.Context().Done():
				return nil
			case <-c.Done():
				return c.Err()
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server address")
	cmd.Flags().StringVar(&transport, "transport", "", "websocket or quic")
	cmd.Flags().StringVar(&nickname, "nickname", "", "nickname sent with the handshake")

	return cmd
}
