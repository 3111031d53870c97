package main

import (
	"github.com/spf13/cobra"

	"github.com/go-go-golems/oneline-chat/pkg/config"
)

func newServeCommand(settings *config.Settings) *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat relay HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := *settings
			if cmd.Flags().Changed("host") {
				s.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				s.Server.Port = port
			}
			if err := s.Validate(); err != nil {
				return err
			}
			srv, err := buildServer(cmd.Context(), s)
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")
	return cmd
}
