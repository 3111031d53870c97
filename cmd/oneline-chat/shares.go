package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/oneline-chat/pkg/config"
	"github.com/go-go-golems/oneline-chat/pkg/share"
)

func newSharesCommand(settings *config.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shares",
		Short: "Maintain share links",
	}
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired share links once",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openChatStore(*settings)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			janitor, err := share.NewJanitor(share.NewGateway(st.shares, st.chats), settings.Share.CleanupCron)
			if err != nil {
				return err
			}
			n, err := janitor.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			log.Info().Int("removed", n).Msg("expired share links removed")
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d expired share links removed\n", n)
			return nil
		},
	}
	cmd.AddCommand(cleanup)
	return cmd
}
