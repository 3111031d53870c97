package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/oneline-chat/pkg/config"
	"github.com/go-go-golems/oneline-chat/pkg/logging"
)

type rootFlags struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
}

func newRootCommand() (*cobra.Command, error) {
	flags := &rootFlags{}
	settings := &config.Settings{}

	root := &cobra.Command{
		Use:           "oneline-chat",
		Short:         "oneline-chat relays chat prompts to LLM providers and keeps the history",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(flags.configPath, flags.envFile)
			if err != nil {
				return err
			}
			if flags.logLevel != "" {
				s.Logging.Level = flags.logLevel
			}
			if flags.logFormat != "" {
				s.Logging.Format = flags.logFormat
			}
			// reinitialize the logger now that --log-level and co are parsed
			if err := logging.Init(logging.Settings{Level: s.Logging.Level, Format: s.Logging.Format}); err != nil {
				return errors.Wrap(err, "init logger")
			}
			*settings = s
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "YAML config file")
	pf.StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before the environment")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format (auto, console, json)")

	agentsCmd, err := newAgentsCommand(settings)
	if err != nil {
		return nil, err
	}
	chatsCmd, err := newChatsCommand(settings)
	if err != nil {
		return nil, err
	}
	root.AddCommand(
		newServeCommand(settings),
		agentsCmd,
		chatsCmd,
		newSharesCommand(settings),
	)
	return root, nil
}

func main() {
	root, err := newRootCommand()
	cobra.CheckErr(err)
	cobra.CheckErr(root.Execute())
}
