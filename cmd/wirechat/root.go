package main

import (
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-sync/internal/config"
	"github.com/vovakirdan/wirechat-sync/internal/log"
)

// cli holds state shared by all subcommands.
type cli struct {
	configPath string
	logLevel   string

	cfg    config.Config
	logger *zerolog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "wirechat",
		Short:         "Chat message sync client and dev broker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load()
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default ./config.yaml)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(newServeCmd(c), newChatCmd(c), newTokenCmd(c))
	return root
}

// load reads .env, the config file and the environment, then applies flags.
func (c *cli) load() error {
	// A missing .env is fine.
	_ = godotenv.Load()

	bootstrap := log.New("info", nil)
	cfg, path, err := config.Load(bootstrap, c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.cfg = cfg
	c.logger = log.New(cfg.LogLevel, nil)
	c.logger.Debug().Str("config", path).Msg("configuration loaded")
	return nil
}
