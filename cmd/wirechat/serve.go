package main

import (
	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-sync/internal/app"
)

func newServeCmd(c *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the in-memory dev broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				c.cfg.ListenAddr = addr
			}
			application, err := app.New(&c.cfg, c.logger)
			if err != nil {
				return err
			}
			c.logger.Info().Str("addr", c.cfg.ListenAddr).Msg("starting wirechat dev broker")
			if err := application.Run(cmd.Context()); err != nil {
				return err
			}
			c.logger.Info().Msg("dev broker stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides listen_addr)")
	return cmd
}
