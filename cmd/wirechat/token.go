package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-sync/internal/app"
	"github.com/vovakirdan/wirechat-sync/internal/auth"
)

func newTokenCmd(c *cli) *cobra.Command {
	var userID, email, name string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a dev bearer token signed with the configured secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			token, err := auth.NewService(app.JWTConfig(&c.cfg)).IssueToken(userID, email, name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (token subject)")
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().StringVar(&name, "name", "", "name claim")
	return cmd
}
