// Command devtoken mints credentials for local testing against the hub.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/marketchat/internal/adapters/auth"
	"github.com/dkeye/marketchat/internal/config"
	"github.com/dkeye/marketchat/internal/domain"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	var (
		name   string
		avatar string
		role   string
		ttl    time.Duration
	)
	root := &cobra.Command{
		Use:   "devtoken <identity-id>",
		Short: "Sign a hub credential with the configured secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			identity, err := domain.NewIdentity(args[0], name, avatar, domain.Role(role))
			if err != nil {
				return err
			}
			token, err := auth.NewJWTAuthenticator(cfg.Secret, cfg.Auth.Issuer, nil).Issue(*identity, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	root.Flags().StringVar(&name, "name", "", "display name")
	root.Flags().StringVar(&avatar, "avatar", "", "avatar URL")
	root.Flags().StringVar(&role, "role", string(domain.RoleCustomer), "customer, seller or admin")
	root.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")

	cobra.CheckErr(root.Execute())
}
