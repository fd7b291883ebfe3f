package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"meridian/internal/api"
	"meridian/internal/config"
)

type tokenOptions struct {
	secret  string
	tenant  string
	user    string
	roles   []string
	perms   []string
	session string
	ttl     time.Duration
}

func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &tokenOptions{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for local testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.secret == "" {
				cfg, err := config.Load(rootOpts.ConfigPath)
				if err != nil {
					return err
				}
				opts.secret = cfg.JWTSecret
			}
			if opts.secret == "" {
				return errors.New("no JWT secret: pass --secret or set MERIDIAN_JWT_SECRET")
			}
			if strings.TrimSpace(opts.tenant) == "" || strings.TrimSpace(opts.user) == "" {
				return errors.New("--tenant and --user are required")
			}
			claims := api.Claims{Tenant: opts.tenant, Roles: opts.roles, Permissions: opts.perms, Session: opts.session}
			claims.Subject = opts.user
			tok, err := api.IssueToken(opts.secret, claims, opts.ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&opts.secret, "secret", "", "HS256 secret (defaults to the configured jwtSecret)")
	cmd.Flags().StringVar(&opts.tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&opts.user, "user", "", "user id (subject)")
	cmd.Flags().StringSliceVar(&opts.roles, "roles", nil, "roles, comma separated")
	cmd.Flags().StringSliceVar(&opts.perms, "perms", nil, "direct permission keys (Entity:action)")
	cmd.Flags().StringVar(&opts.session, "session", "", "session id")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", time.Hour, "token lifetime (0 = no expiry)")
	return cmd
}
