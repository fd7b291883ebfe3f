package cli

import (
	"context"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"meridian/internal/api"
	"meridian/internal/config"
)

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Load definitions, open the entity store and serve the REST API.

Settings come from the config file, then MERIDIAN_* environment
variables, then flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return err
			}
			if err := config.ApplyFlags(cmd.Flags(), &cfg); err != nil {
				return err
			}
			log := cfg.NewLogger(cmd.ErrOrStderr())
			slog.SetDefault(log)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, log)
		},
	}
	config.RegisterFlags(cmd.Flags(), config.Default())
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	rt, err := Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(context.Background()); err != nil {
			log.Warn("shutdown", "err", err)
		}
	}()

	warnAuth(cfg, log)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Serve(gctx, cfg.Addr(), rt.Handler(), log) })
	if cfg.Watch {
		g.Go(func() error { return rt.Watch(gctx) })
	}
	return g.Wait()
}

// warnAuth предупреждает о режимах, в которых API не защищено токенами.
func warnAuth(cfg config.Config, log *slog.Logger) {
	switch {
	case strings.EqualFold(cfg.AuthMode, config.AuthHeaders):
		log.Warn("header identity enabled, tenant, user and roles are trusted from request headers", "auth_mode", cfg.AuthMode)
	case cfg.JWTSecret == "":
		log.Warn("no jwt secret configured, API requests will be rejected", "auth_mode", cfg.AuthMode)
	}
}
