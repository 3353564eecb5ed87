package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/flemzord/strata/internal/apperr"
	"github.com/flemzord/strata/internal/config"
	"github.com/flemzord/strata/internal/gateway"
	"github.com/flemzord/strata/internal/manifest"
)

func serveCmd(g *globals) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ops server (/health, /metrics) until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withApp(ctx, g, func(a *app) error {
				gw := gateway.New(a.cfg.Gateway, gateway.Deps{
					Store:    a.store,
					Gatherer: a.gatherer,
					Logger:   a.logger,
				})
				if err := gw.Validate(); err != nil {
					return apperr.Wrap(apperr.Validation, "serve", err)
				}
				addr, err := gw.Start(ctx)
				if err != nil {
					return apperr.Wrap(apperr.Internal, "serve", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ops server listening on %s\n", addr)

				var wg sync.WaitGroup
				if watch {
					wg.Add(1)
					go func() {
						defer wg.Done()
						if err := a.registry().Watch(ctx, a.project); err != nil && ctx.Err() == nil {
							a.logger.Error("watch stopped", "project", a.project, "error", err)
						}
					}()
				}

				<-ctx.Done()
				wg.Wait()
				return gw.Stop(context.WithoutCancel(ctx))
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Also refresh linked copies on every source write")
	return cmd
}

func migrateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Rewrite every project manifest at the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), g, func(a *app) error {
				lister, ok := a.store.(manifest.Lister)
				if !ok {
					return apperr.New(apperr.Validation, "migrate", "manifest backend %q cannot list projects", a.cfg.Manifest.Backend)
				}
				projects, err := lister.Projects(cmd.Context())
				if err != nil {
					return err
				}
				for _, p := range projects {
					// Load migrates; saving persists the upgraded document.
					m, err := a.repo.Update(cmd.Context(), p, func(*manifest.Manifest) error { return nil })
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: schema %d, revision %d, %s\n",
						p, m.SchemaVersion, m.Revision, plural(len(m.Sessions), "session"))
				}
				return nil
			})
		},
	}
}

func configCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check [path]",
		Short: "Validate configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			explicit := g.configPath
			if len(args) == 1 {
				explicit = args[0]
			}
			cfg, path, err := config.LoadOrDefault(explicit)
			if err != nil {
				return apperr.Wrap(apperr.Validation, "config", err)
			}
			if err := config.Validate(cfg); err != nil {
				return apperr.Wrap(apperr.Validation, "config", err)
			}
			if path == "" {
				path = "built-in defaults"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration OK (%s)\n", path)
			fmt.Fprintf(out, "  data_dir:   %s\n", absPath(cfg.DataDir))
			fmt.Fprintf(out, "  manifest:   %s\n", cfg.Manifest.Backend)
			fmt.Fprintf(out, "  summarizer: %s (%s)\n", cfg.Summarizer.Provider, cfg.Summarizer.Model)
			return nil
		},
	})
	return cmd
}
