package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sagepilot/sagepilot/pkg/retriever"
)

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the long-lived deployment worker",
		Long: `Run until interrupted. The worker:
  - Resumes plans left deploying by an earlier process
  - Serves Prometheus metrics
  - Purges expired agent memories
  - Reloads policies, the price file and the evidence corpus when they change`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.shutdown()

			if a.store != nil {
				if err := a.store.HealthCheck(ctx); err != nil {
					return fmt.Errorf("store is not healthy: %w", err)
				}
			}
			if err := a.startWatchers(ctx); err != nil {
				return err
			}

			resumed, err := a.service.Resume(ctx)
			if err != nil {
				return fmt.Errorf("failed to resume deployments: %w", err)
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return a.tel.Metrics.Serve(gctx, a.logger)
			})
			if interval := a.cfg.Memory.PurgeInterval; interval > 0 {
				g.Go(func() error {
					a.memory.RunPurger(gctx, interval)
					return nil
				})
			}

			log.Info().
				Int("resumed", resumed).
				Int("workers", a.cfg.Engine.Workers).
				Bool("dry_run", a.provisioner.DryRun()).
				Msg("Worker started")

			<-gctx.Done()
			if err := g.Wait(); err != nil {
				return err
			}
			log.Info().Int("running", a.service.Running()).Msg("Worker stopping")
			return nil
		},
	}
}

// startWatchers sets up the file watchers enabled in configuration. They
// stop with ctx.
func (a *app) startWatchers(ctx context.Context) error {
	if a.cfg.Policy.Watch && len(a.cfg.Policy.Paths) > 0 {
		if err := a.policies.Watch(ctx, a.cfg.Policy.Paths); err != nil {
			return fmt.Errorf("failed to watch policies: %w", err)
		}
	}
	if a.priceFile != nil {
		if err := a.priceFile.Watch(ctx, a.guardrail.InvalidatePrices); err != nil {
			return fmt.Errorf("failed to watch price file: %w", err)
		}
	}
	if a.cfg.Retriever.Watch && a.cfg.Retriever.DocsDir != "" {
		if err := retriever.WatchDir(ctx, a.cfg.Retriever.DocsDir, a.corpus, a.logger); err != nil {
			return fmt.Errorf("failed to watch documents: %w", err)
		}
	}
	return nil
}
