package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jiggy-ai/jiggy-ann-api/api"
	"github.com/jiggy-ai/jiggy-ann-api/blobstore"
	"github.com/jiggy-ai/jiggy-ann-api/core"
	"github.com/jiggy-ai/jiggy-ann-api/optimizer"
	"github.com/jiggy-ai/jiggy-ann-api/orchestrator"
	"github.com/jiggy-ai/jiggy-ann-api/persistence"
	"github.com/jiggy-ai/jiggy-ann-api/tester"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the build workers",
		Long: `Start the API server. On startup jobs left unfinished by a previous
process are marked failed; badger stores are garbage collected periodically.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Server.Host = host
			}
			if port != 0 {
				cfg.Server.Port = port
			}

			lg, closer, err := opts.logger(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := persistence.Open(cfg.Persistence)
			if err != nil {
				return err
			}
			defer store.Close()

			objects, err := blobstore.Open(ctx, cfg.Blobstore)
			if err != nil {
				return err
			}

			var opt *optimizer.Optimizer
			models, err := cfg.Optimizer.LoadSurrogates()
			if err != nil {
				return err
			}
			if models != nil {
				opt = optimizer.New(lg, models, cfg.Optimizer.Config)
			}

			builds, err := orchestrator.New(lg, store, objects, opt, tester.New(lg, store, cfg.Tester), cfg.Builds)
			if err != nil {
				return err
			}
			defer builds.Close()

			sweepOrphans(ctx, lg, builds, cfg.Builds.OrphanGrace)
			go maintain(ctx, lg, builds, store, cfg.Builds.OrphanGrace, cfg.Persistence.Badger.GCInterval)

			server := api.NewServer(lg, store, builds, objects, cfg.Server)
			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Start()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			lg.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				lg.Error().Err(err).Msg("server shutdown")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "override server.host")
	cmd.Flags().IntVar(&port, "port", 0, "override server.port")
	return cmd
}

func sweepOrphans(ctx context.Context, lg zerolog.Logger, builds *orchestrator.Orchestrator, grace time.Duration) {
	n, err := builds.SweepOrphans(ctx, grace)
	if err != nil {
		lg.Error().Err(err).Msg("orphan sweep failed")
		return
	}
	if n > 0 {
		lg.Warn().Int("jobs", n).Msg("marked orphaned builds failed")
	}
}

// maintain periodically sweeps orphans and, for stores that need it,
// collects garbage
func maintain(ctx context.Context, lg zerolog.Logger, builds *orchestrator.Orchestrator, store core.Store, grace, gcInterval time.Duration) {
	if grace <= 0 {
		grace = orchestrator.DefaultConfig().OrphanGrace
	}
	sweep := time.NewTicker(grace)
	defer sweep.Stop()

	var gcTick <-chan time.Time
	gc, ok := store.(persistence.GarbageCollector)
	if ok && gcInterval > 0 {
		t := time.NewTicker(gcInterval)
		defer t.Stop()
		gcTick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			sweepOrphans(ctx, lg, builds, grace)
		case <-gcTick:
			if err := gc.RunGC(); err != nil {
				lg.Warn().Err(err).Msg("store garbage collection failed")
			}
		}
	}
}
