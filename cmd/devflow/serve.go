package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pandeptwidyaop/devflow/internal/metrics"
	"github.com/pandeptwidyaop/devflow/internal/router"
	"github.com/pandeptwidyaop/devflow/internal/services"
	"github.com/pandeptwidyaop/devflow/internal/version"
)

const (
	scheduleTick     = time.Minute
	logSyncInterval  = time.Minute
	depthInterval    = 15 * time.Second
	sessionSweep     = 10 * time.Minute
	jobHistoryMaxAge = 7 * 24 * time.Hour
	shutdownTimeout  = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server, queue workers and schedulers",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log := loadConfig()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("close database")
		}
	}()

	a, err := newApp(cfg, db, log)
	if err != nil {
		log.Error().Err(err).Msg("startup aborted")
		return err
	}
	if err := a.svc.Auth.EnsureAdminUser(); err != nil {
		if errors.Is(err, services.ErrDefaultAdminPassword) {
			log.Error().Msg("change admin.password in the config file from the default before starting")
		}
		return fmt.Errorf("ensure admin user: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router.New(cfg, a.svc, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	servers := []*http.Server{srv}
	if cfg.Metrics.ListenAddr != "" {
		servers = append(servers, metrics.NewServer(cfg.Metrics.ListenAddr))
	}

	a.pool.Start(ctx)
	a.svc.Metrics.Start()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		g.Go(func() error {
			log.Info().Str("addr", s.Addr).Msg("listening")
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", s.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		a.svc.Schedules.Start(gctx, scheduleTick)
		return nil
	})
	g.Go(func() error {
		a.svc.Logs.Start(gctx, logSyncInterval)
		return nil
	})
	if cfg.Health.IsEnabled() {
		g.Go(func() error {
			a.svc.HealthChecks.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		a.housekeeping(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, s := range servers {
			if err := s.Shutdown(sctx); err != nil {
				log.Error().Err(err).Str("addr", s.Addr).Msg("http shutdown")
			}
		}
		return nil
	})

	log.Info().Str("version", version.Version).Str("prefix", cfg.Server.PathPrefix).Msg(version.String() + " started")
	err = g.Wait()

	a.svc.Metrics.Stop()
	a.pool.Stop()
	return err
}

// housekeeping publishes queue depth and sweeps expired rows.
func (a *app) housekeeping(ctx context.Context) {
	depth := time.NewTicker(depthInterval)
	defer depth.Stop()
	sweep := time.NewTicker(sessionSweep)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-depth.C:
			if err := a.svc.Monitor.PublishDepth(); err != nil {
				a.logger.Warn().Err(err).Msg("publish queue depth")
			}
		case <-sweep.C:
			if err := a.svc.Auth.CleanExpiredSessions(); err != nil {
				a.logger.Warn().Err(err).Msg("clean sessions")
			}
			if n, err := a.svc.Monitor.PruneHistory(jobHistoryMaxAge); err != nil {
				a.logger.Warn().Err(err).Msg("prune job history")
			} else if n > 0 {
				a.logger.Debug().Int64("rows", n).Msg("pruned job history")
			}
		}
	}
}
