package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Panel/internal/adapters/http"
	"github.com/dkeye/Panel/internal/adapters/rtc"
	sig "github.com/dkeye/Panel/internal/adapters/signal"
	"github.com/dkeye/Panel/internal/app"
	"github.com/dkeye/Panel/internal/app/orch"
	"github.com/dkeye/Panel/internal/config"
	"github.com/dkeye/Panel/internal/core"
	"github.com/dkeye/Panel/internal/logging"
	"github.com/dkeye/Panel/internal/metrics"
	"github.com/dkeye/Panel/internal/version"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// Early logger so config loading can report.
	logging.Setup("debug", "info")

	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("panel exited")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:          "panel",
		Short:        "Interview room SFU coordinator",
		Long:         "Panel serves the signalling WebSocket, routes room media through pion workers and keeps transcripts in memory.",
		Version:      version.Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader := config.NewLoader(config.ResolveEnv(env))
			if err := loader.Viper().BindPFlag("port", cmd.Flags().Lookup("port")); err != nil {
				return err
			}
			cfg, err := loader.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return run(cmd.Context(), loader, cfg)
		},
	}
	cmd.SetVersionTemplate(version.Full() + "\n")
	cmd.Flags().StringVar(&env, "env", "", "config environment, reads config/config.<env>.yaml (default $CONFIG_ENV or dev)")
	cmd.Flags().Int("port", 8080, "HTTP listen port")
	return cmd
}

func run(ctx context.Context, loader *config.Loader, cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logging.Setup(cfg.Mode, cfg.LogLevel)
	loader.Watch(func(c *config.Config) { logging.SetLevel(c.LogLevel) })
	log.Info().Str("version", version.Full()).Str("env", loader.Env()).Msg("Panel starting")

	workers, err := startWorkers(cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, w := range workers {
			w.Close()
		}
	}()

	pool := make([]core.Worker, len(workers))
	for i, w := range workers {
		pool[i] = w
	}
	rooms := core.NewRoomManager(core.RoomManagerConfig{
		Workers:      pool,
		Codecs:       cfg.Media.Codecs,
		UsageTimeout: cfg.Rooms.UsageTimeout,
	})
	o := orch.New(app.NewRegistry(), rooms, app.PolicyByName(cfg.Backpressure), cfg.Rooms.ReapEmpty)
	ctl := sig.NewSignalWSController(o, sig.Options{
		ReadLimit:    cfg.ReadLimit,
		PingPeriod:   cfg.PingPeriod,
		ChatLimit:    cfg.Chat.Limit,
		ChatInterval: cfg.Chat.Interval,
	})

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Orch:        o,
		Signal:      ctl,
		Transcripts: app.NewTranscriptStore(cfg.Transcripts.Capacity),
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Int("workers", len(workers)).Msg("Panel server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	// A dead worker takes the process down.
	for _, w := range workers {
		g.Go(func() error {
			select {
			case err := <-w.Died():
				return fmt.Errorf("worker %d died: %w", w.ID(), err)
			case <-gctx.Done():
				return nil
			}
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	err = g.Wait()
	if err == nil {
		log.Info().Msg("Server exited gracefully")
	}
	return err
}

func startWorkers(cfg *config.Config) ([]*rtc.Worker, error) {
	n := cfg.Media.Workers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	workers := make([]*rtc.Worker, n)
	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			wc := cfg.RTC
			wc.PortMin, wc.PortMax = rtc.PortRange(cfg.RTC.PortMin, cfg.RTC.PortMax, n, i)
			w, err := rtc.NewWorker(i, wc)
			if err != nil {
				return err
			}
			workers[i] = w
			metrics.ObserveWorker(i, w.Usage)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, w := range workers {
			if w != nil {
				w.Close()
			}
		}
		return nil, fmt.Errorf("starting workers: %w", err)
	}
	return workers, nil
}
