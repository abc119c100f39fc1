package runcmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"fnrunner/internal/api"
	"fnrunner/internal/auth"
	"fnrunner/internal/clock"
	"fnrunner/internal/config"
	"fnrunner/internal/gateway"
	"fnrunner/internal/metrics"
	"fnrunner/internal/queue"
	"fnrunner/internal/store"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the http server and the execution engine",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running server process")
		conf := config.FromCobraCmd(cmd)
		withClock, _ := cmd.Flags().GetBool("with-clock")

		db := mustDatabase(conf)
		st := store.NewPostgresStore(db)
		mc := metrics.NewCollector()
		engine := mustEngine(conf, st, mc)

		var redis *queue.RedisClient
		if conf.Scheduler.SharedLimits {
			redis = mustQueue(conf)
			engine.ShareLimits(queue.NewRedisSlots(redis, conf.Scheduler.SlotLease, 0))
		} else if !withClock {
			log.Warn().Msg("Concurrency limits are not shared, workers running next to this server can exceed them")
		}

		var clk *clock.Clock
		if withClock {
			// fired triggers run on this process instead of going through the queue
			clk = clock.New(st, engine.Scheduler, clock.OptionsFromConfig(conf), mc)
			clk.Start(context.Background())
		}

		gw := gateway.FromConfig(st, engine.Scheduler, conf, mc)
		srv := &http.Server{
			Addr:              conf.Addr(),
			Handler:           api.New(gw, auth.NewResolver(db), engine.Scheduler, mc, api.OptionsFromConfig(conf)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("addr", srv.Addr).Msg("Listening")
			errCh <- srv.ListenAndServe()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Server stopped unexpectedly")
			}
		case sig := <-sigCh:
			log.Info().Msgf("Received signal %v, shutting down...", sig)
		}

		ctx, cancel := context.WithTimeout(context.Background(), conf.Runner.MaxTimeout+conf.Runner.KillGrace)
		defer cancel()

		if clk != nil {
			clk.Stop()
		}
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Could not shut down http server cleanly")
		}
		if err := engine.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Could not drain running executions")
		}
		if redis != nil {
			closeQueue(redis)
		}
		closeDatabase(db)
	},
}

func init() {
	serverCmd.Flags().Bool("with-clock", false, "also run the trigger clock in this process")
}
