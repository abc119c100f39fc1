package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"fnrunner/internal/config"
	"fnrunner/internal/metrics"
	"fnrunner/internal/queue"
	"fnrunner/internal/store"
	"fnrunner/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Runs a worker process executing queued triggers",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running worker process")
		conf := config.FromCobraCmd(cmd)
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		db := mustDatabase(conf)
		redis := mustQueue(conf)
		mc := metrics.NewCollector()
		metricsSrv := serveMetrics(metricsAddr, mc)

		engine := mustEngine(conf, store.NewPostgresStore(db), mc)
		// workers always run next to a server, so their limits are always shared
		engine.ShareLimits(queue.NewRedisSlots(redis, conf.Scheduler.SlotLease, 0))
		engine.HandOffTo(queue.NewForwarder(redis))
		wrk := worker.New(redis, engine.Scheduler)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		errCh := make(chan error, 1)
		go func() {
			errCh <- wrk.Start()
		}()

		defer func() {
			wrk.Stop()

			ctx, cancel := context.WithTimeout(context.Background(), conf.Runner.MaxTimeout+conf.Runner.KillGrace)
			defer cancel()
			if err := engine.Shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("Could not drain running executions")
			}
			if metricsSrv != nil {
				_ = metricsSrv.Close()
			}
			closeQueue(redis)
			closeDatabase(db)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				log.Error().Err(err).Str("worker_id", wrk.ID).Msg("Ran into problems")
			}
		case sig := <-sigCh:
			log.Info().Msgf("Received signal %v, shutting down...", sig)
		}
	},
}

func init() {
	workerCmd.Flags().String("metrics-addr", "", "serve /metrics on this address")
}
