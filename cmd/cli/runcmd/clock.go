package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"fnrunner/internal/clock"
	"fnrunner/internal/config"
	"fnrunner/internal/metrics"
	"fnrunner/internal/queue"
	"fnrunner/internal/store"
)

var clockCmd = &cobra.Command{
	Use:   "clock",
	Short: "Starts the trigger clock, publishing due triggers to the queue",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running clock process")
		conf := config.FromCobraCmd(cmd)
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		db := mustDatabase(conf)
		redis := mustQueue(conf)
		mc := metrics.NewCollector()
		metricsSrv := serveMetrics(metricsAddr, mc)

		ctx, cancel := context.WithCancel(context.Background())
		clk := clock.New(store.NewPostgresStore(db), queue.NewForwarder(redis), clock.OptionsFromConfig(conf), mc)

		defer func() {
			cancel()
			clk.Stop()
			if metricsSrv != nil {
				_ = metricsSrv.Close()
			}
			closeQueue(redis)
			closeDatabase(db)
		}()

		clk.Start(ctx)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		log.Info().Msgf("Received signal %v, shutting down...", <-sigCh)
	},
}

func init() {
	clockCmd.Flags().String("metrics-addr", "", "serve /metrics on this address")
}
