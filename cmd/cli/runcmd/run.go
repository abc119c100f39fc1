package runcmd

import (
	"errors"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"fnrunner/internal/config"
	"fnrunner/internal/database"
	"fnrunner/internal/metrics"
	"fnrunner/internal/queue"
	"fnrunner/internal/store"
	"fnrunner/internal/worker"
)

var Command = &cobra.Command{
	Use:   "run",
	Short: "Run service",
	Long:  "Run service from a selected list of services",
}

func init() {
	Command.AddCommand(serverCmd)
	Command.AddCommand(clockCmd)
	Command.AddCommand(workerCmd)
}

func mustDatabase(conf *config.Config) *sqlx.DB {
	db, err := database.New(conf)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to database")
	}

	return db
}

func mustQueue(conf *config.Config) *queue.RedisClient {
	redis, err := queue.NewRedisClientFromConfig(conf)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to redis queue")
	}
	return redis
}

func mustEngine(conf *config.Config, st store.Store, mc *metrics.Collector) *worker.Engine {
	engine, err := worker.NewEngine(conf, st, mc)
	if err != nil {
		log.Fatal().Err(err).Str("sandbox", conf.Runner.Sandbox).Msg("Could not create sandbox")
	}
	return engine
}

// serveMetrics exposes /metrics on addr for the processes without an api server
func serveMetrics(addr string, mc *metrics.Collector) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", mc.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("Metrics server stopped")
		}
	}()
	return srv
}

func closeDatabase(db *sqlx.DB) {
	if err := db.Close(); err != nil {
		log.Error().Err(err).Msg("Could not close db cleanly on shutdown")
	}
}

func closeQueue(q queue.Client) {
	if err := q.Close(); err != nil {
		log.Error().Err(err).Msg("Could not close redis queue cleanly on shutdown")
	}
}
