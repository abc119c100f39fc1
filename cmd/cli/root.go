package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"fnrunner/cmd/cli/execcmd"
	"fnrunner/cmd/cli/runcmd"
	"fnrunner/internal/config"
	"fnrunner/internal/database"
)

var RootCmd = &cobra.Command{
	Use:   "fnctl",
	Short: "fnrunner - runs user functions on demand and on schedule",
	Long: `fnrunner runs user functions in sandboxes, over http, from the command line and on cron triggers.

The server runs the api and the execution engine. Triggers are fired by the clock, either inside the
server (--with-clock) or as a separate process publishing to workers through the queue.`,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Creates the database schema",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.FromCobraCmd(cmd)

		db, err := database.New(conf)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not connect to database")
		}
		defer db.Close()

		if err := database.EnsureSchema(cmd.Context(), db); err != nil {
			log.Fatal().Err(err).Msg("Could not create schema")
		}
		log.Info().Msg("Schema is up to date")
	},
}

func init() {
	RootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	RootCmd.AddCommand(runcmd.Command)
	RootCmd.AddCommand(execcmd.Command)
	RootCmd.AddCommand(migrateCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v\n", err)

		var exitErr *execcmd.ExitError
		if errors.As(err, &exitErr) && exitErr.Code > 0 && exitErr.Code < 256 {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}
