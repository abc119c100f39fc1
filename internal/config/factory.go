package config

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// FromCobraCmd creates a Config instance from a cobra command object. It exits the process if the
// configuration cannot be loaded. The global logger level is set from the loaded config.
func FromCobraCmd(cmd *cobra.Command) *Config {
	var flags *pflag.FlagSet
	if cmd.Name() == "fnctl" {
		flags = cmd.PersistentFlags()
	} else {
		flags = cmd.InheritedFlags()
	}

	var conf *Config
	var err error
	if flag := flags.Lookup("config"); flag != nil && flag.Changed {
		conf, err = LoadConfig(flag.Value.String())
	} else {
		conf, err = LoadConfig()
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config file")
	}

	SetupLogger(conf)
	return conf
}

// SetupLogger configures the global zerolog logger
func SetupLogger(conf *Config) {
	zerolog.SetGlobalLevel(conf.Level())
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
