package main

import (
	"os"
	"strings"

	"github.com/ordermesh/edgesync/internal/config"
	"github.com/ordermesh/edgesync/internal/env"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "edgesync",
	Short: "Offline-first sync for restaurant devices",
	Long: `edgesync keeps POS and kitchen devices working through network outages.
It runs the device agent (durable operation queue + mesh membership), the
on-site mesh coordinator, and inspection tools for the local queue.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if lvl := strings.TrimSpace(rootLogLevel); lvl != "" {
			parsed, err := zerolog.ParseLevel(strings.ToLower(lvl))
			if err != nil {
				return errors.Wrapf(err, "invalid --log-level %q", lvl)
			}
			zerolog.SetGlobalLevel(parsed)
		}
		cfg, err := config.LoadFile(rootConfigPath)
		if err != nil {
			return err
		}
		fileCfg = cfg
		if path := env.LoadedPath(); path != "" {
			log.Debug().Str("path", path).Msg("loaded env file")
		}
		return nil
	},
}

var (
	rootConfigPath string
	rootDBPath     string
	rootLogLevel   string

	fileCfg = &config.File{}
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "", "YAML config file overlaying environment defaults")
	rootCmd.PersistentFlags().StringVar(&rootDBPath, "db-path", "", "Queue database path (default from EDGESYNC_DB_PATH or ~/.edgesync/queue.sqlite)")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "Log level: trace, debug, info, warn, error")
	rootCmd.AddCommand(
		newCoordinatorCmd(),
		newAgentCmd(),
		newQueueCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("edgesync command failed")
	}
}
