package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "agentmonitor",
	Short: "Local observability hub for AI coding agents",
	Long: `agentmonitor ingests events from coding agent hooks, stores them in a
local SQLite database, and serves live stats and session views over HTTP.

Running with no subcommand starts the server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		initLogging()
	},
	RunE: runServe,
}

func initLogging() {
	level, err := zerolog.ParseLevel(os.Getenv("AGENTMONITOR_LOG_LEVEL"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if os.Getenv("AGENTMONITOR_LOG_FORMAT") == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}
