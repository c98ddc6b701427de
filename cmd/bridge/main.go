package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tonearm/bridge/bridge/httpd"
)

var (
	flagConfig  string
	flagDataDir string
	flagPort    int
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:   "bridge",
		Short: "Personal server bridging a mobile client to the desktop player",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
			if flagVerbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to bridge.yaml")
	root.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "override data directory")
	root.PersistentFlags().IntVarP(&flagPort, "port", "p", 0, "override listen port")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	start := &cobra.Command{
		Use:   "start",
		Short: "Start the bridge server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd.Context())
		},
	}
	version := &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("bridge " + httpd.Version)
		},
	}
	root.AddCommand(start, version, newIdentityCmd(), newPassphraseCmd())

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("[bridge] exited")
	}
}
