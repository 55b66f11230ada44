// Package cmd holds the bmsctl cobra commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ultra-bms/client/internal/config"
	"ultra-bms/client/internal/logger"
)

// Set with -ldflags "-X ultra-bms/client/cmd/bmsctl/cmd.version=...".
var version = "dev"

var (
	envFile  string
	logLevel string

	cfg *config.Config
	log zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "bmsctl",
	Short:         "bmsctl signs in to Ultra BMS and keeps the session alive",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadFile(envFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		log = logger.New(cfg.LogLevel, cfg.LogPretty, os.Stderr)
		return nil
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "bmsctl:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "env file read before the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
	rootCmd.AddCommand(loginCmd, versionCmd)
}
