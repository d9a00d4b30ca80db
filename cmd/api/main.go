package main

import (
	"log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cord/api/internal/config"
	"cord/api/internal/logging"
)

var (
	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "cord",
	Short:         "Cord collaboration API",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		if err := cfg.Validate(); err != nil {
			return err
		}
		l, err := logging.New(cfg.LogLevel, cfg.LogDevelop)
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func main() {
	rootCmd.AddCommand(serveCmd, migrateCmd, appCmd, tokenCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("cord: %v", err)
	}
}
