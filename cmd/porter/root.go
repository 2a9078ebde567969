package main

import (
	"porter/internal/config"
	"porter/internal/logger"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "porter",
	Short:         "Dispatch GitHub issues to coding agents on Fly Machines",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "INI config file (environment overrides it)")
	rootCmd.AddCommand(serveCmd, sweepCmd, validateComputeCmd)
}

// loadConfig reads process config and configures logging
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromINI(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := logger.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}
