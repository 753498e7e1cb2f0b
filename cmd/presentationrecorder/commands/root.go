package commands

import (
	"fmt"
	"os"

	"github.com/bryanchriswhite/PresentationRecorder/internal/config"
	"github.com/bryanchriswhite/PresentationRecorder/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "presentationrecorder",
		Short: "PresentationRecorder - Record a virtual presentation display to MP4",
		Long: `PresentationRecorder records the screen into a hardware encoded MP4 file
through a virtual presentation display, and shows a live recording readout
on an attached secondary display.

Features:
  • Capture authorization through the desktop ScreenCast portal
  • H.264 encoder capability negotiation against level limits
  • Ordered allocation and teardown of encoder, display and grant
  • Secondary display attach/detach tracking
  • Recording history in SQLite
  • REST and WebSocket control API with Prometheus metrics`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/presentationrecorder/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "control API port (default is 8090)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	// Bind flags to viper
	viper.BindPFlag("server.port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig reads the config file, applies flag overrides for this run and
// initializes logging
func loadConfig() (*config.Manager, *config.Config, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg := configMgr.Get()

	if viper.IsSet("server.port") {
		if port := viper.GetInt("server.port"); port > 0 {
			cfg.Server.Port = port
		}
	}
	if viper.IsSet("log_level") {
		if level := viper.GetString("log_level"); level != "" {
			cfg.LogLevel = level
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger.Init(cfg.LogLevel, cfg.LogPretty)
	return configMgr, cfg, nil
}
