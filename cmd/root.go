// Package cmd implements the CLI commands for the auctioneer.
package cmd

import (
	"errors"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ethpandaops/auctioneer/pkg/config"
)

const defaultConfigFile = "auctioneer.yaml"

var (
	cfgFile string
	cfg     *config.Config
	logger  *logrus.Logger
	v       *viper.Viper
)

var rootCmd = &cobra.Command{
	Use:   "auctioneer",
	Short: "Block builder auction orchestration",
	Long: `Auctioneer follows relay proposer schedules, starts payload builds for
each scheduled proposer and submits signed bids to the relays serving them.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initLogger()

		return initConfig()
	},
}

func init() {
	v = viper.New()
	v.SetEnvPrefix("AUCTIONEER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Get defaults from config package
	defaults := config.DefaultConfig()

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default ./"+defaultConfigFile+" if present)")
	rootCmd.PersistentFlags().String("builder-privkey", "", "Builder BLS private key (hex)")
	rootCmd.PersistentFlags().String("cl-client", "", "Consensus layer client URL")
	rootCmd.PersistentFlags().String("el-engine-api", "", "Execution layer engine API URL (JWT-authenticated)")
	rootCmd.PersistentFlags().String("el-jwtsecret", "", "Path to JWT secret file for engine API authentication")
	rootCmd.PersistentFlags().StringSlice("relays", nil, "Relay endpoints (https://0x<pubkey>@host)")
	rootCmd.PersistentFlags().Int("api-port", defaults.APIPort, "Status/metrics API port (0 = disabled)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")

	// Auctioneer flags
	rootCmd.PersistentFlags().Uint64("schedule-refresh-interval", defaults.Auctioneer.ScheduleRefreshInterval,
		"Number of relay schedule refreshes per epoch")
	rootCmd.PersistentFlags().Bool("verify-registrations", defaults.Auctioneer.VerifyRegistrations,
		"Verify validator registration signatures in relay schedules")

	// Bidder flags
	rootCmd.PersistentFlags().Int64("bid-time", defaults.Bidder.BidTimeMs, "Bid time in ms relative to slot start")
	rootCmd.PersistentFlags().Bool("keep-alive", defaults.Bidder.KeepAlive,
		"Keep-alive flag forwarded with each dispatch (not acted on; a dispatch always ends the build)")

	// Builder flags
	rootCmd.PersistentFlags().Uint64("job-retention-slots", defaults.Builder.JobRetentionSlots,
		"Slots to keep unresolved build jobs")

	// Bind all flags to viper
	if err := v.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		logrus.WithError(err).Fatal("Failed to bind flags")
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func initLogger() {
	logger = logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	levelStr := v.GetString("log-level")

	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}

	logger.SetLevel(level)
}

func initConfig() error {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		} else if !errors.Is(err, os.ErrNotExist) {
			logger.WithError(err).Warn("Error reading config file")
		}
	}

	loaded, err := config.NewLoader(logger).Load(path, v)
	if err != nil {
		return err
	}

	cfg = loaded

	return nil
}

// GetConfig returns the current configuration.
func GetConfig() *config.Config {
	return cfg
}

// GetLogger returns the application logger.
func GetLogger() *logrus.Logger {
	return logger
}
