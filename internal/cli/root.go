// Package cli wires configuration, logging and the growth controller into
// the memgrowth commands.
package cli

import (
	"github.com/spf13/cobra"

	"memgrowth/internal/logging"
	"memgrowth/pkg/config"
)

const defaultConfigPath = "configs/memgrowth.yaml"

var rootCmd = &cobra.Command{
	Use:   "memgrowth",
	Short: "Controlled memory growth simulator",
	Long: "memgrowth grows its heap on demand by retaining synthetic objects in " +
		"overlapping collections, trimming some of them periodically while one " +
		"collection keeps everything reachable. Use it to exercise memory " +
		"monitoring and alerting.",
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("config", defaultConfigPath, "Path to configuration file")
	rootCmd.PersistentFlags().String("profile", "", "Growth profile override (gradual, aggressive, custom)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(simulateCmd)
}

// loadConfig reads --config and applies --profile on top of it
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if profile, _ := cmd.Flags().GetString("profile"); profile != "" {
		cfg.Growth.ApplyProfile(profile)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func initLogging(cfg *config.Config) (*logging.Logger, error) {
	return logging.InitializeFromConfig(cfg.Node.ID, logging.LogConfig{
		Level:         cfg.Logging.Level,
		EnableConsole: cfg.Logging.EnableConsole,
		EnableFile:    cfg.Logging.EnableFile,
		LogFile:       cfg.Logging.LogFile,
		BufferSize:    cfg.Logging.BufferSize,
		LogDir:        cfg.Logging.LogDir,
	})
}
