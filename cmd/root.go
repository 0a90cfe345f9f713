// File: cmd/root.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/internal/config"
	"github.com/droidpilot/droidpilot/internal/observability"
)

var (
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "droidpilot",
	Short: "Droidpilot drives mobile app tests with a vision model.",
	// Version is dynamically set at build time. See cmd/version.go.
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// This function runs before any command, setting up config and logging.
		if err := initializeConfig(); err != nil {
			return err
		}

		var cfg config.Config
		if err := viper.Unmarshal(&cfg); err != nil {
			// Initialize a fallback logger if config unmarshal fails
			observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "droidpilot"})
			return fmt.Errorf("failed to unmarshal config: %w", err)
		}

		observability.InitializeLogger(cfg.Logger)

		observability.GetLogger().Info("Starting droidpilot", zap.String("version", Version))
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. The context carries signal-driven cancellation from main.
func Execute(ctx context.Context) error {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("Command execution failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

// initializeConfig reads in config file and ENV variables if set.
func initializeConfig() error {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("DROIDPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults/env vars
	}
	return nil
}
