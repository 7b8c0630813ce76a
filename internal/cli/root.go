// Package cli provides the command-line interface for the gateway.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "device-gateway",
	Short: "Gateway daemon for embedded motion and pressure controllers",
	Long: `Device Gateway discovers embedded controllers over UDP broadcast and
USB serial, tracks their liveness, parses schema-driven telemetry, and
exposes the fleet to clients over a local REST + WebSocket API.

Commands route to whichever transport a device is bound to; telemetry
streams to every subscribed client in real time.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ~/.config/device-gateway/config.yml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (json, text)")

	// Bind flags to viper
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in common locations (in priority order)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml") // Supports both .yaml and .yml extensions
		viper.AddConfigPath("$HOME/.config/device-gateway")
		viper.AddConfigPath("/etc/device-gateway")
		viper.AddConfigPath(".")
	}

	// Environment variables
	viper.SetEnvPrefix("DEVICE_GATEWAY")
	viper.AutomaticEnv()

	// Read config file if it exists (errors are intentionally ignored)
	_ = viper.ReadInConfig()
}
