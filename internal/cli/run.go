package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bluerobotics/device-gateway/internal/bridge"
	"github.com/bluerobotics/device-gateway/internal/config"
	"github.com/bluerobotics/device-gateway/internal/definitions"
	"github.com/bluerobotics/device-gateway/internal/gateway"
	"github.com/bluerobotics/device-gateway/internal/logging"
	"github.com/bluerobotics/device-gateway/internal/persist"
	"github.com/bluerobotics/device-gateway/internal/server"
	"github.com/bluerobotics/device-gateway/internal/tui"
)

var (
	dryRun      bool
	interactive bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the gateway daemon",
	Long: `Start the device gateway daemon.

The daemon loads device definitions, starts UDP discovery and the
liveness monitor, and serves the REST + WebSocket API for clients.
Serial ports are attached on demand through the API.

Use --interactive or -i to run with a terminal device monitor.`,
	RunE: runGateway,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate configuration without starting the daemon")
	runCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "run with the terminal device monitor")
}

func runGateway(_ *cobra.Command, _ []string) error {
	// Initialize logging
	logCfg := logging.Config{
		Level:  viper.GetString("logging.level"),
		Format: viper.GetString("logging.format"),
	}

	// For interactive mode, reduce log noise so the monitor owns the screen
	if interactive {
		logCfg.Format = "text"
		logCfg.Level = "error"
	}

	if err := logging.Initialize(logCfg); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Sync()

	if cfgFile := viper.ConfigFileUsed(); cfgFile != "" {
		logging.Info("Using config file", zap.String("path", cfgFile))
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Load device definitions
	store := definitions.NewStore()
	defs, err := definitions.LoadDir(cfg.Definitions.Dir)
	if err != nil {
		return fmt.Errorf("failed to load definitions: %w", err)
	}
	store.Replace(defs)
	logging.Info("Definitions loaded",
		zap.String("dir", cfg.Definitions.Dir),
		zap.Int("count", len(defs)))

	if dryRun {
		fmt.Println("Configuration is valid!")
		fmt.Printf("  Server:      %s\n", cfg.Server.Listen)
		fmt.Printf("  UDP:         %s (discovery every %s)\n", cfg.UDP.Listen, cfg.UDP.DiscoveryInterval)
		fmt.Printf("  Definitions: %d loaded from %s\n", len(defs), cfg.Definitions.Dir)
		fmt.Printf("  MQTT:        enabled=%v\n", cfg.MQTT.Enabled)
		return nil
	}

	// Persistence store for transport choices
	persistStore, err := persist.NewStore("")
	if err != nil {
		return fmt.Errorf("failed to open config dir: %w", err)
	}

	service := gateway.New(cfg, store, persistStore)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	if cfg.Definitions.Watch {
		if err := definitions.Watch(ctx, cfg.Definitions.Dir, store, service.EnsureDevices); err != nil {
			logging.Warn("Definition watching unavailable", zap.Error(err))
		}
	}

	if cfg.MQTT.Enabled {
		republisher := bridge.New(cfg.MQTT, service)
		if err := republisher.Start(ctx); err != nil {
			logging.Warn("MQTT republisher failed to start", zap.Error(err))
		}
	}

	srv := server.New(service)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Run(ctx, cfg.Server.Listen)
	}()

	if interactive {
		go func() {
			<-sigChan
			cancel()
		}()

		if err := tui.Run(service); err != nil {
			logging.Error("Monitor error", zap.Error(err))
		}
	} else {
		logging.Info("Gateway is running. Press Ctrl+C to stop.")
		select {
		case <-sigChan:
			logging.Info("Received shutdown signal")
		case err := <-serverErr:
			if err != nil {
				logging.Error("HTTP server failed", zap.Error(err))
			}
		}
	}

	cancel()
	service.Stop()

	return nil
}
