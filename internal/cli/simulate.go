package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bluerobotics/device-gateway/pkg/wire/simulator"
)

var (
	simDeviceID string
	simPort     int
	simFirmware string
	simInterval time.Duration
	simVerbose  bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulated controller",
	Long: `Run a simulated embedded controller for testing.

The simulator listens on a local UDP port, answers the gateway's
discovery broadcast, streams telemetry to whoever discovered it, and
acknowledges commands with DONE lines.

The gateway probes 127.0.0.1 ports 8888-8891, so up to four simulators
can run side by side.

Example:
  # Start a simulated pressure controller
  device-gateway simulate --device pressboi --port 8888 --verbose

  # In another terminal, run the gateway
  device-gateway run
`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().StringVar(&simDeviceID, "device", "pressboi", "simulated device id")
	simulateCmd.Flags().IntVar(&simPort, "port", 8888, "UDP port to listen on (8888-8891 are discovered)")
	simulateCmd.Flags().StringVar(&simFirmware, "firmware", "1.2.3", "firmware version to report")
	simulateCmd.Flags().DurationVar(&simInterval, "interval", time.Second, "telemetry send interval (0 to disable)")
	simulateCmd.Flags().BoolVarP(&simVerbose, "verbose", "v", false, "verbose output")
}

func runSimulate(_ *cobra.Command, _ []string) error {
	config := simulator.DefaultConfig()
	config.DeviceID = simDeviceID
	config.Port = simPort
	config.Firmware = simFirmware
	config.TelemetryInterval = simInterval
	config.Verbose = simVerbose

	device := simulator.New(config)

	addr, err := device.Start()
	if err != nil {
		return fmt.Errorf("failed to start simulator: %w", err)
	}
	defer device.Stop()

	fmt.Printf("Simulated controller started\n")
	fmt.Printf("  Device id: %s\n", config.DeviceID)
	fmt.Printf("  Address:   %s\n", addr)
	fmt.Printf("  Firmware:  %s\n", config.Firmware)
	if config.TelemetryInterval > 0 {
		fmt.Printf("  Telemetry interval: %v\n", config.TelemetryInterval)
	} else {
		fmt.Printf("  Telemetry: disabled\n")
	}
	fmt.Println()
	fmt.Println("Waiting for the gateway's discovery broadcast.")
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	return nil
}
