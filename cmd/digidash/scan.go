package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/CalebKornegay/DigitalDash/internal/device"
	goble "github.com/CalebKornegay/DigitalDash/internal/device/go-ble"
	"github.com/CalebKornegay/DigitalDash/pkg/config"
	"github.com/spf13/cobra"
)

// ScannerFactory creates the BLE scanner (can be overridden in tests)
var ScannerFactory = func(opts goble.ScanOptions) *goble.Scanner {
	return goble.NewScanner(opts)
}

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for dashboard peripherals",
	Long: `Scans for Bluetooth Low Energy devices and lists them, dashboards
(devices advertising the telemetry service) first. Use the address with
'digidash connect' or as 'address' in the configuration file.

Examples:
  # Scan for 10 seconds
  digidash scan

  # Only list dashboards, as JSON
  digidash scan --telemetry-only --format json`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().DurationP("duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().String("service", "1812", "Telemetry service UUID")
	scanCmd.Flags().Bool("telemetry-only", false, "Only list devices advertising the telemetry service")
	scanCmd.Flags().String("format", config.FormatText, "Output format: text or json")
}

func runScan(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	if format != config.FormatText && format != config.FormatJSON {
		return fmt.Errorf("invalid format: %s (must be text or json)", format)
	}
	duration, _ := cmd.Flags().GetDuration("duration")
	if duration <= 0 {
		return fmt.Errorf("invalid duration: %s (must be positive)", duration)
	}
	serviceFlag, _ := cmd.Flags().GetString("service")
	services, err := device.ValidateUUID(serviceFlag)
	if err != nil {
		return fmt.Errorf("invalid service UUID: %w", err)
	}
	telemetryOnly, _ := cmd.Flags().GetBool("telemetry-only")

	logger, err := configureLogger(cmd, nil)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// Ctrl+C ends the scan early; results so far are still listed
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	scanner := ScannerFactory(goble.ScanOptions{
		Duration:      duration,
		ServiceUUID:   services[0],
		TelemetryOnly: telemetryOnly,
		Logger:        logger,
	})

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Scanning for BLE devices", "scanning")
	progress.Start()
	peripherals, err := scanner.Scan(ctx, nil)
	progress.Stop()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if format == config.FormatJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(peripherals)
	}
	return displayPeripheralsTable(out, peripherals)
}

func displayPeripheralsTable(out io.Writer, peripherals []goble.Peripheral) error {
	if len(peripherals) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tDASHBOARD\tSERVICES")
	for _, p := range peripherals {
		name := p.Name
		if name == "" {
			name = "-"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		services := strings.Join(p.Services, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}
		dashboard := "no"
		if p.Telemetry {
			dashboard = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s\n", name, p.Address, p.RSSI, dashboard, services)
	}
	return w.Flush()
}
