package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/CalebKornegay/DigitalDash/internal/device"
	goble "github.com/CalebKornegay/DigitalDash/internal/device/go-ble"
	"github.com/CalebKornegay/DigitalDash/internal/mqtt"
	"github.com/CalebKornegay/DigitalDash/internal/opqueue"
	"github.com/CalebKornegay/DigitalDash/internal/sink"
	"github.com/CalebKornegay/DigitalDash/internal/telemetry"
	"github.com/CalebKornegay/DigitalDash/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// eventTransport is a device.Transport that also delivers its events.
type eventTransport interface {
	device.Transport
	device.EventSource
}

// TransportFactory creates the BLE transport (can be overridden in tests)
var TransportFactory = func(opts goble.Options) eventTransport {
	return goble.New(opts)
}

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect [device-address]",
	Short: "Connect to the dashboard peripheral and stream readings",
	Long: `Connects to the telemetry peripheral, subscribes to every channel it exposes
and prints each reading as it arrives. Press Ctrl+C to stop; the session
summary (maxima, fuel start/minimum and fuel used) is printed on exit.

Examples:
  # Connect to the default address
  digidash connect

  # Connect to a specific peripheral and print JSON lines
  digidash connect AA:BB:CC:DD:EE:FF --format json

  # Also forward readings to an MQTT broker
  digidash connect --mqtt-url mqtt://broker.local:1883`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().String("service", "1812", "Telemetry service UUID")
	connectCmd.Flags().Duration("timeout", 15*time.Second, "Connection timeout")
	connectCmd.Flags().String("format", config.FormatText, "Reading output format: text or json")
	connectCmd.Flags().String("mqtt-url", "", "MQTT broker URL (mqtt://, mqtts://, ws://, wss://)")
	connectCmd.Flags().String("mqtt-topic", "digidash", "MQTT topic prefix")
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd, cfg)
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

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	console := sink.NewConsole(cmd.OutOrStdout(), cfg.OutputFormat, logger)
	sinks := sink.Multi{console}

	var broker *sink.MQTT
	if cfg.MQTT.Enabled() {
		client, err := mqtt.NewClient(cfg.MQTT, logger)
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.PublishAvailability(true); err != nil {
			logger.WithError(err).Warn("Failed to publish online status")
		}
		broker = sink.NewMQTT(client, client.BaseTopic(), logger)
		sinks = append(sinks, broker)
	}

	registry := telemetry.DefaultRegistry()
	pipeline := telemetry.NewPipeline(registry, telemetry.NewAggregator(registry))
	transport := TransportFactory(goble.Options{
		ServiceUUID:    cfg.ServiceUUID,
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         logger,
	})

	stderr := cmd.ErrOrStderr()
	progress := NewProgressPrinter(stderr, fmt.Sprintf("Connecting to %s", cfg.Address),
		device.Connecting.String(), device.Streaming.String(), device.Disconnected.String())
	progress.Start()
	defer progress.Stop()

	lost := make(chan struct{})
	var (
		lostOnce   sync.Once
		connectErr atomic.Pointer[error]
	)
	phase := progress.Callback()

	session, err := device.NewSession(device.SessionOptions{
		Transport: transport,
		Pipeline:  pipeline,
		Queue: opqueue.New(logger, func(op *opqueue.Operation, err error) {
			logger.WithFields(logrus.Fields{
				"op_id": op.ID,
				"op":    op.Name,
			}).WithError(err).Debug("Queued operation failed")
		}),
		Sink:   sinks,
		Logger: logger,
		OnStateChange: func(from, to device.ConnectionState) {
			phase(to.String())
			switch to {
			case device.Streaming:
				fmt.Fprintf(stderr, "Streaming from %s. Press Ctrl+C to stop...\n", cfg.Address)
			case device.Disconnected:
				if from == device.Closing {
					lostOnce.Do(func() { close(lost) })
				}
			}
		},
		OnFailure: func(err error) {
			var (
				sf   *device.SubscriptionFailure
				terr *device.TransportError
			)
			switch {
			case errors.As(err, &sf):
				fmt.Fprintf(stderr, "WARNING: %s\n", FormatUserError(err))
			case errors.As(err, &terr) && terr.Op == "connect":
				connectErr.Store(&err)
			}
		},
	})
	if err != nil {
		return err
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := session.Run(ctx, transport); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Debug("Event pump stopped")
		}
	}()

	if err := session.Connect(ctx, cfg.Address); err != nil {
		cancel()
		<-runDone
		return err
	}

	var result error
	select {
	case <-ctx.Done():
		// User cancelled
	case <-lost:
		result = ErrConnectionLost
		if errp := connectErr.Load(); errp != nil {
			result = *errp
		}
	}

	progress.Stop()
	if err := session.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close session")
	}
	cancel()
	<-runDone

	summary := session.Summary()
	if err := console.PrintSummary(summary); err != nil {
		return err
	}
	if broker != nil {
		if err := broker.PublishSummary(summary); err != nil {
			logger.WithError(err).Warn("Failed to publish summary")
		}
	}

	return result
}
