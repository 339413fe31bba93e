package main

import (
	"fmt"
	"time"

	"github.com/CalebKornegay/DigitalDash/pkg/config"
	"github.com/spf13/cobra"
)

// loadConfig reads --config (if any) and applies command-line overrides.
// The optional address argument wins over both.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if len(args) > 0 {
		cfg.Address = args[0]
	}

	flags := cmd.Flags()
	if flags.Changed("service") {
		cfg.ServiceUUID, _ = flags.GetString("service")
	}
	if flags.Changed("timeout") {
		var timeout time.Duration
		timeout, _ = flags.GetDuration("timeout")
		cfg.ConnectTimeout = timeout
	}
	if flags.Changed("format") {
		cfg.OutputFormat, _ = flags.GetString("format")
	}
	if flags.Changed("mqtt-url") {
		cfg.MQTT.URL, _ = flags.GetString("mqtt-url")
	}
	if flags.Changed("mqtt-topic") {
		cfg.MQTT.TopicPrefix, _ = flags.GetString("mqtt-topic")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
