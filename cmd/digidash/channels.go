package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/CalebKornegay/DigitalDash/internal/telemetry"
	"github.com/CalebKornegay/DigitalDash/pkg/config"
	"github.com/spf13/cobra"
)

// channelsCmd represents the channels command
var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List the telemetry channels",
	Long: `Lists every channel the dashboard subscribes to, in registration order,
with its unit, conversion factor and aggregate policy.

Examples:
  digidash channels
  digidash channels --format json`,
	Args: cobra.NoArgs,
	RunE: runChannels,
}

func init() {
	channelsCmd.Flags().String("format", config.FormatText, "Output format: text or json")
}

func runChannels(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	registry := telemetry.DefaultRegistry()
	out := cmd.OutOrStdout()

	switch format {
	case config.FormatJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(registry.Channels())
	case config.FormatText:
	default:
		return fmt.Errorf("invalid format: %s (must be text or json)", format)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tUNIT\tFACTOR\tPOLICY\tDISPLAYED")
	for _, ch := range registry.Channels() {
		unit := ch.Unit
		if unit == "" {
			unit = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.4g\t%s\t%t\n", ch.ID, ch.Name, unit, ch.ConversionFactor, ch.Policy(), ch.Displayed)
	}
	return w.Flush()
}
