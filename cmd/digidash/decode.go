package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/CalebKornegay/DigitalDash/internal/telemetry"
	"github.com/spf13/cobra"
)

// decodeCmd represents the decode command
var decodeCmd = &cobra.Command{
	Use:   "decode <hex-payload>...",
	Short: "Decode raw notification payloads",
	Long: `Decodes 4-byte little-endian float payloads as sent by the peripheral.
Separators (spaces, ':', '-', '0x') are ignored.

Examples:
  # Decode a raw payload
  digidash decode 00004842

  # Decode and convert as a channel reading
  digidash decode --channel 27a7 "66 e6 20 43"

  # Print the wire bytes for a value
  digidash decode --encode 88.5`,
	Args: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("encode") {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.MinimumNArgs(1)(cmd, args)
	},
	RunE: runDecode,
}

func init() {
	decodeCmd.Flags().String("channel", "", "Channel UUID to apply unit conversion (e.g. 27af)")
	decodeCmd.Flags().String("encode", "", "Encode a float value instead of decoding")
}

func runDecode(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if cmd.Flags().Changed("encode") {
		raw, _ := cmd.Flags().GetString("encode")
		v, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return fmt.Errorf("invalid value %q: %w", raw, err)
		}
		fmt.Fprintf(out, "% x\n", telemetry.Encode(float32(v)))
		return nil
	}

	var ch *telemetry.Channel
	if id, _ := cmd.Flags().GetString("channel"); id != "" {
		var ok bool
		ch, ok = telemetry.DefaultRegistry().Lookup(id)
		if !ok {
			return &telemetry.UnknownChannelError{ID: id}
		}
	}

	for _, arg := range args {
		payload, err := parseHexPayload(arg)
		if err != nil {
			return err
		}
		v, err := telemetry.Decode(payload)
		if err != nil {
			return err
		}
		if ch != nil {
			fmt.Fprintf(out, "%s%s\n", ch.Label(), ch.Format(v))
			continue
		}
		fmt.Fprintf(out, "%g\n", v)
	}
	return nil
}

// parseHexPayload converts a hex string to bytes, ignoring common separators.
func parseHexPayload(s string) ([]byte, error) {
	cleaned := strings.ReplaceAll(s, " ", "")
	cleaned = strings.ReplaceAll(cleaned, ":", "")
	cleaned = strings.ReplaceAll(cleaned, "-", "")
	cleaned = strings.ReplaceAll(cleaned, "0x", "")

	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}
