package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/CalebKornegay/DigitalDash/internal/device"
	"github.com/CalebKornegay/DigitalDash/internal/telemetry"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the peripheral went away while streaming.
	// This is distinct from device.ErrNotConnected, which indicates an attempt to use
	// a transport that was never connected.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns an error chain into a one-line message for the terminal.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var (
		nf   *device.NotFoundError
		terr *device.TransportError
		derr *telemetry.DecodeError
	)

	switch {
	case device.IsConnectionKind(err, device.BluetoothOff):
		return "Bluetooth is turned off; enable it and try again"
	case device.IsConnectionKind(err, device.NotConnected):
		return "device is not connected"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out waiting for the device; is it powered and in range?"
	case errors.Is(err, ErrConnectionLost):
		return "connection to the device was lost"
	case errors.As(err, &derr):
		return fmt.Sprintf("payload must be exactly %d bytes, got %d", telemetry.PayloadSize, derr.Length)
	case errors.As(err, &nf):
		return nf.Error()
	case errors.As(err, &terr):
		return fmt.Sprintf("%s failed: %v", terr.Op, terr.Err)
	default:
		return err.Error()
	}
}
