package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic", "descriptor"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	parentResource := "service"
	if e.Resource == "descriptor" {
		parentResource = "characteristic"
	}
	return fmt.Sprintf("%s %q not found in %s %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], parentResource, e.UUIDs[0])
}

// ErrorKind represents the specific kind of connection failure
type ErrorKind string

const (
	NotConnected     ErrorKind = "not_connected"
	AlreadyConnected ErrorKind = "already_connected"
	BluetoothOff     ErrorKind = "bluetooth_off"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	Kind ErrorKind
	Msg  string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by Kind
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors for connection failures
var (
	ErrNotConnected     = &ConnectionError{Kind: NotConnected}
	ErrAlreadyConnected = &ConnectionError{Kind: AlreadyConnected}
	ErrBluetoothOff     = &ConnectionError{Kind: BluetoothOff}
)

// IsConnectionKind reports whether err is a ConnectionError of the given kind
func IsConnectionKind(err error, kind ErrorKind) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.Kind == kind
	}
	return false
}

// TransportError wraps a failed transport request (connect, discover, write).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// SubscriptionFailure reports a channel whose notifications could not be enabled.
// The session keeps subscribing the remaining channels.
type SubscriptionFailure struct {
	ChannelID string
	Err       error
}

func (e *SubscriptionFailure) Error() string {
	return fmt.Sprintf("subscription to %s failed: %v", e.ChannelID, e.Err)
}

func (e *SubscriptionFailure) Unwrap() error {
	return e.Err
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// NormalizeError maps transport error strings to structured ConnectionError types.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "bluetooth is turned off"), containsIgnoreCase(msg, "is Bluetooth turned on"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"), containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	default:
		return err
	}
}

// Well-known GATT values used by the dashboard peripheral.
const (
	// DefaultServiceUUID is the service exposing the telemetry characteristics.
	DefaultServiceUUID = "1812"
	// CCCDUUID is the Client Characteristic Configuration descriptor.
	CCCDUUID = "2902"
)

var (
	// EnableNotificationValue is written to a CCCD to turn notifications on.
	EnableNotificationValue = []byte{0x01, 0x00}
	// DisableNotificationValue is written to a CCCD to turn notifications off.
	DisableNotificationValue = []byte{0x00, 0x00}
)

// Transport is the raw link to the peripheral. Every request is fire-and-forget:
// a nil error only means the request was issued, its outcome arrives as an Event.
// Identifiers are normalized characteristic UUIDs.
type Transport interface {
	Connect(ctx context.Context, address string) error
	DiscoverServices() error
	SetNotify(id string, enable bool) error
	WriteDescriptor(id string, value []byte) error
	Close() error
}

// EventSource delivers transport events in the order they occurred.
type EventSource interface {
	Events() <-chan Event
}
