package goble

import (
	"fmt"

	"github.com/CalebKornegay/DigitalDash/internal/device"
)

// invalidStateBluetoothOff is what CoreBluetooth reports while the adapter is powered off.
const invalidStateBluetoothOff = "central manager has invalid state: have=4 want=5: is Bluetooth turned on?"

// NormalizeError maps known go-ble error strings to structured ConnectionError types.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if err.Error() == invalidStateBluetoothOff {
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	}
	return device.NormalizeError(err)
}
