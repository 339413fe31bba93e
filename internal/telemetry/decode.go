package telemetry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// PayloadSize is the length of every notification payload.
const PayloadSize = 4

// ErrInvalidLength is matched by every DecodeError.
var ErrInvalidLength = errors.New("invalid payload length")

// DecodeError reports a payload that is not exactly PayloadSize bytes long.
type DecodeError struct {
	Length int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: got %d bytes, want %d", ErrInvalidLength, e.Length, PayloadSize)
}

func (e *DecodeError) Unwrap() error {
	return ErrInvalidLength
}

// Decode interprets a payload as a little-endian IEEE-754 float32.
// The value is returned as transmitted: no clamping, no unit conversion.
func Decode(b []byte) (float32, error) {
	if len(b) != PayloadSize {
		return 0, &DecodeError{Length: len(b)}
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

// Encode is the inverse of Decode.
func Encode(v float32) []byte {
	b := make([]byte, PayloadSize)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	return b
}
