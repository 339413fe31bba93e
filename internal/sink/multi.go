package sink

import "github.com/CalebKornegay/DigitalDash/internal/telemetry"

// Multi fans an update out to every sink in order.
type Multi []telemetry.Sink

func (m Multi) Publish(u telemetry.Update) {
	for _, s := range m {
		s.Publish(u)
	}
}
