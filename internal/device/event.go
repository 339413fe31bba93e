package device

import "fmt"

// EventKind identifies an asynchronous transport event.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventServicesDiscovered
	EventDescriptorWriteComplete
	EventCharacteristicChanged
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventServicesDiscovered:
		return "services_discovered"
	case EventDescriptorWriteComplete:
		return "descriptor_write_complete"
	case EventCharacteristicChanged:
		return "characteristic_changed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one asynchronous outcome reported by a Transport.
type Event struct {
	Kind            EventKind
	ChannelID       string   // descriptor write and characteristic change
	Characteristics []string // services discovered
	Data            []byte   // characteristic change
	Err             error    // failure status, if any
}

// ConnectedEvent reports an established link.
func ConnectedEvent() Event {
	return Event{Kind: EventConnected}
}

// DisconnectedEvent reports a lost or failed link; err is nil for a clean disconnect.
func DisconnectedEvent(err error) Event {
	return Event{Kind: EventDisconnected, Err: err}
}

// ServicesDiscoveredEvent reports the characteristic identifiers found in the telemetry service.
func ServicesDiscoveredEvent(ids []string, err error) Event {
	return Event{Kind: EventServicesDiscovered, Characteristics: ids, Err: err}
}

// DescriptorWrittenEvent reports the outcome of a descriptor write.
func DescriptorWrittenEvent(id string, err error) Event {
	return Event{Kind: EventDescriptorWriteComplete, ChannelID: id, Err: err}
}

// CharacteristicChangedEvent reports a notification payload.
func CharacteristicChangedEvent(id string, data []byte) Event {
	return Event{Kind: EventCharacteristicChanged, ChannelID: id, Data: data}
}
