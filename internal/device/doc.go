// Package device drives the connection to the dashboard peripheral.
//
// A Session is an explicit state machine fed by asynchronous transport events:
//
//	Disconnected → Connecting → ServicesDiscovering → Subscribing → Streaming
//	      ↑                                                            │
//	      └──────────────────────── Closing ←──────────────────────────┘
//
// Subscriptions are issued through an opqueue.Queue so that at most one
// descriptor write is outstanding. Notifications are routed through a
// telemetry.Pipeline in any state and handed to a telemetry.Sink.
//
// The go-ble subpackage provides the production Transport.
package device
