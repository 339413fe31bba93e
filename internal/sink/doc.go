// Package sink contains the telemetry.Sink implementations the CLI wires into a
// session: a console printer, an MQTT forwarder and a fan-out.
package sink
