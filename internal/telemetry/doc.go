// Package telemetry turns raw notification payloads from the dashboard
// peripheral into typed, unit-converted readings.
//
// The package is transport agnostic:
//   - Registry maps characteristic identifiers to Channel descriptors
//   - Decode interprets the 4-byte little-endian float32 wire format
//   - Aggregator keeps per-channel last/max/min state for the session
//   - Pipeline chains the three and hands Updates to a Sink
package telemetry
