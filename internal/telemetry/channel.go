package telemetry

import "fmt"

// Characteristic identifiers exposed by the dashboard peripheral, in
// normalized 16-bit form.
const (
	ChannelEngineSpeed      = "27af"
	ChannelCoolantTemp      = "272f"
	ChannelIntakeAirTemp    = "2730"
	ChannelVehicleSpeed     = "27a7"
	ChannelAmbientTemp      = "2731"
	ChannelFuelLevel        = "27ad"
	ChannelMassAirFlow      = "27c1"
	ChannelThrottlePosition = "27ae"
	ChannelVoltage          = "2b18"
	ChannelOdometer         = "27a4"
	ChannelEngineOilTemp    = "2732"
	ChannelGearRatio        = "2c08"
)

// MilesPerKilometer converts the peripheral's metric speed and distance.
const MilesPerKilometer = 1.0 / 1.609

// Channel describes one physical measurement published by the peripheral.
type Channel struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Unit             string  `json:"unit"`
	ConversionFactor float64 `json:"conversion_factor"`

	TracksMax    bool `json:"tracks_max"`
	TracksMin    bool `json:"tracks_min"`
	LatchesStart bool `json:"latches_start"` // first reading of the session is kept as the start value
	Displayed    bool `json:"displayed"`
}

// Label returns the display prefix, e.g. "Engine Speed: ".
func (c *Channel) Label() string {
	return c.Name + ": "
}

// UnitSuffix returns the unit as appended after a value, e.g. " rpm" or "%".
func (c *Channel) UnitSuffix() string {
	switch c.Unit {
	case "", "%":
		return c.Unit
	default:
		return " " + c.Unit
	}
}

// Convert applies the channel's conversion factor to a decoded value.
func (c *Channel) Convert(v float32) float64 {
	factor := c.ConversionFactor
	if factor == 0 {
		factor = 1
	}
	return float64(v) * factor
}

// Format renders a decoded value converted and with its unit, e.g. "50.00 rpm".
func (c *Channel) Format(v float32) string {
	return fmt.Sprintf("%.2f%s", c.Convert(v), c.UnitSuffix())
}

// Policy returns a compact description of the aggregate policy, used by the CLI.
func (c *Channel) Policy() string {
	var p string
	if c.TracksMax {
		p += "max,"
	}
	if c.TracksMin {
		p += "min,"
	}
	if c.LatchesStart {
		p += "start,"
	}
	if p == "" {
		return "-"
	}
	return p[:len(p)-1]
}

// DefaultChannels is the fixed registration table of the dashboard peripheral.
// Engine oil temperature and gear ratio are aggregated but not displayed.
func DefaultChannels() []Channel {
	return []Channel{
		{ID: ChannelEngineSpeed, Name: "Engine Speed", Unit: "rpm", ConversionFactor: 1, TracksMax: true, Displayed: true},
		{ID: ChannelCoolantTemp, Name: "Coolant Temperature", Unit: "°C", ConversionFactor: 1, TracksMax: true, Displayed: true},
		{ID: ChannelIntakeAirTemp, Name: "Intake Air Temperature", Unit: "°C", ConversionFactor: 1, Displayed: true},
		{ID: ChannelVehicleSpeed, Name: "Speed", Unit: "mph", ConversionFactor: MilesPerKilometer, TracksMax: true, Displayed: true},
		{ID: ChannelAmbientTemp, Name: "Ambient Temperature", Unit: "°C", ConversionFactor: 1, Displayed: true},
		{ID: ChannelFuelLevel, Name: "Fuel Level", Unit: "%", ConversionFactor: 1, TracksMin: true, LatchesStart: true, Displayed: true},
		{ID: ChannelMassAirFlow, Name: "Mass Air Flow Rate", Unit: "g/s", ConversionFactor: 1, Displayed: true},
		{ID: ChannelThrottlePosition, Name: "Throttle Position", Unit: "%", ConversionFactor: 1, TracksMax: true, Displayed: true},
		{ID: ChannelVoltage, Name: "Control Module Voltage", Unit: "V", ConversionFactor: 1, Displayed: true},
		{ID: ChannelOdometer, Name: "Odometer", Unit: "miles", ConversionFactor: MilesPerKilometer, Displayed: true},
		{ID: ChannelEngineOilTemp, Name: "Engine Oil Temperature", Unit: "°C", ConversionFactor: 1},
		{ID: ChannelGearRatio, Name: "Gear Ratio", Unit: "", ConversionFactor: 1},
	}
}
