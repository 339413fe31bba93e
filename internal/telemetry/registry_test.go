package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()

	require.Equal(t, 12, r.Len())
	assert.Equal(t, []string{
		"27af", "272f", "2730", "27a7", "2731", "27ad",
		"27c1", "27ae", "2b18", "27a4", "2732", "2c08",
	}, r.IDs(), "registration order MUST be kept")

	for _, ch := range r.Channels()[10:] {
		assert.False(t, ch.Displayed, "%s MUST NOT be displayed", ch.Name)
	}
}

func TestRegistryLookup(t *testing.T) {
	r := DefaultRegistry()

	for _, id := range []string{"27af", "27AF", "0x27af", "000027af-0000-1000-8000-00805f9b34fb"} {
		ch, ok := r.Lookup(id)
		require.True(t, ok, "%s MUST resolve", id)
		assert.Equal(t, "Engine Speed", ch.Name)
	}

	ch, ok := r.Lookup("2a37")
	assert.False(t, ok, "unknown identifier MUST NOT resolve")
	assert.Nil(t, ch)

	_, ok = r.Lookup("not-a-uuid")
	assert.False(t, ok)
}

func TestNewRegistryRejectsBadTables(t *testing.T) {
	_, err := NewRegistry([]Channel{{ID: "27af", Name: "a"}, {ID: "000027AF-0000-1000-8000-00805f9b34fb", Name: "b"}})
	assert.ErrorContains(t, err, "duplicate channel identifier \"27af\"")

	_, err = NewRegistry([]Channel{{ID: "", Name: "empty"}})
	assert.ErrorContains(t, err, "invalid identifier")
}

func TestRegistryIsolatedFromInput(t *testing.T) {
	channels := DefaultChannels()
	r, err := NewRegistry(channels)
	require.NoError(t, err)

	channels[0].Name = "changed"
	ch, _ := r.Lookup(ChannelEngineSpeed)
	assert.Equal(t, "Engine Speed", ch.Name, "registry MUST NOT alias the input slice")
}

func TestChannelDisplay(t *testing.T) {
	r := DefaultRegistry()

	rpm, _ := r.Lookup(ChannelEngineSpeed)
	assert.Equal(t, "Engine Speed: ", rpm.Label())
	assert.Equal(t, " rpm", rpm.UnitSuffix())
	assert.Equal(t, "50.00 rpm", rpm.Format(50))
	assert.Equal(t, "max", rpm.Policy())

	fuel, _ := r.Lookup(ChannelFuelLevel)
	assert.Equal(t, "%", fuel.UnitSuffix())
	assert.Equal(t, "min,start", fuel.Policy())

	gear, _ := r.Lookup(ChannelGearRatio)
	assert.Equal(t, "", gear.UnitSuffix())
	assert.Equal(t, "-", gear.Policy())

	speed, _ := r.Lookup(ChannelVehicleSpeed)
	assert.InDelta(t, 100.0, speed.Convert(160.9), 0.01)

	zero := &Channel{}
	assert.Equal(t, 2.5, zero.Convert(2.5), "zero factor MUST behave as identity")
}
