package bledb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestNormalizeUUID verifies that NormalizeUUID correctly handles various UUID formats
func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "16-bit short form",
			input:    "27af",
			expected: "27af",
		},
		{
			name:     "16-bit uppercase with 0x prefix",
			input:    "0x27AF",
			expected: "27af",
		},
		{
			name:     "Full Bluetooth SIG UUID with dashes",
			input:    "000027af-0000-1000-8000-00805f9b34fb",
			expected: "27af",
		},
		{
			name:     "Full Bluetooth SIG UUID without dashes",
			input:    "000027af00001000800000805f9b34fb",
			expected: "27af",
		},
		{
			name:     "32-bit alias in SIG base",
			input:    "12345678-0000-1000-8000-00805f9b34fb",
			expected: "12345678",
		},
		{
			name:     "Custom 128-bit UUID (not SIG base)",
			input:    "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
			expected: "6e400001b5a3f393e0a9e50e24dcca9e",
		},
		{
			name:     "UUID with braces",
			input:    "{00001812-0000-1000-8000-00805f9b34fb}",
			expected: "1812",
		},
		{
			name:     "not hex",
			input:    "zz12",
			expected: "",
		},
		{
			name:     "wrong length",
			input:    "12345",
			expected: "",
		},
		{
			name:     "empty",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUIDs(t *testing.T) {
	got := NormalizeUUIDs([]string{"0x2902", "00001812-0000-1000-8000-00805f9b34fb"})
	assert.Equal(t, []string{"2902", "1812"}, got)
}

// TestLookup verifies service and descriptor names resolve from any UUID form
func TestLookup(t *testing.T) {
	assert.Equal(t, "Human Interface Device", LookupService("1812"))
	assert.Equal(t, "Human Interface Device", LookupService("00001812-0000-1000-8000-00805f9b34fb"))
	assert.Equal(t, "", LookupService("ffff"))

	assert.Equal(t, "Client Characteristic Configuration", LookupDescriptor("0x2902"))
	assert.Equal(t, "Client Characteristic Configuration", LookupDescriptor("00002902-0000-1000-8000-00805f9b34fb"))
	assert.Equal(t, "", LookupDescriptor("2a37"))
}
