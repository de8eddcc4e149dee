package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{"trims", "  running late  ", 0, "running late"},
		{"control characters", "line\x00one\r\n", 0, "lineone"},
		{"truncates by rune", "héllo wörld", 5, "héllo"},
		{"no trailing space after cut", "ab cd", 3, "ab"},
		{"empty", "   ", 10, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Text(tt.input, tt.maxLen))
		})
	}
}

func TestDeviceID(t *testing.T) {
	assert.Equal(t, "iphone-15.a1:b2", DeviceID(" iphone-15.a1:b2 "))
	assert.Equal(t, "abc", DeviceID("a b<c>"))
	assert.Len(t, DeviceID(strings.Repeat("x", 300)), 128)
}
