package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskKey(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty string", "", "(empty)"},
		{"short key", "1//0abc", "****"},
		{"refresh token", "1//0gAbCdEfGhIjKlMnOpQr", "1//0gAbC...OpQr"},
		{"access token", "ya29.a0AfB_byC123456789xyz", "ya29.a0A...9xyz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MaskKey(tt.input))
		})
	}
}

func TestMaskKeyShort(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty string", "", "****"},
		{"very short key", "abc", "****"},
		{"8 char key", "12345678", "****"},
		{"api key", "pk-user-alice", "pk-u...lice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MaskKeyShort(tt.input))
		})
	}
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "", MaskEmail(""))
	assert.Equal(t, "a***@gmail.com", MaskEmail("alice@gmail.com"))
	assert.Equal(t, "****", MaskEmail("not-an-email"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
	assert.Equal(t, "", Truncate("", 5))
}
