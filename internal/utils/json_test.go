package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendJSONLines(t *testing.T) {
	tests := []struct {
		name   string
		dst    string
		values []any
		want   string
	}{
		{"no values", "", nil, ""},
		{"one line per value", "", []any{map[string]int{"a": 1}, []string{"x"}}, "{\"a\":1}\n[\"x\"]\n"},
		{"html left unescaped", "", []any{map[string]string{"p": "<b>&</b>"}}, "{\"p\":\"<b>&</b>\"}\n"},
		{"appends to dst", "{}\n", []any{1}, "{}\n1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AppendJSONLines([]byte(tt.dst), tt.values...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}

	_, err := AppendJSONLines(nil, make(chan int))
	assert.Error(t, err)
}
