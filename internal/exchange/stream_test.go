package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamURL(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		want     string
		wantErr  bool
	}{
		{name: "http", endpoint: "http://api.example.com", want: "ws://api.example.com/ws"},
		{name: "https", endpoint: "https://api.example.com", want: "wss://api.example.com/ws"},
		{name: "trailing slash", endpoint: "https://api.example.com/", want: "wss://api.example.com/ws"},
		{name: "already ws", endpoint: "wss://stream.example.com", want: "wss://stream.example.com/ws"},
		{name: "bad scheme", endpoint: "ftp://api.example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := streamURL(tt.endpoint)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
