package scgipie

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Validates(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())
	assert.Equal(t, NetworkUnix, config.Network)
	assert.Equal(t, 4, config.NumWorkers)
	assert.Equal(t, 32768, config.BufferSize)
	assert.Equal(t, 4096, config.PersistentSize)
	assert.Equal(t, 1<<20, config.MaxHeaderBytes)
	assert.Equal(t, 30*time.Second, config.ShutdownTimeout)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"tcp", Config{Network: NetworkTCP, Addr: "127.0.0.1:0"}, false},
		{"fd", Config{Network: NetworkFD, Addr: "3"}, false},
		{"empty network means unix", Config{Addr: "/tmp/x.sock"}, false},
		{"unknown network", Config{Network: "udp", Addr: "x"}, true},
		{"no address", Config{Network: NetworkTCP}, true},
		{"buffer too small", Config{Addr: "/tmp/x.sock", BufferSize: 1023}, true},
		{"minimum buffer", Config{Addr: "/tmp/x.sock", BufferSize: 1024}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, tt.config.Logger)
			assert.Positive(t, tt.config.NumWorkers)
		})
	}
}

func TestConfig_SessionOptions(t *testing.T) {
	config := Config{
		Addr:               "/tmp/x.sock",
		BufferSize:         2048,
		AllowBuffering:     true,
		ReadBodyUntilClose: true,
	}
	require.NoError(t, config.Validate())

	opts := config.sessionOptions()
	assert.Equal(t, 2048, opts.BufferSize)
	assert.True(t, opts.Buffering)
	assert.True(t, opts.ReadBodyUntilClose)
	assert.Equal(t, config.Logger, opts.Logger)

	wc := config.workerConfig()
	assert.Equal(t, config.NumWorkers, wc.NumWorkers)
}
