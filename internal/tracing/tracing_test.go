package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv(t *testing.T) {
	t.Run("disabled without endpoint", func(t *testing.T) {
		t.Setenv(EnvEndpoint, "")
		_, enabled := ConfigFromEnv("daedalus", "")
		assert.False(t, enabled)
	})

	t.Run("enabled with endpoint", func(t *testing.T) {
		t.Setenv(EnvEndpoint, "collector:4318")
		config, enabled := ConfigFromEnv("daedalus", "production")
		require.True(t, enabled)
		assert.Equal(t, "collector:4318", config.OTLPEndpoint)
		assert.Equal(t, "production", config.Environment)
		assert.Equal(t, "daedalus", config.ServiceName)
		assert.Equal(t, 1.0, config.SampleRatio)
	})
}

func TestSetupAndShutdown(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), DefaultConfig("daedalus-test"), nil)
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	// Nothing was recorded, so the flush does not touch the collector.
	assert.NoError(t, ShutdownTracing(shutdown, nil))
}

func TestShutdownTracingError(t *testing.T) {
	boom := errors.New("flush failed")
	err := ShutdownTracing(func(context.Context) error { return boom }, nil)
	assert.ErrorIs(t, err, boom)
}
