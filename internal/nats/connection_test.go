package nats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConnectionConfig(t *testing.T) {
	config := DefaultConnectionConfig("nats://localhost:4222")
	assert.Equal(t, "nats://localhost:4222", config.URL)
	assert.Equal(t, "bmp", config.SubjectPrefix)
	assert.Equal(t, 10, config.MaxReconnects)
	assert.Equal(t, 5*time.Second, config.Timeout)
}

func TestConnectValidation(t *testing.T) {
	_, err := Connect(context.Background(), nil, nil)
	require.Error(t, err)

	_, err = Connect(context.Background(), &ConnectionConfig{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "URL cannot be empty")
}

func TestConnectUnreachable(t *testing.T) {
	config := DefaultConnectionConfig("nats://127.0.0.1:1")
	config.Timeout = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Connect(ctx, config, nil)
	require.Error(t, err)
}

func TestCloseNil(t *testing.T) {
	assert.NoError(t, Close(nil))
	assert.False(t, IsConnected(nil))
}
