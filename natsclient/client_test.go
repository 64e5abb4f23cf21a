package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionStatusString(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(99).String())
}

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Nil(t, c.Conn())
}

func TestNewClientOptions(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithMaxReconnects(10),
		WithReconnectWait(500*time.Millisecond),
		WithTimeout(time.Second),
		WithName("oceanstream-test"),
		WithCircuitThreshold(3),
	)
	require.NoError(t, err)
	assert.Equal(t, 10, c.maxReconnects)
	assert.Equal(t, 500*time.Millisecond, c.reconnectWait)
	assert.Equal(t, time.Second, c.timeout)
	assert.Equal(t, "oceanstream-test", c.clientName)
	assert.Equal(t, int32(3), c.circuitThreshold)
}

func TestNewClientOptionErrors(t *testing.T) {
	cases := []struct {
		name string
		opt  ClientOption
	}{
		{"nil logger", WithLogger(nil)},
		{"bad max reconnects", WithMaxReconnects(-2)},
		{"zero reconnect wait", WithReconnectWait(0)},
		{"zero timeout", WithTimeout(0)},
		{"zero threshold", WithCircuitThreshold(0)},
		{"empty token", WithToken("")},
		{"partial credentials", WithUserCredentials("user", "")},
		{"partial tls", WithTLS("cert.pem", "", "")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewClient("nats://localhost:4222", tc.opt)
			assert.Error(t, err)
		})
	}
}

func TestPublishNotConnected(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	err = c.Publish(context.Background(), "oceanstream.test", []byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)

	err = c.Subscribe(context.Background(), "oceanstream.test", func(context.Context, []byte) {})
	assert.ErrorIs(t, err, ErrNotConnected)

	err = c.PublishToStream(context.Background(), "oceanstream.test", []byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCircuitBreakerOpens(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithCircuitThreshold(2))
	require.NoError(t, err)

	c.recordFailure()
	assert.NotEqual(t, StatusCircuitOpen, c.Status())

	c.recordFailure()
	assert.Equal(t, StatusCircuitOpen, c.Status())

	// Open circuit rejects connection attempts outright.
	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCloseIdempotent(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestIsAlreadyExistsError(t *testing.T) {
	assert.False(t, isAlreadyExistsError(nil))
	assert.True(t, isAlreadyExistsError(fmt.Errorf("bucket name already in use")))
	assert.True(t, isAlreadyExistsError(fmt.Errorf("stream name already in use")))
	assert.True(t, isAlreadyExistsError(fmt.Errorf("resource already exists")))
	assert.False(t, isAlreadyExistsError(fmt.Errorf("connection refused")))
}

func TestWaitForConnectionTimeout(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, c.WaitForConnection(ctx))
}
