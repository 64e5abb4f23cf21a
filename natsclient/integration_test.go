//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startNATSContainer starts a NATS server with JetStream enabled and returns
// its client URL.
func startNATSContainer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "nats:2.11.7-alpine",
		ExposedPorts: []string{"4222/tcp"},
		Cmd:          []string{"--js"},
		WaitingFor:   wait.ForListeningPort("4222/tcp"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	return "nats://" + host + ":" + port.Port()
}

func TestConnectAndPublish(t *testing.T) {
	url := startNATSContainer(t)

	c, err := NewClient(url, WithTimeout(10*time.Second))
	require.NoError(t, err)
	defer c.Close(context.Background())

	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitForConnection(ctx))
	assert.True(t, c.IsHealthy())

	received := make(chan []byte, 1)
	require.NoError(t, c.Subscribe(context.Background(), "oceanstream.test.echo",
		func(_ context.Context, data []byte) { received <- data }))

	require.NoError(t, c.Publish(context.Background(), "oceanstream.test.echo", []byte("ping")))

	select {
	case data := <-received:
		assert.Equal(t, []byte("ping"), data)
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}
}

func TestKeyValueBucketRoundTrip(t *testing.T) {
	url := startNATSContainer(t)

	c, err := NewClient(url, WithTimeout(10*time.Second))
	require.NoError(t, err)
	defer c.Close(context.Background())

	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bucket, err := c.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket: "parse-state",
	})
	require.NoError(t, err)

	_, err = bucket.Put(ctx, "stream-1", []byte(`{"position":42}`))
	require.NoError(t, err)

	entry, err := bucket.Get(ctx, "stream-1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"position":42}`), entry.Value())

	// Creating the same bucket again must return the existing one.
	again, err := c.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket: "parse-state",
	})
	require.NoError(t, err)
	entry, err = again.Get(ctx, "stream-1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"position":42}`), entry.Value())
}
