package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/oceanstream/particle"
	"github.com/c360/oceanstream/pkg/retry"
)

type fakeConn struct {
	mu       sync.Mutex
	messages map[string][][]byte
	failures int
	healthy  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{messages: make(map[string][][]byte), healthy: true}
}

func (f *fakeConn) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return fmt.Errorf("connection reset")
	}
	f.messages[subject] = append(f.messages[subject], append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) IsHealthy() bool { return f.healthy }

func noRetry() *retry.Config {
	return &retry.Config{MaxAttempts: 1}
}

func fastRetry() *retry.Config {
	return &retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func samplePart() *particle.Particle {
	p := particle.New("ctdbp-01", "ctdbp_sample")
	p.Set("temperature", 11.25)
	p.Set("conductivity", 3.33)
	return p
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "oceanstream.particles.ctdbp-01.ctdbp_sample", Subject("ctdbp-01", "ctdbp_sample"))
}

func TestPublishDeliversJSON(t *testing.T) {
	conn := newFakeConn()
	pub, err := New(Config{Conn: conn, Retry: noRetry()})
	require.NoError(t, err)

	part := samplePart()
	require.NoError(t, pub.Publish(context.Background(), part))

	msgs := conn.messages[Subject("ctdbp-01", "ctdbp_sample")]
	require.Len(t, msgs, 1)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msgs[0], &decoded))
	assert.Equal(t, "ctdbp-01", decoded["stream"])
	assert.Equal(t, "ctdbp_sample", decoded["type"])
}

func TestPublishRetriesTransientFailures(t *testing.T) {
	conn := newFakeConn()
	conn.failures = 2
	pub, err := New(Config{Conn: conn, Retry: fastRetry()})
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), samplePart()))
	assert.Len(t, conn.messages[Subject("ctdbp-01", "ctdbp_sample")], 1)
}

func TestPublishGivesUpAfterRetries(t *testing.T) {
	conn := newFakeConn()
	conn.failures = 10
	pub, err := New(Config{Conn: conn, Retry: fastRetry()})
	require.NoError(t, err)

	err = pub.Publish(context.Background(), samplePart())
	assert.Error(t, err)

	h := pub.Health()
	assert.Equal(t, uint64(1), h.Details["failed"])
}

func TestLifecycle(t *testing.T) {
	pub, err := New(Config{Conn: newFakeConn(), Retry: noRetry()})
	require.NoError(t, err)

	assert.Equal(t, "publisher", pub.Name())
	require.NoError(t, pub.Initialize())
	require.NoError(t, pub.Start(context.Background()))
	assert.True(t, pub.Health().Healthy)
	require.NoError(t, pub.Stop(time.Second))
	assert.False(t, pub.Health().Healthy)
	assert.Error(t, pub.Stop(time.Second))
}

func TestNewRequiresConn(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
