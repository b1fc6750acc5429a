package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionStatusString(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(99).String())
}

func TestCircuitOpensAtThreshold(t *testing.T) {
	c, err := NewClient("nats://unreachable:4222", WithCircuitBreakerThreshold(3))
	require.NoError(t, err)

	c.recordFailure()
	c.recordFailure()
	assert.NotEqual(t, StatusCircuitOpen, c.Status())

	c.recordFailure()
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, int32(3), c.Failures())

	// Backoff doubled when the circuit opened
	assert.Equal(t, 2*time.Second, c.Backoff())

	// Connect fails fast while open
	assert.ErrorIs(t, c.Connect(context.Background()), ErrCircuitOpen)
}

func TestCircuitBackoffIsCapped(t *testing.T) {
	c, err := NewClient("nats://unreachable:4222",
		WithCircuitBreakerThreshold(1), WithMaxBackoff(4*time.Second))
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		c.recordFailure()
		c.setStatus(StatusDisconnected) // force the next round
	}
	assert.LessOrEqual(t, c.Backoff(), 4*time.Second)
}

func TestResetCircuitClearsFailureState(t *testing.T) {
	c, err := NewClient("nats://unreachable:4222", WithCircuitBreakerThreshold(2))
	require.NoError(t, err)

	c.recordFailure()
	c.recordFailure()
	require.Equal(t, StatusCircuitOpen, c.Status())

	c.resetCircuit()
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, int32(0), c.Failures())
	assert.Equal(t, time.Second, c.Backoff())
}

func TestConnectPublishAndClose(t *testing.T) {
	url := RunTestServer(t)
	c, err := NewClient(url, WithHealthInterval(0))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.IsHealthy())

	sub, err := c.Conn().SubscribeSync("capture.test")
	require.NoError(t, err)
	require.NoError(t, c.Publish("capture.test", []byte("hello")))

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), msg.Data)

	require.NoError(t, c.Close(ctx))
	assert.Equal(t, StatusDisconnected, c.Status())
	// Idempotent
	require.NoError(t, c.Close(ctx))
}

func TestPublishBeforeConnect(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	assert.ErrorIs(t, c.Publish("capture.test", nil), ErrNotConnected)
}

func TestKVStoreRoundTripAndCAS(t *testing.T) {
	url := RunTestServer(t)
	c, err := NewClient(url, WithHealthInterval(0))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Close(ctx)

	bucket, err := c.EnsureKV(ctx, "capture-sessions")
	require.NoError(t, err)
	kv := c.NewKVStore(bucket)

	_, err = kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)

	rev, err := kv.Put(ctx, "session-1", []byte(`{"status":"recording"}`))
	require.NoError(t, err)
	entry, err := kv.Get(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, rev, entry.Revision)

	// CAS with a stale revision is rejected
	_, err = kv.Update(ctx, "session-1", []byte("x"), rev+10)
	assert.ErrorIs(t, err, ErrKVRevisionMismatch)

	// UpdateWithRetry creates missing keys and converges on conflicts
	require.NoError(t, kv.UpdateWithRetry(ctx, "session-2", func(current []byte) ([]byte, error) {
		assert.Nil(t, current)
		return []byte(`{"status":"stopped"}`), nil
	}))
	entry, err = kv.Get(ctx, "session-2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"stopped"}`, string(entry.Value))

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"session-1", "session-2"}, keys)

	require.NoError(t, kv.Delete(ctx, "session-1"))
}
