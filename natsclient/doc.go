// Package natsclient provides a NATS client with circuit breaker protection,
// automatic reconnection, and JetStream/KV support for the capture engine's
// event bus.
//
// Circuit breaker: after a threshold of consecutive connection failures
// (default 5) the circuit opens and connection attempts fail fast with
// ErrCircuitOpen. The backoff doubles per round up to a cap, then the
// circuit half-opens and a connect may be retried.
//
// Connection lifecycle runs Disconnected → Connecting → Connected →
// Reconnecting → Connected, with callbacks available for each transition.
// Connection health feeds the shared metrics bundle (connected gauge, RTT,
// reconnect counter, circuit state).
//
// KVStore wraps a JetStream Key-Value bucket with CAS retry. The session
// index uses UpdateWithRetry so concurrent writers converge without a
// last-writer-wins overwrite:
//
//	kv, _ := client.EnsureKV(ctx, "capture-sessions")
//	store := client.NewKVStore(kv)
//	err := store.UpdateWithRetry(ctx, key, func(current []byte) ([]byte, error) {
//	    return updated, nil
//	})
//
// The event bus publishes over the core connection; delivery there is
// fire-and-forget by design, the manifests on disk remain the source of
// truth.
package natsclient
