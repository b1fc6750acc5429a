// Package retry provides simple exponential backoff retry logic for transient failures.
//
// # Overview
//
// A minimal retry mechanism with exponential backoff for the capture control
// plane: seal operations, NATS publishes, and startup of critical resources.
// The RT plane never uses this package - it cannot sleep.
//
// # Configuration Presets
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay (normal control-plane operations)
//   - Sealing(): 3 attempts, 20-200ms delay (chunk rotation critical path)
//   - Persistent(): 30 attempts, 200ms-10s delay (critical resources at startup)
//
// # Usage
//
//	err := retry.Do(ctx, retry.Sealing(), func() error {
//	    return store.Seal(ctx, chunk.ID)
//	})
//
// Wrap errors that must not be retried:
//
//	return retry.NonRetryable(errors.ErrSealHashMismatch)
package retry
