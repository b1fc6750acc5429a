// Package errors provides standardized error handling patterns for capturekit
// components.
//
// # Overview
//
// The errors package implements a three-class error classification system for
// the capture plane: Transient (temporary, retryable), Invalid (bad input,
// non-retryable), and Fatal (unrecoverable, stop processing).
//
// The classification maps directly onto the capture engine's error handling
// design:
//
//   - Transient: an event-channel send would block, a NATS publish timed out.
//     Retry with backoff, or drop when the event class tolerates loss.
//   - Invalid: malformed wire frames, inverted slice ranges, bad hashes.
//     Reject, never retry.
//   - Fatal: seal hash mismatch after a cross-volume copy, RT headroom
//     exhausted before a chunk switch. The affected stream halts and requires
//     an explicit restart; sibling streams are unaffected.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions provide classification-aware wrapping:
//
//	errors.WrapTransient(err, "StreamManager", "Seal", "staging rename")
//	errors.WrapInvalid(err, "Wire", "DecodeEvent", "frame header")
//	errors.WrapFatal(err, "Store", "Seal", "cross-volume hash verify")
//
// The generic Wrap() adds context without forcing a classification.
//
// # Integration with errors.Is/As
//
// All error types support standard library error inspection. Classification
// is preserved through wrapping chains:
//
//	wrapped := errors.WrapFatal(errors.ErrSealHashMismatch, "Store", "Seal", "verify")
//	errors.IsFatal(wrapped) // true
//
// Standard error variables (ErrStreamNotFound, ErrHeadroomExhausted, ...) are
// preferred over ad hoc error strings so that callers can branch on identity
// rather than message content.
package errors
