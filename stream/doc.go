// Package stream is the control-plane stream manager: it owns per-stream
// manifests and turns the RT plane's chunk-full notifications into sealed,
// content-addressed history.
//
// Rotation runs in two phases. A chunk-full event allocates the next
// staging chunk and commands the RT writer to switch; the full chunk is
// left alone because the writer is still free to spill into its headroom.
// The switched confirmation then carries the chunk's exact nominal counts
// (overflow having moved into the new chunk), and only at that point is
// the retired file sealed, the manifest's staging entry swapped for a
// sealed reference, and the manifest published atomically
// (write-temp-then-rename). The round trip's latency budget is the RT
// plane's write headroom; the manager never sees an overrun as its own
// error, only as a subsequent fatal StreamError.
//
// Events are idempotent hints: a retransmitted rotation event for an
// already-sealed path changes nothing. Manifests are single-writer and
// readers (status queries, the slicing engine) only observe published
// snapshots.
package stream
