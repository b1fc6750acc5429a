// Package capturekit is a streaming capture engine: it records
// continuous audio and MIDI device streams into immutable,
// content-addressed chunk storage and serves time-range queries over
// the captured history.
//
// The engine is split into two planes connected by a binary wire
// protocol:
//
// RT plane (rtio): runs inside the hardware callback. It writes sample
// buffers into memory-mapped staging chunks, detects chunk-full, and
// emits events. It never blocks, locks, or allocates in the hot path.
//
// Control plane (stream, session, slicing, service): reacts to RT
// events by rotating staging files, sealing retired chunks into the
// content store (cas) once the RT plane confirms the handover, and
// publishing manifest snapshots atomically. Sessions
// group streams into segments with multi-clock timelines; the slicing
// engine resolves time ranges into materialized WAV artifacts or
// virtual chunk-reference slices.
//
// Everything observable leaves through the event bus (NATS); the
// manifests and the content store on disk remain the source of truth.
package capturekit
