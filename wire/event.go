package wire

import "time"

// Event is a notification from the RT plane to the control plane. Delivery
// is best-effort-ordered per stream but not exactly-once, so consumers
// treat events as idempotent hints.
type Event interface {
	// URI returns the stream the event concerns.
	URI() StreamURI

	isEvent()
}

// StreamHeadPosition reports the write cursor, emitted periodically
// (roughly every 100ms). Low value per message: it may be dropped under
// backpressure and the next one replaces it.
type StreamHeadPosition struct {
	StreamURI      StreamURI `json:"stream_uri"`
	SamplePosition uint64    `json:"sample_position"`
	BytePosition   uint64    `json:"byte_position"`
	WallClock      time.Time `json:"wall_clock"`
}

// StreamChunkFull reports that writes crossed the nominal chunk size. The
// RT plane keeps writing into the same file's headroom until the control
// plane answers with StreamSwitchChunk; sealing then waits for the
// StreamChunkSwitched confirmation. Losing this event stalls the rotation,
// so its delivery is retried before the stream is failed.
type StreamChunkFull struct {
	StreamURI      StreamURI `json:"stream_uri"`
	Path           string    `json:"path"`
	BytesWritten   uint64    `json:"bytes_written"`
	SamplesWritten uint64    `json:"samples_written"`
	WallClock      time.Time `json:"wall_clock"`
}

// StreamChunkSwitched confirms that the RT plane moved its mapping to the
// new chunk. RetiredBytes and RetiredSamples are the counts that belong to
// the retired file; writes that ran past the nominal size while the switch
// was in flight are copied into the new chunk and reported as carried
// counts. The retired file is closed once this event exists, so the control
// plane may seal it.
type StreamChunkSwitched struct {
	StreamURI      StreamURI `json:"stream_uri"`
	RetiredPath    string    `json:"retired_path"`
	RetiredBytes   uint64    `json:"retired_bytes"`
	RetiredSamples uint64    `json:"retired_samples"`
	CarriedBytes   uint64    `json:"carried_bytes"`
	CarriedSamples uint64    `json:"carried_samples"`
	WallClock      time.Time `json:"wall_clock"`
}

// StreamError reports an RT-plane failure. Recoverable errors leave the
// stream running; a non-recoverable error halts it until an explicit new
// StreamStart.
type StreamError struct {
	StreamURI   StreamURI `json:"stream_uri"`
	Error       string    `json:"error"`
	Recoverable bool      `json:"recoverable"`
}

func (e StreamHeadPosition) URI() StreamURI  { return e.StreamURI }
func (e StreamChunkFull) URI() StreamURI     { return e.StreamURI }
func (e StreamChunkSwitched) URI() StreamURI { return e.StreamURI }
func (e StreamError) URI() StreamURI         { return e.StreamURI }

func (StreamHeadPosition) isEvent()  {}
func (StreamChunkFull) isEvent()     {}
func (StreamChunkSwitched) isEvent() {}
func (StreamError) isEvent()         {}
