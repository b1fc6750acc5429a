package rtio

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360/capturekit/errors"
	"github.com/c360/capturekit/pkg/ring"
	"github.com/c360/capturekit/wire"
)

// streamPhase is the RT-side lifecycle of one stream.
type streamPhase uint8

const (
	phaseOpen streamPhase = iota
	phaseWriting
)

// streamState is RT-goroutine-private per-stream state. Everything here is
// touched only from the goroutine driving Process and WriteSamples.
type streamState struct {
	def        wire.StreamDefinition
	frameBytes int
	phase      streamPhase

	mapping *chunkMapping

	chunkBytes   uint64
	chunkSamples uint64
	totalBytes   uint64
	totalSamples uint64

	// chunkFullSent is true once a chunk-full was emitted (or parked) for
	// the current mapping; reset on switch.
	chunkFullSent bool

	// halted marks fatal degradation: frames are dropped until StreamStop.
	halted        bool
	framesDropped uint64

	// pending parks one encoded frame when the event ring is full. Only
	// rotation frames (chunk-full, chunk-switched) and errors park here;
	// head positions are dropped.
	pending         []byte
	pendingLen      int
	pendingTries    int
	pendingRotation bool
}

// Engine is the RT-plane stream writer. It owns the memory mappings over
// staging chunk files and the two rings connecting it to the control plane.
//
// Threading: exactly one goroutine (the hardware callback driver) calls
// Process and WriteSamples; exactly one control goroutine calls Submit and
// DrainEvents. The steady-state write path performs no allocation, takes no
// locks, and never blocks.
//
// The engine only opens paths it is given. Creating, sealing, renaming, and
// deleting chunk files all belong to the control plane.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	commands *ring.Ring // control produces, RT consumes
	events   *ring.Ring // RT produces, control consumes

	streams    map[wire.StreamURI]*streamState
	cmdScratch []byte
	lastHead   time.Time

	skipped atomic.Uint64
}

// NewEngine creates an engine with pre-allocated rings and scratch.
func NewEngine(cfg Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	commands, err := ring.New(cfg.CommandRingSlots, cfg.SlotSize)
	if err != nil {
		return nil, err
	}
	events, err := ring.New(cfg.EventRingSlots, cfg.SlotSize)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:        cfg,
		logger:     logger,
		commands:   commands,
		events:     events,
		streams:    make(map[wire.StreamURI]*streamState),
		cmdScratch: make([]byte, cfg.SlotSize),
	}, nil
}

// Submit encodes cmd into the command ring. Control side; one goroutine.
// A full ring is transient: the RT side drains it every callback.
func (e *Engine) Submit(cmd wire.Command) error {
	buf := e.commands.Reserve()
	if buf == nil {
		return errors.WrapTransient(errors.ErrEventRingFull, "Engine", "Submit", "command ring reserve")
	}
	n, err := wire.EncodeCommand(buf, cmd)
	if err != nil {
		e.commands.Commit(0)
		return err
	}
	e.commands.Commit(n)
	return nil
}

// DrainEvents decodes and delivers every queued event to fn, returning the
// count delivered. Control side; one goroutine.
func (e *Engine) DrainEvents(fn func(wire.Event)) int {
	n := 0
	for {
		frame := e.events.Poll()
		if frame == nil {
			return n
		}
		if len(frame) == 0 {
			continue
		}
		ev, err := wire.DecodeEvent(frame)
		if err != nil {
			e.logger.Error("undecodable event frame dropped", "error", err)
			continue
		}
		fn(ev)
		n++
	}
}

// EventStats returns counters for the RT-to-control ring.
func (e *Engine) EventStats() ring.Stats { return e.events.Stats() }

// SkippedWrites returns how many writes addressed unknown streams.
func (e *Engine) SkippedWrites() uint64 { return e.skipped.Load() }

// Process runs per-callback housekeeping on the RT goroutine: applies
// queued commands, retries parked frames, and emits head positions on the
// configured cadence. Call once at the top of every hardware callback.
func (e *Engine) Process(now time.Time) {
	for {
		n, ok := e.commands.PollInto(e.cmdScratch)
		if !ok {
			break
		}
		cmd, err := wire.DecodeCommand(e.cmdScratch[:n])
		if err != nil {
			e.logger.Error("undecodable command frame dropped", "error", err)
			continue
		}
		e.apply(cmd)
	}

	for _, st := range e.streams {
		e.retryPending(st)
	}

	if now.Sub(e.lastHead) >= e.cfg.HeadInterval {
		e.lastHead = now
		for uri, st := range e.streams {
			if st.phase != phaseWriting || st.pendingLen > 0 {
				continue
			}
			// Best-effort: a dropped head position is replaced by the next.
			buf := e.events.Reserve()
			if buf == nil {
				continue
			}
			n, err := wire.EncodeHeadPositionFrame(buf, uri, st.totalSamples, st.totalBytes, now)
			if err != nil {
				e.events.Commit(0)
				continue
			}
			e.events.Commit(n)
		}
	}
}

// apply handles one decoded command. Command handling may allocate; only
// the sample write path is allocation-free.
func (e *Engine) apply(cmd wire.Command) {
	switch c := cmd.(type) {
	case wire.StreamStart:
		e.applyStart(c)
	case wire.StreamSwitchChunk:
		e.applySwitch(c)
	case wire.StreamStop:
		e.applyStop(c)
	}
}

func (e *Engine) applyStart(c wire.StreamStart) {
	if _, exists := e.streams[c.StreamURI]; exists {
		e.emitError(c.StreamURI, nil, "stream already open", true)
		return
	}
	if err := c.Definition.Validate(); err != nil {
		e.emitError(c.StreamURI, nil, "invalid stream definition", true)
		return
	}
	mapping, err := mapChunk(c.ChunkPath)
	if err != nil {
		e.logger.Error("chunk mapping failed", "stream_uri", c.StreamURI, "path", c.ChunkPath, "error", err)
		e.emitError(c.StreamURI, nil, "chunk open failed", true)
		return
	}
	e.streams[c.StreamURI] = &streamState{
		def:        c.Definition,
		frameBytes: c.Definition.Format.FrameBytes(),
		phase:      phaseOpen,
		mapping:    mapping,
		pending:    make([]byte, e.cfg.SlotSize),
	}
	e.logger.Info("stream started", "stream_uri", c.StreamURI, "chunk_path", c.ChunkPath)
}

func (e *Engine) applySwitch(c wire.StreamSwitchChunk) {
	st, ok := e.streams[c.StreamURI]
	if !ok {
		// Skipped: unknown uri, drop and continue.
		e.skipped.Add(1)
		return
	}
	if st.halted {
		// No silent resumption into a discontinuous recording: after a
		// fatal error only an explicit StreamStop and new StreamStart
		// bring the stream back.
		e.skipped.Add(1)
		return
	}
	mapping, err := mapChunk(c.NewChunkPath)
	if err != nil {
		e.logger.Error("chunk mapping failed", "stream_uri", c.StreamURI, "path", c.NewChunkPath, "error", err)
		e.failStream(c.StreamURI, st, "chunk open failed")
		return
	}

	// Writes that ran past the nominal size while the switch was in flight
	// belong to the next chunk: move them before the old file is closed,
	// and seal only the nominal prefix. The retired counts reported to the
	// control plane are therefore exact, never headroom-inflated.
	nominal := st.def.ChunkSizeBytes
	retiredBytes := st.chunkBytes
	retiredSamples := st.chunkSamples
	carriedBytes := uint64(0)
	carriedSamples := uint64(0)
	if retiredBytes > nominal {
		carriedBytes = retiredBytes - nominal
		retiredBytes = nominal
		if st.def.Format.Kind == wire.KindAudio {
			carriedSamples = carriedBytes / uint64(st.frameBytes)
			retiredSamples -= carriedSamples
		}
		copy(mapping.data, st.mapping.data[nominal:nominal+carriedBytes])
	}

	retiredPath := st.mapping.path
	if err := st.mapping.close(); err != nil {
		mapping.close()
		e.failStream(c.StreamURI, st, "chunk close failed")
		return
	}
	st.mapping = mapping
	st.chunkBytes = carriedBytes
	st.chunkSamples = carriedSamples
	st.chunkFullSent = false
	e.emitChunkSwitched(c.StreamURI, st, retiredPath, retiredBytes, retiredSamples, time.Now())
	e.logger.Info("chunk switched", "stream_uri", c.StreamURI,
		"chunk_path", c.NewChunkPath, "carried_bytes", carriedBytes)
}

// emitChunkSwitched delivers the mapping handover confirmation. The retired
// file cannot be sealed until this arrives, so like chunk-full it parks for
// retry when the ring is full.
func (e *Engine) emitChunkSwitched(uri wire.StreamURI, st *streamState,
	retiredPath string, retiredBytes, retiredSamples uint64, now time.Time) {
	buf := e.events.Reserve()
	if buf != nil {
		n, err := wire.EncodeChunkSwitchedFrame(buf, uri, retiredPath,
			retiredBytes, retiredSamples, st.chunkBytes, st.chunkSamples, now)
		if err == nil {
			e.events.Commit(n)
			return
		}
		e.events.Commit(0)
	}
	n, err := wire.EncodeChunkSwitchedFrame(st.pending, uri, retiredPath,
		retiredBytes, retiredSamples, st.chunkBytes, st.chunkSamples, now)
	if err != nil {
		e.haltStream(uri, st)
		return
	}
	st.pendingLen = n
	st.pendingTries = 0
	st.pendingRotation = true
}

func (e *Engine) applyStop(c wire.StreamStop) {
	st, ok := e.streams[c.StreamURI]
	if !ok {
		e.skipped.Add(1)
		return
	}
	if err := st.mapping.close(); err != nil {
		e.logger.Error("chunk close failed during stop", "stream_uri", c.StreamURI, "error", err)
	}
	delete(e.streams, c.StreamURI)

	// Stop confirmation: a final head position carrying the closing
	// counters. The control plane waits on this before sealing.
	buf := e.events.Reserve()
	if buf != nil {
		n, err := wire.EncodeHeadPositionFrame(buf, c.StreamURI, st.totalSamples, st.totalBytes, time.Now())
		if err != nil {
			e.events.Commit(0)
		} else {
			e.events.Commit(n)
		}
	}
	e.logger.Info("stream stopped", "stream_uri", c.StreamURI,
		"total_bytes", st.totalBytes, "total_samples", st.totalSamples,
		"frames_dropped", st.framesDropped)
}

// WriteSamples writes one callback's worth of interleaved samples (or
// serialized events for MIDI streams) for uri. Hot path: no allocation, no
// locks, no blocking, no branching beyond the state machine.
//
// Unknown uris are Skipped: counted and dropped. I/O-level failures and
// headroom exhaustion fail the stream via a StreamError event; they never
// propagate as panics or return values across the callback boundary.
func (e *Engine) WriteSamples(uri wire.StreamURI, data []byte, now time.Time) {
	st := e.streams[uri]
	if st == nil {
		e.skipped.Add(1)
		return
	}
	if st.halted {
		st.framesDropped++
		return
	}
	st.phase = phaseWriting

	if int(st.chunkBytes)+len(data) > st.mapping.size() {
		// Headroom exhausted before the switch arrived. Whole frames only:
		// a torn partial frame is worse than a dropped one.
		st.framesDropped++
		e.haltStream(uri, st)
		return
	}

	copy(st.mapping.data[st.chunkBytes:], data)
	st.chunkBytes += uint64(len(data))
	st.totalBytes += uint64(len(data))
	if st.def.Format.Kind == wire.KindAudio {
		frames := uint64(len(data) / st.frameBytes)
		st.chunkSamples += frames
		st.totalSamples += frames
	}

	if !st.chunkFullSent && st.chunkBytes >= st.def.ChunkSizeBytes {
		st.chunkFullSent = true
		e.emitChunkFull(uri, st, now)
	}
}

// emitChunkFull tries the ring once, then parks the frame for retry.
func (e *Engine) emitChunkFull(uri wire.StreamURI, st *streamState, now time.Time) {
	buf := e.events.Reserve()
	if buf != nil {
		n, err := wire.EncodeChunkFullFrame(buf, uri, st.mapping.path, st.chunkBytes, st.chunkSamples, now)
		if err == nil {
			e.events.Commit(n)
			return
		}
		e.events.Commit(0)
	}
	n, err := wire.EncodeChunkFullFrame(st.pending, uri, st.mapping.path, st.chunkBytes, st.chunkSamples, now)
	if err != nil {
		e.haltStream(uri, st)
		return
	}
	st.pendingLen = n
	st.pendingTries = 0
	st.pendingRotation = true
}

// retryPending retries a parked frame once per callback. A rotation frame
// that exhausts its retry budget fails the stream: better a loud halt than
// a manifest missing a sealed chunk.
func (e *Engine) retryPending(st *streamState) {
	if st.pendingLen == 0 {
		return
	}
	if e.events.Offer(st.pending[:st.pendingLen]) {
		st.pendingLen = 0
		st.pendingTries = 0
		return
	}
	st.pendingTries++
	if st.pendingRotation && st.pendingTries >= e.cfg.ChunkFullRetries {
		// Find the uri the hard way; exhaustion is not a hot path.
		for uri, s := range e.streams {
			if s == st {
				e.haltStream(uri, st)
				return
			}
		}
	}
}

// haltStream marks fatal lossy degradation: the stream stays resident and
// drops frames until an explicit StreamStop.
func (e *Engine) haltStream(uri wire.StreamURI, st *streamState) {
	if st.halted {
		return
	}
	st.halted = true
	e.parkError(uri, st, errors.ErrHeadroomExhausted.Error())
}

// failStream reports an I/O failure and retires the stream immediately: an
// explicit new StreamStart is required.
func (e *Engine) failStream(uri wire.StreamURI, st *streamState, msg string) {
	st.mapping.close()
	delete(e.streams, uri)
	e.emitError(uri, st, msg, false)
}

// parkError queues a non-recoverable StreamError through the pending slot
// so it survives a full ring; it retries until delivered.
func (e *Engine) parkError(uri wire.StreamURI, st *streamState, msg string) {
	buf := e.events.Reserve()
	if buf != nil {
		n, err := wire.EncodeErrorFrame(buf, uri, msg, false)
		if err == nil {
			e.events.Commit(n)
			return
		}
		e.events.Commit(0)
	}
	n, err := wire.EncodeErrorFrame(st.pending, uri, msg, false)
	if err != nil {
		return
	}
	st.pendingLen = n
	st.pendingTries = 0
	st.pendingRotation = false
}

// emitError best-effort emits a StreamError without parking. Used where no
// stream state exists to park into, or where loss is tolerable.
func (e *Engine) emitError(uri wire.StreamURI, st *streamState, msg string, recoverable bool) {
	buf := e.events.Reserve()
	if buf == nil {
		if st != nil && !recoverable {
			e.parkError(uri, st, msg)
		}
		return
	}
	n, err := wire.EncodeErrorFrame(buf, uri, msg, recoverable)
	if err != nil {
		e.events.Commit(0)
		return
	}
	e.events.Commit(n)
}

// ActiveStreams returns the uris with live mappings. RT goroutine only.
func (e *Engine) ActiveStreams() []wire.StreamURI {
	uris := make([]wire.StreamURI, 0, len(e.streams))
	for uri := range e.streams {
		uris = append(uris, uri)
	}
	return uris
}
