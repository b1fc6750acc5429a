package rtio

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/capturekit/wire"
)

const testURI = wire.StreamURI("stream://focusrite-2i2/input")

// stereo f32 at 48kHz: 8 bytes per frame
func testDef(chunkSize uint64) wire.StreamDefinition {
	return wire.StreamDefinition{
		URI:            testURI,
		DeviceIdentity: "focusrite-2i2",
		Format:         wire.Audio(48000, 2, wire.F32LE),
		ChunkSizeBytes: chunkSize,
	}
}

// newChunkFile creates a pre-sized file the way the control plane would:
// nominal chunk size plus headroom.
func newChunkFile(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunk")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, nil)
	require.NoError(t, err)
	return e
}

func startStream(t *testing.T, e *Engine, def wire.StreamDefinition, path string) {
	t.Helper()
	require.NoError(t, e.Submit(wire.StreamStart{StreamURI: def.URI, Definition: def, ChunkPath: path}))
	e.Process(time.Now())
}

func drain(e *Engine) []wire.Event {
	var events []wire.Event
	e.DrainEvents(func(ev wire.Event) { events = append(events, ev) })
	return events
}

func TestStartWriteStop(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	path := newChunkFile(t, 4096)
	startStream(t, e, testDef(2048), path)

	frame := make([]byte, 512)
	for i := range frame {
		frame[i] = byte(i)
	}
	e.WriteSamples(testURI, frame, time.Now())

	// Bytes land in the mapped file
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, frame, data[:512])

	require.NoError(t, e.Submit(wire.StreamStop{StreamURI: testURI}))
	e.Process(time.Now())

	// Stop confirmation: final head position with closing counters
	events := drain(e)
	require.NotEmpty(t, events)
	head, ok := events[len(events)-1].(wire.StreamHeadPosition)
	require.True(t, ok)
	assert.Equal(t, uint64(512), head.BytePosition)
	assert.Equal(t, uint64(64), head.SamplePosition)
	assert.Empty(t, e.ActiveStreams())
}

func TestChunkFullEmittedOnceNearBoundary(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	// 512KB nominal with 128KB headroom
	nominal := uint64(512 * 1024)
	path := newChunkFile(t, int64(nominal)+128*1024)
	startStream(t, e, testDef(nominal), path)

	// Write 600KB in 4KB frames: one ChunkFull near the boundary, the rest
	// absorbed by headroom.
	frame := make([]byte, 4096)
	for written := 0; written < 600*1024; written += len(frame) {
		e.WriteSamples(testURI, frame, time.Now())
	}

	var fulls []wire.StreamChunkFull
	for _, ev := range drain(e) {
		if cf, ok := ev.(wire.StreamChunkFull); ok {
			fulls = append(fulls, cf)
		}
	}
	require.Len(t, fulls, 1)
	assert.Equal(t, path, fulls[0].Path)
	assert.GreaterOrEqual(t, fulls[0].BytesWritten, nominal)
	assert.Less(t, fulls[0].BytesWritten, nominal+uint64(len(frame)))
}

func TestSwitchChunkResetsAndContinues(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	first := newChunkFile(t, 1024+256)
	second := newChunkFile(t, 1024+256)
	startStream(t, e, testDef(1024), first)

	frame := make([]byte, 512)
	e.WriteSamples(testURI, frame, time.Now())
	e.WriteSamples(testURI, frame, time.Now()) // crosses nominal, emits full

	require.NoError(t, e.Submit(wire.StreamSwitchChunk{StreamURI: testURI, NewChunkPath: second}))
	e.Process(time.Now())
	e.WriteSamples(testURI, frame, time.Now())
	e.WriteSamples(testURI, frame, time.Now()) // second chunk crosses nominal too

	var fulls []wire.StreamChunkFull
	var switches []wire.StreamChunkSwitched
	for _, ev := range drain(e) {
		switch m := ev.(type) {
		case wire.StreamChunkFull:
			fulls = append(fulls, m)
		case wire.StreamChunkSwitched:
			switches = append(switches, m)
		}
	}
	require.Len(t, fulls, 2)
	assert.Equal(t, first, fulls[0].Path)
	assert.Equal(t, second, fulls[1].Path)
	// Cumulative positions cross chunks; per-chunk counters reset
	assert.Equal(t, uint64(1024), fulls[1].BytesWritten)

	// Nothing ran past nominal, so the handover confirms exact counts and
	// carries nothing forward.
	require.Len(t, switches, 1)
	assert.Equal(t, first, switches[0].RetiredPath)
	assert.Equal(t, uint64(1024), switches[0].RetiredBytes)
	assert.Equal(t, uint64(128), switches[0].RetiredSamples)
	assert.Zero(t, switches[0].CarriedBytes)
}

func TestSwitchCarriesHeadroomOverflow(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	first := newChunkFile(t, 1024+256)
	second := newChunkFile(t, 1024+256)
	startStream(t, e, testDef(1024), first)

	// 1200 bytes before the switch lands: 176 run past nominal into
	// headroom.
	payload := make([]byte, 1200)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	e.WriteSamples(testURI, payload[:400], time.Now())
	e.WriteSamples(testURI, payload[400:800], time.Now())
	e.WriteSamples(testURI, payload[800:], time.Now())

	require.NoError(t, e.Submit(wire.StreamSwitchChunk{StreamURI: testURI, NewChunkPath: second}))
	e.Process(time.Now())

	var switched wire.StreamChunkSwitched
	found := false
	for _, ev := range drain(e) {
		if sw, ok := ev.(wire.StreamChunkSwitched); ok {
			switched = sw
			found = true
		}
	}
	require.True(t, found)
	assert.Equal(t, first, switched.RetiredPath)
	assert.Equal(t, uint64(1024), switched.RetiredBytes)
	assert.Equal(t, uint64(128), switched.RetiredSamples)
	assert.Equal(t, uint64(176), switched.CarriedBytes)
	assert.Equal(t, uint64(22), switched.CarriedSamples)

	// The overflow moved into the new chunk and later writes land after it
	tail := make([]byte, 80)
	for i := range tail {
		tail[i] = 0xAB
	}
	e.WriteSamples(testURI, tail, time.Now())

	data, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, payload[1024:], data[:176])
	assert.Equal(t, tail, data[176:256])

	// The retired file keeps the nominal prefix untouched
	old, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, payload[:1024], old[:1024])
}

func TestHeadroomExhaustionHaltsStream(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	// 1KB nominal, only 256 bytes headroom
	path := newChunkFile(t, 1024+256)
	startStream(t, e, testDef(1024), path)

	frame := make([]byte, 512)
	for i := 0; i < 4; i++ { // 2KB offered, headroom gone partway
		e.WriteSamples(testURI, frame, time.Now())
	}

	var errs []wire.StreamError
	for _, ev := range drain(e) {
		if se, ok := ev.(wire.StreamError); ok {
			errs = append(errs, se)
		}
	}
	require.Len(t, errs, 1)
	assert.False(t, errs[0].Recoverable)

	// Halted stream keeps dropping frames but stays resident until stop
	e.WriteSamples(testURI, frame, time.Now())
	assert.Contains(t, e.ActiveStreams(), testURI)

	// No silent resumption: a late switch is ignored
	fresh := newChunkFile(t, 1024+256)
	require.NoError(t, e.Submit(wire.StreamSwitchChunk{StreamURI: testURI, NewChunkPath: fresh}))
	e.Process(time.Now())
	e.WriteSamples(testURI, frame, time.Now())
	assert.Empty(t, drain(e))
}

func TestUnknownStreamSkipped(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	e.WriteSamples("stream://nobody/home", make([]byte, 64), time.Now())
	assert.Equal(t, uint64(1), e.SkippedWrites())
	assert.Empty(t, drain(e))
}

func TestChunkFullRetriedThenFatalOnStuckRing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventRingSlots = 1 // single slot so the ring jams trivially
	cfg.ChunkFullRetries = 3
	e := newTestEngine(t, cfg)
	path := newChunkFile(t, 1024+512)
	startStream(t, e, testDef(1024), path)

	// Jam the ring with an undrained head position
	e.lastHead = time.Time{}
	e.WriteSamples(testURI, make([]byte, 8), time.Now())
	e.Process(time.Now().Add(time.Second))
	require.Equal(t, 1, e.events.Len())

	// Cross the boundary: chunk-full cannot be queued, parks for retry
	e.WriteSamples(testURI, make([]byte, 1024), time.Now())
	for i := 0; i < cfg.ChunkFullRetries; i++ {
		e.Process(time.Now())
	}

	// Retry budget exhausted without delivery: stream is halted
	e.WriteSamples(testURI, make([]byte, 8), time.Now())
	st := e.streams[testURI]
	require.NotNil(t, st)
	assert.True(t, st.halted)

	// Once the control plane drains, the parked fatal error gets through
	first := drain(e)
	require.NotEmpty(t, first)
	e.Process(time.Now())
	var sawFatal bool
	for _, ev := range drain(e) {
		if se, ok := ev.(wire.StreamError); ok && !se.Recoverable {
			sawFatal = true
		}
	}
	assert.True(t, sawFatal)
}

func TestHeadPositionCadence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeadInterval = 100 * time.Millisecond
	e := newTestEngine(t, cfg)
	path := newChunkFile(t, 4096)
	startStream(t, e, testDef(2048), path)

	base := time.Now()
	e.WriteSamples(testURI, make([]byte, 64), base)
	e.Process(base.Add(150 * time.Millisecond))
	e.Process(base.Add(160 * time.Millisecond)) // within the interval, no emit
	e.Process(base.Add(300 * time.Millisecond))

	var heads []wire.StreamHeadPosition
	for _, ev := range drain(e) {
		if hp, ok := ev.(wire.StreamHeadPosition); ok {
			heads = append(heads, hp)
		}
	}
	require.Len(t, heads, 2)
	assert.Equal(t, uint64(64), heads[0].BytePosition)
	assert.Equal(t, uint64(8), heads[0].SamplePosition)
}

func TestDuplicateStartRejected(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	path := newChunkFile(t, 4096)
	startStream(t, e, testDef(2048), path)
	startStream(t, e, testDef(2048), newChunkFile(t, 4096))

	var errs []wire.StreamError
	for _, ev := range drain(e) {
		if se, ok := ev.(wire.StreamError); ok {
			errs = append(errs, se)
		}
	}
	require.Len(t, errs, 1)
	assert.True(t, errs[0].Recoverable)
	assert.Contains(t, e.ActiveStreams(), testURI)
}

func TestWriteSamplesDoesNotAllocate(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	path := newChunkFile(t, 1024*1024)
	startStream(t, e, testDef(512*1024), path)

	frame := make([]byte, 256)
	now := time.Now()
	allocs := testing.AllocsPerRun(100, func() {
		e.WriteSamples(testURI, frame, now)
	})
	assert.Zero(t, allocs)
}

func TestMidiStreamCountsBytesNotSamples(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	def := wire.StreamDefinition{
		URI:            "stream://mpk-mini/midi",
		DeviceIdentity: "mpk-mini",
		Format:         wire.Midi(),
		ChunkSizeBytes: 1024,
	}
	path := newChunkFile(t, 2048)
	startStream(t, e, def, path)

	e.WriteSamples(def.URI, []byte{0x90, 0x3C, 0x64}, time.Now())
	require.NoError(t, e.Submit(wire.StreamStop{StreamURI: def.URI}))
	e.Process(time.Now())

	events := drain(e)
	require.NotEmpty(t, events)
	head, ok := events[len(events)-1].(wire.StreamHeadPosition)
	require.True(t, ok)
	assert.Equal(t, uint64(3), head.BytePosition)
	assert.Equal(t, uint64(0), head.SamplePosition)
}
