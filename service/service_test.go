package service

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/capturekit/cas"
	"github.com/c360/capturekit/config"
	"github.com/c360/capturekit/rtio"
	"github.com/c360/capturekit/session"
	"github.com/c360/capturekit/slicing"
	"github.com/c360/capturekit/wire"
)

const testURI = wire.StreamURI("stream://focusrite-2i2/input")

func testDef(uri wire.StreamURI) wire.StreamDefinition {
	return wire.StreamDefinition{
		URI:            uri,
		DeviceIdentity: "focusrite-2i2",
		Format:         wire.Audio(48000, 1, wire.F32LE),
		ChunkSizeBytes: 1024,
	}
}

type fixture struct {
	svc   *Service
	eng   *rtio.Engine
	store *cas.Store
	cfg   *config.Config
}

// newFixture builds a service over a real engine and store. The test
// goroutine plays the hardware callback: it owns Process and the writes,
// while the service's control loop drains events concurrently.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	cfg, err := config.NewLoader().Load()
	require.NoError(t, err)
	cfg.Node.ID = "test-node"
	cfg.CAS.Root = root
	cfg.Stream.ManifestDir = filepath.Join(root, "manifests")
	cfg.Stream.StopGrace = 500 * time.Millisecond

	store, err := cas.NewStore(cas.DefaultConfig(root), nil)
	require.NoError(t, err)
	eng, err := rtio.NewEngine(cfg.RTIO, nil)
	require.NoError(t, err)

	svc, err := New(Dependencies{Config: cfg, Store: store, Engine: eng},
		WithDrainInterval(5*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	return &fixture{svc: svc, eng: eng, store: store, cfg: cfg}
}

// tick runs one callback's worth of RT housekeeping.
func (fx *fixture) tick() {
	fx.eng.Process(time.Now())
}

// write pushes data through the callback path in frame-aligned blocks.
func (fx *fixture) write(uri wire.StreamURI, data []byte) {
	const block = 400
	for off := 0; off < len(data); off += block {
		end := min(off+block, len(data))
		fx.tick()
		fx.svc.WriteSamples(uri, data[off:end], time.Now())
	}
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestStartRejectsDoubleStart(t *testing.T) {
	fx := newFixture(t)
	require.Error(t, fx.svc.Start(context.Background()))
}

func TestCaptureRotatesAndSeals(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.svc.StreamCreate(ctx, testDef(testURI)))
	fx.tick()

	data := pattern(1200)
	fx.write(testURI, data)

	require.Eventually(t, func() bool {
		fx.tick()
		st, err := fx.svc.StreamStatus(testURI)
		return err == nil && st.ChunkCount == 2
	}, 5*time.Second, 5*time.Millisecond, "chunk-full should seal and rotate")

	// Only the nominal 1024 bytes seal; the 176-byte overflow rides along
	// into the next staging chunk.
	st, err := fx.svc.StreamStatus(testURI)
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), st.TotalBytes)

	manifest, err := fx.svc.streams.ManifestSnapshot(testURI)
	require.NoError(t, err)
	require.Len(t, manifest.Chunks, 2)

	sealed := manifest.Chunks[0]
	assert.Equal(t, uint64(1024), sealed.Bytes)
	got, err := fx.store.Retrieve(ctx, sealed.Hash)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data[:1024], got), "sealed content must match what was written")

	staging := manifest.Chunks[1]
	stagingData, err := os.ReadFile(staging.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data[1024:], stagingData[:176]), "overflow must carry into the new chunk")
}

func TestStopArchivesManifest(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.svc.StreamCreate(ctx, testDef(testURI)))
	fx.tick()
	fx.svc.WriteSamples(testURI, pattern(80), time.Now())

	type stopResult struct {
		hash cas.ContentHash
		err  error
	}
	done := make(chan stopResult, 1)
	go func() {
		hash, err := fx.svc.StreamStop(ctx, testURI)
		done <- stopResult{hash, err}
	}()

	var res stopResult
	require.Eventually(t, func() bool {
		fx.tick()
		select {
		case res = <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, res.err)
	assert.True(t, fx.store.Exists(res.hash), "archived manifest must live in content storage")
	assert.Empty(t, fx.svc.ActiveStreams())
}

func TestSliceStoppedStream(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.svc.StreamCreate(ctx, testDef(testURI)))
	fx.tick()
	fx.svc.WriteSamples(testURI, pattern(80), time.Now())

	done := make(chan error, 1)
	go func() {
		_, err := fx.svc.StreamStop(ctx, testURI)
		done <- err
	}()
	require.Eventually(t, func() bool {
		fx.tick()
		select {
		case err := <-done:
			require.NoError(t, err)
			return true
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)

	res, err := fx.svc.StreamSlice(ctx, slicing.Request{
		StreamURI: testURI,
		From:      slicing.StartOfStream(),
		To:        slicing.HeadOfStream(),
		Output:    slicing.OutputMaterialize,
	})
	require.NoError(t, err)
	assert.Equal(t, "audio/wav", res.MIMEType)
	assert.Equal(t, uint64(20), res.SampleRange.Len(), "80 bytes of mono f32 is 20 samples")
	assert.False(t, res.Truncated)
	assert.True(t, fx.store.Exists(res.ContentHash))
}

func TestSessionLifecycle(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.svc.StreamCreate(ctx, testDef(testURI)))
	fx.tick()

	id, err := fx.svc.SessionCreate(ctx, session.Passive(), []wire.StreamURI{testURI})
	require.NoError(t, err)
	require.NoError(t, fx.svc.SessionPlay(ctx, id))

	fx.write(testURI, pattern(1200))

	require.Eventually(t, func() bool {
		fx.tick()
		st, err := fx.svc.StreamStatus(testURI)
		return err == nil && st.ChunkCount == 2
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, fx.svc.SessionStop(ctx, id))

	sess, err := fx.svc.SessionGet(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusStopped, sess.Status)
	require.Len(t, sess.Segments, 1)

	seg := sess.Segments[0]
	assert.False(t, seg.Active())
	assert.Equal(t, 0, seg.ChunkRange.Start)
	assert.Equal(t, 2, seg.ChunkRange.End, "segment covers both chunks of the window")
	assert.GreaterOrEqual(t, len(sess.Timeline.Snapshots), 3, "start, rotation, end")

	hash, err := fx.svc.SessionExport(ctx, id)
	require.NoError(t, err)
	assert.True(t, fx.store.Exists(hash))

	require.NoError(t, fx.svc.SessionRemove(ctx, id))
	_, err = fx.svc.SessionGet(id)
	require.Error(t, err)
}

func TestStreamFailureDoesNotTouchSiblings(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	good := wire.StreamURI("stream://focusrite-2i2/input")
	bad := wire.StreamURI("stream://focusrite-2i2/loopback")
	require.NoError(t, fx.svc.StreamCreate(ctx, testDef(good)))
	require.NoError(t, fx.svc.StreamCreate(ctx, testDef(bad)))
	fx.tick()

	// Overrun the bad stream's whole staging allocation in one block so
	// headroom runs out before any switch can arrive.
	fx.svc.WriteSamples(bad, pattern(1400), time.Now())
	fx.svc.WriteSamples(good, pattern(400), time.Now())
	fx.tick()

	require.Eventually(t, func() bool {
		fx.tick()
		st, err := fx.svc.StreamStatus(bad)
		return err == nil && st.Halted
	}, 5*time.Second, 5*time.Millisecond)

	st, err := fx.svc.StreamStatus(good)
	require.NoError(t, err)
	assert.False(t, st.Halted)

	require.Eventually(t, func() bool {
		fx.tick()
		head, err := fx.svc.StreamHead(good)
		return err == nil && head.BytePosition == 400
	}, 5*time.Second, 5*time.Millisecond, "sibling keeps reporting progress")
}
