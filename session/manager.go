package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/capturekit/cas"
	"github.com/c360/capturekit/errors"
	"github.com/c360/capturekit/metric"
	"github.com/c360/capturekit/stream"
	"github.com/c360/capturekit/wire"
)

// StreamControl is the slice of the stream manager that sessions drive.
type StreamControl interface {
	ActiveStreams() []wire.StreamURI
	Create(ctx context.Context, def wire.StreamDefinition) error
	Head(uri wire.StreamURI) (stream.Head, error)
	ManifestSnapshot(uri wire.StreamURI) (*stream.Manifest, error)
}

// Manager owns the capture-session lifecycle: Stopped and Recording, with
// one open segment at most. Stopping is final for the segment, never for
// the session; Play after Stop opens a new segment with a real gap.
type Manager struct {
	store   *cas.Store
	streams StreamControl
	logger  *slog.Logger
	metrics *metric.Metrics

	mu       sync.RWMutex
	sessions map[ID]*Session
}

// NewManager wires a session manager over content storage and stream control.
func NewManager(store *cas.Store, streams StreamControl, logger *slog.Logger, metrics *metric.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = metric.NewMetrics()
	}
	return &Manager{
		store:    store,
		streams:  streams,
		logger:   logger.With("component", "sessionmgr"),
		metrics:  metrics,
		sessions: make(map[ID]*Session),
	}
}

// Create registers a new session over the given streams. The session starts
// Stopped; call Play to begin recording.
func (m *Manager) Create(mode Mode, streams []wire.StreamURI) (ID, error) {
	if len(streams) == 0 {
		return "", errors.WrapInvalid(
			fmt.Errorf("session needs at least one stream"),
			"SessionManager", "Create", "stream check")
	}
	for _, uri := range streams {
		if err := uri.Validate(); err != nil {
			return "", err
		}
	}
	if err := mode.Validate(streams); err != nil {
		return "", err
	}

	id := NewID()
	s := &Session{
		ID:       id,
		Mode:     mode,
		Streams:  append([]wire.StreamURI(nil), streams...),
		Timeline: NewTimeline(),
		Status:   StatusStopped,
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.metrics.SessionsActive.Inc()
	m.logger.Info("session created",
		"session_id", id, "mode", mode.Kind, "streams", len(streams))
	return id, nil
}

// Play opens a new segment and starts recording. Member streams that are
// not running are restarted from their recorded definitions.
func (m *Manager) Play(ctx context.Context, id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	if s.Status == StatusRecording {
		return errors.WrapInvalid(
			fmt.Errorf("session %s is already recording", id),
			"SessionManager", "Play", "status check")
	}

	if err := m.ensureStreamsStarted(ctx, s); err != nil {
		return err
	}

	snapshot := m.snapshot(s, CheckpointStart)
	segment := Segment{
		ID:        SegmentIDFor(s.ID, len(s.Segments)),
		StartedAt: snapshot,
	}
	if start, err := m.liveChunkIndex(s.PrimaryStream()); err == nil {
		segment.ChunkRange = ChunkRange{Start: start, End: start}
	} else {
		m.logger.Warn("live chunk index unavailable, segment range starts at zero",
			"session_id", id, "stream_uri", s.PrimaryStream(), "error", err)
	}
	s.Segments = append(s.Segments, segment)
	s.Timeline.Add(snapshot)
	s.Status = StatusRecording

	m.metrics.SegmentsOpened.Inc()
	m.logger.Info("segment opened",
		"session_id", id, "segment_id", segment.ID, "chunk_start", segment.ChunkRange.Start)
	return nil
}

// Stop closes the open segment with a closing snapshot and stops recording.
// Pausing is the same operation. The session stays registered and can be
// resumed with Play.
func (m *Manager) Stop(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	if s.Status == StatusStopped {
		return nil
	}

	snapshot := m.snapshot(s, CheckpointEnd)
	if seg := s.CurrentSegment(); seg != nil {
		seg.EndedAt = &snapshot
		if end, err := m.chunkCount(s.PrimaryStream()); err == nil {
			seg.ChunkRange.End = end
		} else {
			m.logger.Warn("chunk count unavailable, segment range left open",
				"session_id", id, "stream_uri", s.PrimaryStream(), "error", err)
		}
	}
	s.Timeline.Add(snapshot)
	s.Status = StatusStopped

	m.logger.Info("session stopped", "session_id", id, "segments", len(s.Segments))
	return nil
}

// Pause is Stop under another name. There is no paused state.
func (m *Manager) Pause(id ID) error { return m.Stop(id) }

// ObserveRotation records a chunk rotation on the timeline of every
// recording session that contains uri, and extends the open segment's
// range when uri is the session's primary stream.
func (m *Manager) ObserveRotation(uri wire.StreamURI, samplePosition uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if s.Status != StatusRecording || !containsURI(s.Streams, uri) {
			continue
		}
		s.Timeline.Add(SnapshotNow(CheckpointRotation).WithAudioPosition(samplePosition))
		if seg := s.CurrentSegment(); seg != nil && s.PrimaryStream() == uri {
			if end, err := m.chunkCount(uri); err == nil {
				seg.ChunkRange.End = end
			}
		}
	}
}

// Export archives the session as a content artifact and returns its hash.
// The session stays registered; exporting a recording session captures its
// state at this instant.
func (m *Manager) Export(ctx context.Context, id ID) (cas.ContentHash, error) {
	m.mu.RLock()
	s, err := m.lookup(id)
	if err != nil {
		m.mu.RUnlock()
		return "", err
	}
	data, err := json.Marshal(s)
	m.mu.RUnlock()
	if err != nil {
		return "", errors.Wrap(err, "SessionManager", "Export", "session encode")
	}

	hash, err := m.store.Put(ctx, data)
	if err != nil {
		return "", err
	}
	m.logger.Info("session exported", "session_id", id, "hash", hash)
	return hash, nil
}

// Remove drops a stopped session from the registry.
func (m *Manager) Remove(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	if s.Status == StatusRecording {
		return errors.WrapInvalid(
			fmt.Errorf("session %s is recording, stop it first", id),
			"SessionManager", "Remove", "status check")
	}
	delete(m.sessions, id)
	m.metrics.SessionsActive.Dec()
	return nil
}

// Get returns a deep copy of the session.
func (m *Manager) Get(id ID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return copySession(s), nil
}

// Status returns the session's lifecycle state.
func (m *Manager) Status(id ID) (Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.lookup(id)
	if err != nil {
		return StatusStopped, err
	}
	return s.Status, nil
}

// ActiveSessions lists registered session ids.
func (m *Manager) ActiveSessions() []ID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]ID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// lookup requires m.mu held.
func (m *Manager) lookup(id ID) (*Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: session %s", errors.ErrSessionNotFound, id),
			"SessionManager", "lookup", "session lookup")
	}
	return s, nil
}

// ensureStreamsStarted restarts member streams that are not running, using
// the definition recorded in each stream's manifest.
func (m *Manager) ensureStreamsStarted(ctx context.Context, s *Session) error {
	active := make(map[wire.StreamURI]bool)
	for _, uri := range m.streams.ActiveStreams() {
		active[uri] = true
	}
	for _, uri := range s.Streams {
		if active[uri] {
			continue
		}
		def, err := m.recordedDefinition(ctx, uri)
		if err != nil {
			return err
		}
		if err := m.streams.Create(ctx, def); err != nil {
			return err
		}
		m.logger.Info("restarted member stream", "session_id", s.ID, "stream_uri", uri)
	}
	return nil
}

// recordedDefinition loads the stream's definition back out of content
// storage via its manifest.
func (m *Manager) recordedDefinition(ctx context.Context, uri wire.StreamURI) (wire.StreamDefinition, error) {
	manifest, err := m.streams.ManifestSnapshot(uri)
	if err != nil {
		return wire.StreamDefinition{}, err
	}
	data, err := m.store.Retrieve(ctx, manifest.DefinitionHash)
	if err != nil {
		return wire.StreamDefinition{}, err
	}
	var def wire.StreamDefinition
	if err := def.UnmarshalBinary(data); err != nil {
		return wire.StreamDefinition{}, err
	}
	return def, nil
}

// snapshot captures the clocks visible right now for this session.
func (m *Manager) snapshot(s *Session, cp Checkpoint) ClockSnapshot {
	snap := SnapshotNow(cp)
	if head, err := m.streams.Head(s.PrimaryStream()); err == nil {
		snap = snap.WithAudioPosition(head.SamplePosition)
	}
	return snap
}

// chunkCount returns the absolute chunk count of a stream, trimmed chunks
// included.
func (m *Manager) chunkCount(uri wire.StreamURI) (int, error) {
	manifest, err := m.streams.ManifestSnapshot(uri)
	if err != nil {
		return 0, err
	}
	return manifest.TrimmedChunks + len(manifest.Chunks), nil
}

// liveChunkIndex returns the absolute index of the chunk that will receive
// the next write: the staging chunk when one is open, one past the end
// otherwise.
func (m *Manager) liveChunkIndex(uri wire.StreamURI) (int, error) {
	manifest, err := m.streams.ManifestSnapshot(uri)
	if err != nil {
		return 0, err
	}
	count := manifest.TrimmedChunks + len(manifest.Chunks)
	if _, ok := manifest.Staging(); ok {
		return count - 1, nil
	}
	return count, nil
}

func copySession(s *Session) *Session {
	out := *s
	out.Streams = append([]wire.StreamURI(nil), s.Streams...)
	out.Segments = append([]Segment(nil), s.Segments...)
	out.Timeline.Snapshots = append([]ClockSnapshot(nil), s.Timeline.Snapshots...)
	return &out
}
