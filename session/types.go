package session

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360/capturekit/errors"
	"github.com/c360/capturekit/wire"
)

// ID identifies a capture session.
type ID string

// NewID generates a unique session id.
func NewID() ID {
	u := uuid.New()
	return ID(fmt.Sprintf("session-%d-%s", time.Now().UnixMilli(), hex.EncodeToString(u[:])))
}

func (id ID) String() string { return string(id) }

// SegmentID identifies a segment within a session.
type SegmentID string

// SegmentIDFor derives the id of the index-th segment of a session.
func SegmentIDFor(id ID, index int) SegmentID {
	return SegmentID(fmt.Sprintf("%s-seg-%d", id, index))
}

func (id SegmentID) String() string { return string(id) }

// ModeKind discriminates the session mode.
type ModeKind uint8

const (
	// ModePassive captures continuously for retrospective slicing.
	ModePassive ModeKind = iota
	// ModeRequestResponse sends MIDI on one stream and captures the
	// audio response on another.
	ModeRequestResponse
)

func (k ModeKind) String() string {
	switch k {
	case ModePassive:
		return "passive"
	case ModeRequestResponse:
		return "request_response"
	default:
		return fmt.Sprintf("mode(%d)", uint8(k))
	}
}

// Mode describes how a session operates. MidiOut and AudioIn are set only
// for request/response sessions.
type Mode struct {
	Kind    ModeKind       `json:"kind"`
	MidiOut wire.StreamURI `json:"midi_out,omitempty"`
	AudioIn wire.StreamURI `json:"audio_in,omitempty"`
}

// Passive returns the continuous-capture mode.
func Passive() Mode {
	return Mode{Kind: ModePassive}
}

// RequestResponse returns the send-and-capture mode over the given streams.
func RequestResponse(midiOut, audioIn wire.StreamURI) Mode {
	return Mode{Kind: ModeRequestResponse, MidiOut: midiOut, AudioIn: audioIn}
}

// Validate checks the mode against the session's member streams.
func (m Mode) Validate(streams []wire.StreamURI) error {
	switch m.Kind {
	case ModePassive:
		return nil
	case ModeRequestResponse:
		if m.MidiOut == "" || m.AudioIn == "" {
			return errors.WrapInvalid(
				fmt.Errorf("request_response mode needs midi_out and audio_in"),
				"Session", "Validate", "mode check")
		}
		if !containsURI(streams, m.MidiOut) || !containsURI(streams, m.AudioIn) {
			return errors.WrapInvalid(
				fmt.Errorf("request_response streams must be session members"),
				"Session", "Validate", "mode check")
		}
		return nil
	default:
		return errors.WrapInvalid(
			fmt.Errorf("unknown session mode %d", m.Kind),
			"Session", "Validate", "mode check")
	}
}

func containsURI(streams []wire.StreamURI, uri wire.StreamURI) bool {
	for _, s := range streams {
		if s == uri {
			return true
		}
	}
	return false
}

// Status is the session lifecycle state. There is no paused state: pausing
// is stopping, and a later Play opens a new segment.
type Status uint8

const (
	StatusStopped Status = iota
	StatusRecording
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusRecording:
		return "recording"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Checkpoint labels a timeline snapshot.
type Checkpoint string

const (
	CheckpointStart    Checkpoint = "start"
	CheckpointEnd      Checkpoint = "end"
	CheckpointRotation Checkpoint = "rotation"
)

// ClockSnapshot correlates the independent clock domains at one instant.
// Positions that were not observable at capture time stay nil; correlation
// to a specific clock happens at slice time.
type ClockSnapshot struct {
	Checkpoint          Checkpoint `json:"checkpoint"`
	WallClock           time.Time  `json:"wall_clock"`
	AudioSamplePosition *uint64    `json:"audio_sample_position,omitempty"`
	MidiClockTicks      *uint64    `json:"midi_clock_ticks,omitempty"`
}

// SnapshotNow captures the wall clock under the given checkpoint label.
func SnapshotNow(cp Checkpoint) ClockSnapshot {
	return ClockSnapshot{Checkpoint: cp, WallClock: time.Now().UTC()}
}

// WithAudioPosition attaches an audio sample position.
func (c ClockSnapshot) WithAudioPosition(pos uint64) ClockSnapshot {
	c.AudioSamplePosition = &pos
	return c
}

// WithMidiTicks attaches a MIDI clock tick count.
func (c ClockSnapshot) WithMidiTicks(ticks uint64) ClockSnapshot {
	c.MidiClockTicks = &ticks
	return c
}

// Timeline accumulates clock snapshots over the session's life.
type Timeline struct {
	StartedAt time.Time       `json:"started_at"`
	Snapshots []ClockSnapshot `json:"clock_snapshots"`
}

// NewTimeline starts a timeline with an opening snapshot.
func NewTimeline() Timeline {
	now := time.Now().UTC()
	return Timeline{
		StartedAt: now,
		Snapshots: []ClockSnapshot{{Checkpoint: CheckpointStart, WallClock: now}},
	}
}

// Add appends a snapshot.
func (t *Timeline) Add(s ClockSnapshot) {
	t.Snapshots = append(t.Snapshots, s)
}

// ChunkRange is a half-open range of absolute chunk indices on the session's
// primary stream. Indices count trimmed chunks, so they stay stable under
// retention.
type ChunkRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Segment is one contiguous recording interval.
type Segment struct {
	ID         SegmentID      `json:"id"`
	StartedAt  ClockSnapshot  `json:"started_at"`
	EndedAt    *ClockSnapshot `json:"ended_at,omitempty"`
	ChunkRange ChunkRange     `json:"chunk_range"`
}

// Active reports whether the segment is still open.
func (s *Segment) Active() bool { return s.EndedAt == nil }

// Session groups streams into one capture with segments and a multi-clock
// timeline. Gaps between segments are real: downstream consumers stitch
// them using clock data, the engine never hides them.
type Session struct {
	ID       ID               `json:"id"`
	Mode     Mode             `json:"mode"`
	Streams  []wire.StreamURI `json:"streams"`
	Segments []Segment        `json:"segments"`
	Timeline Timeline         `json:"timeline"`
	Status   Status           `json:"status"`
}

// CurrentSegment returns the open segment, if any.
func (s *Session) CurrentSegment() *Segment {
	if n := len(s.Segments); n > 0 && s.Segments[n-1].Active() {
		return &s.Segments[n-1]
	}
	return nil
}

// PrimaryStream is the stream whose chunk indices anchor segment ranges:
// the audio-in stream for request/response sessions, the first member
// otherwise.
func (s *Session) PrimaryStream() wire.StreamURI {
	if s.Mode.Kind == ModeRequestResponse {
		return s.Mode.AudioIn
	}
	if len(s.Streams) > 0 {
		return s.Streams[0]
	}
	return ""
}
