package slicing

import (
	"fmt"
	"time"

	"github.com/c360/capturekit/session"
)

// TimeKind discriminates the ways a slice boundary can be expressed.
type TimeKind uint8

const (
	// TimeStreamStart is the beginning of the stream's captured history.
	TimeStreamStart TimeKind = iota
	// TimeStreamHead is the current head of a live stream.
	TimeStreamHead
	// TimeSamplePosition is an absolute sample position.
	TimeSamplePosition
	// TimeAbsolute is a wall-clock instant, mapped to the nearest sample
	// at slice time.
	TimeAbsolute
	// TimeRelative is "N seconds ago" from the stream head.
	TimeRelative
	// TimeSegmentBoundary is a session segment's clock snapshot.
	TimeSegmentBoundary
)

func (k TimeKind) String() string {
	switch k {
	case TimeStreamStart:
		return "stream_start"
	case TimeStreamHead:
		return "stream_head"
	case TimeSamplePosition:
		return "sample_position"
	case TimeAbsolute:
		return "absolute"
	case TimeRelative:
		return "relative"
	case TimeSegmentBoundary:
		return "segment_boundary"
	default:
		return fmt.Sprintf("time_kind(%d)", uint8(k))
	}
}

// TimeSpec is one slice boundary. Use the constructors; only the fields for
// the chosen kind are meaningful.
type TimeSpec struct {
	Kind       TimeKind              `json:"kind"`
	Sample     uint64                `json:"sample,omitempty"`
	At         time.Time             `json:"at,omitempty"`
	SecondsAgo float64               `json:"seconds_ago,omitempty"`
	Boundary   session.ClockSnapshot `json:"boundary,omitempty"`
}

// StartOfStream addresses the oldest captured data.
func StartOfStream() TimeSpec { return TimeSpec{Kind: TimeStreamStart} }

// HeadOfStream addresses the live head.
func HeadOfStream() TimeSpec { return TimeSpec{Kind: TimeStreamHead} }

// AtSample addresses an absolute sample position.
func AtSample(pos uint64) TimeSpec {
	return TimeSpec{Kind: TimeSamplePosition, Sample: pos}
}

// AtTime addresses a wall-clock instant.
func AtTime(t time.Time) TimeSpec {
	return TimeSpec{Kind: TimeAbsolute, At: t}
}

// Ago addresses a point the given number of seconds before the head.
func Ago(seconds float64) TimeSpec {
	return TimeSpec{Kind: TimeRelative, SecondsAgo: seconds}
}

// AtBoundary addresses a session segment boundary by its clock snapshot.
func AtBoundary(snap session.ClockSnapshot) TimeSpec {
	return TimeSpec{Kind: TimeSegmentBoundary, Boundary: snap}
}
