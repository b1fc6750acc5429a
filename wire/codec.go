package wire

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/c360/capturekit/errors"
)

// Version is the framing version carried in every frame's first byte.
const Version = 1

// DefaultScratchSize is a scratch allocation large enough for any event the
// RT plane emits, assuming chunk paths stay under filesystem norms.
const DefaultScratchSize = 1024

// Frame tags. Commands occupy the low range, events the high range, so a
// misrouted frame fails fast on tag rather than decoding garbage.
const (
	tagStreamStart         = 0x01
	tagStreamSwitchChunk   = 0x02
	tagStreamStop          = 0x03
	tagStreamHeadPosition  = 0x81
	tagStreamChunkFull     = 0x82
	tagStreamError         = 0x83
	tagStreamChunkSwitched = 0x84
)

// cursor walks a frame buffer in both directions. Encode methods fail with
// ErrScratchTooSmall when the buffer runs out; decode methods fail with
// ErrShortFrame. The first failure sticks and later calls are no-ops, so
// codec paths check err once at the end.
type cursor struct {
	buf []byte
	off int
	err error
}

func (c *cursor) room(n int) bool {
	if c.err != nil {
		return false
	}
	if c.off+n > len(c.buf) {
		c.err = errors.ErrScratchTooSmall
		return false
	}
	return true
}

func (c *cursor) avail(n int) bool {
	if c.err != nil {
		return false
	}
	if c.off+n > len(c.buf) {
		c.err = errors.ErrShortFrame
		return false
	}
	return true
}

func (c *cursor) putU8(v uint8) {
	if !c.room(1) {
		return
	}
	c.buf[c.off] = v
	c.off++
}

func (c *cursor) putU16(v uint16) {
	if !c.room(2) {
		return
	}
	binary.LittleEndian.PutUint16(c.buf[c.off:], v)
	c.off += 2
}

func (c *cursor) putU32(v uint32) {
	if !c.room(4) {
		return
	}
	binary.LittleEndian.PutUint32(c.buf[c.off:], v)
	c.off += 4
}

func (c *cursor) putU64(v uint64) {
	if !c.room(8) {
		return
	}
	binary.LittleEndian.PutUint64(c.buf[c.off:], v)
	c.off += 8
}

func (c *cursor) putBool(v bool) {
	if v {
		c.putU8(1)
	} else {
		c.putU8(0)
	}
}

func (c *cursor) putString(s string) {
	if len(s) > 0xFFFF {
		c.err = errors.WrapInvalid(
			fmt.Errorf("string of %d bytes exceeds frame limit", len(s)),
			"wire", "encode", "length check")
		return
	}
	c.putU16(uint16(len(s)))
	if !c.room(len(s)) {
		return
	}
	copy(c.buf[c.off:], s)
	c.off += len(s)
}

func (c *cursor) putTime(t time.Time) {
	c.putU64(uint64(t.UnixNano()))
}

func (c *cursor) getU8() uint8 {
	if !c.avail(1) {
		return 0
	}
	v := c.buf[c.off]
	c.off++
	return v
}

func (c *cursor) getU16() uint16 {
	if !c.avail(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(c.buf[c.off:])
	c.off += 2
	return v
}

func (c *cursor) getU32() uint32 {
	if !c.avail(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(c.buf[c.off:])
	c.off += 4
	return v
}

func (c *cursor) getU64() uint64 {
	if !c.avail(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(c.buf[c.off:])
	c.off += 8
	return v
}

func (c *cursor) getBool() bool {
	return c.getU8() != 0
}

func (c *cursor) getString() string {
	n := int(c.getU16())
	if !c.avail(n) {
		return ""
	}
	s := string(c.buf[c.off : c.off+n])
	c.off += n
	return s
}

func (c *cursor) getTime() time.Time {
	return time.Unix(0, int64(c.getU64())).UTC()
}

// Definitions encode with every format field present regardless of kind so
// the layout is fixed-width past the strings and the hash of a definition
// is deterministic.

func definitionEncodedSize(d StreamDefinition) int {
	return 2 + len(d.URI) + 2 + len(d.DeviceIdentity) + 8 + 8
}

func putDefinition(c *cursor, d StreamDefinition) {
	c.putString(string(d.URI))
	c.putString(d.DeviceIdentity)
	c.putU8(uint8(d.Format.Kind))
	c.putU32(d.Format.SampleRate)
	c.putU16(d.Format.Channels)
	c.putU8(uint8(d.Format.SampleFormat))
	c.putU64(d.ChunkSizeBytes)
}

func getDefinition(c *cursor) StreamDefinition {
	var d StreamDefinition
	d.URI = StreamURI(c.getString())
	d.DeviceIdentity = c.getString()
	d.Format.Kind = FormatKind(c.getU8())
	d.Format.SampleRate = c.getU32()
	d.Format.Channels = c.getU16()
	d.Format.SampleFormat = SampleFormat(c.getU8())
	d.ChunkSizeBytes = c.getU64()
	return d
}

// EncodeCommand writes a frame for cmd into dst and returns the frame
// length. dst must be large enough; DefaultScratchSize covers every command
// with ordinary path lengths.
func EncodeCommand(dst []byte, cmd Command) (int, error) {
	c := cursor{buf: dst}
	c.putU8(Version)
	switch m := cmd.(type) {
	case StreamStart:
		c.putU8(tagStreamStart)
		c.putString(string(m.StreamURI))
		putDefinition(&c, m.Definition)
		c.putString(m.ChunkPath)
	case StreamSwitchChunk:
		c.putU8(tagStreamSwitchChunk)
		c.putString(string(m.StreamURI))
		c.putString(m.NewChunkPath)
	case StreamStop:
		c.putU8(tagStreamStop)
		c.putString(string(m.StreamURI))
	default:
		return 0, errors.WrapInvalid(errors.ErrUnknownMessageTag, "wire", "EncodeCommand", "tag dispatch")
	}
	if c.err != nil {
		return 0, errors.Wrap(c.err, "wire", "EncodeCommand", "frame write")
	}
	return c.off, nil
}

// DecodeCommand parses a command frame.
func DecodeCommand(frame []byte) (Command, error) {
	c := cursor{buf: frame}
	if v := c.getU8(); c.err == nil && v != Version {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: got %d want %d", errors.ErrWireVersion, v, Version),
			"wire", "DecodeCommand", "version check")
	}
	tag := c.getU8()
	var cmd Command
	switch tag {
	case tagStreamStart:
		m := StreamStart{StreamURI: StreamURI(c.getString())}
		m.Definition = getDefinition(&c)
		m.ChunkPath = c.getString()
		cmd = m
	case tagStreamSwitchChunk:
		cmd = StreamSwitchChunk{
			StreamURI:    StreamURI(c.getString()),
			NewChunkPath: c.getString(),
		}
	case tagStreamStop:
		cmd = StreamStop{StreamURI: StreamURI(c.getString())}
	default:
		if c.err == nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: 0x%02x", errors.ErrUnknownMessageTag, tag),
				"wire", "DecodeCommand", "tag dispatch")
		}
	}
	if c.err != nil {
		return nil, errors.WrapInvalid(c.err, "wire", "DecodeCommand", "frame read")
	}
	return cmd, nil
}

// EncodeEvent writes a frame for ev into dst and returns the frame length.
// It performs no allocation: the RT plane calls this with a pre-allocated
// scratch region (typically a ring slot) on every emit.
func EncodeEvent(dst []byte, ev Event) (int, error) {
	c := cursor{buf: dst}
	c.putU8(Version)
	switch m := ev.(type) {
	case StreamHeadPosition:
		c.putU8(tagStreamHeadPosition)
		c.putString(string(m.StreamURI))
		c.putU64(m.SamplePosition)
		c.putU64(m.BytePosition)
		c.putTime(m.WallClock)
	case StreamChunkFull:
		c.putU8(tagStreamChunkFull)
		c.putString(string(m.StreamURI))
		c.putString(m.Path)
		c.putU64(m.BytesWritten)
		c.putU64(m.SamplesWritten)
		c.putTime(m.WallClock)
	case StreamChunkSwitched:
		c.putU8(tagStreamChunkSwitched)
		c.putString(string(m.StreamURI))
		c.putString(m.RetiredPath)
		c.putU64(m.RetiredBytes)
		c.putU64(m.RetiredSamples)
		c.putU64(m.CarriedBytes)
		c.putU64(m.CarriedSamples)
		c.putTime(m.WallClock)
	case StreamError:
		c.putU8(tagStreamError)
		c.putString(string(m.StreamURI))
		c.putString(m.Error)
		c.putBool(m.Recoverable)
	default:
		return 0, errors.WrapInvalid(errors.ErrUnknownMessageTag, "wire", "EncodeEvent", "tag dispatch")
	}
	if c.err != nil {
		return 0, c.err
	}
	return c.off, nil
}

// The Encode*Frame variants below take concrete fields instead of the Event
// interface, so a hot path can emit without boxing the value. EncodeEvent
// produces the identical frame.

// EncodeHeadPositionFrame encodes a StreamHeadPosition frame into dst.
func EncodeHeadPositionFrame(dst []byte, uri StreamURI, samplePos, bytePos uint64, wall time.Time) (int, error) {
	c := cursor{buf: dst}
	c.putU8(Version)
	c.putU8(tagStreamHeadPosition)
	c.putString(string(uri))
	c.putU64(samplePos)
	c.putU64(bytePos)
	c.putTime(wall)
	if c.err != nil {
		return 0, c.err
	}
	return c.off, nil
}

// EncodeChunkFullFrame encodes a StreamChunkFull frame into dst.
func EncodeChunkFullFrame(dst []byte, uri StreamURI, path string, bytes, samples uint64, wall time.Time) (int, error) {
	c := cursor{buf: dst}
	c.putU8(Version)
	c.putU8(tagStreamChunkFull)
	c.putString(string(uri))
	c.putString(path)
	c.putU64(bytes)
	c.putU64(samples)
	c.putTime(wall)
	if c.err != nil {
		return 0, c.err
	}
	return c.off, nil
}

// EncodeChunkSwitchedFrame encodes a StreamChunkSwitched frame into dst.
func EncodeChunkSwitchedFrame(dst []byte, uri StreamURI, retiredPath string,
	retiredBytes, retiredSamples, carriedBytes, carriedSamples uint64, wall time.Time) (int, error) {
	c := cursor{buf: dst}
	c.putU8(Version)
	c.putU8(tagStreamChunkSwitched)
	c.putString(string(uri))
	c.putString(retiredPath)
	c.putU64(retiredBytes)
	c.putU64(retiredSamples)
	c.putU64(carriedBytes)
	c.putU64(carriedSamples)
	c.putTime(wall)
	if c.err != nil {
		return 0, c.err
	}
	return c.off, nil
}

// EncodeErrorFrame encodes a StreamError frame into dst.
func EncodeErrorFrame(dst []byte, uri StreamURI, msg string, recoverable bool) (int, error) {
	c := cursor{buf: dst}
	c.putU8(Version)
	c.putU8(tagStreamError)
	c.putString(string(uri))
	c.putString(msg)
	c.putBool(recoverable)
	if c.err != nil {
		return 0, c.err
	}
	return c.off, nil
}

// DecodeEvent parses an event frame. Decoding runs on the control side and
// is free to allocate.
func DecodeEvent(frame []byte) (Event, error) {
	c := cursor{buf: frame}
	if v := c.getU8(); c.err == nil && v != Version {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: got %d want %d", errors.ErrWireVersion, v, Version),
			"wire", "DecodeEvent", "version check")
	}
	tag := c.getU8()
	var ev Event
	switch tag {
	case tagStreamHeadPosition:
		ev = StreamHeadPosition{
			StreamURI:      StreamURI(c.getString()),
			SamplePosition: c.getU64(),
			BytePosition:   c.getU64(),
			WallClock:      c.getTime(),
		}
	case tagStreamChunkFull:
		ev = StreamChunkFull{
			StreamURI:      StreamURI(c.getString()),
			Path:           c.getString(),
			BytesWritten:   c.getU64(),
			SamplesWritten: c.getU64(),
			WallClock:      c.getTime(),
		}
	case tagStreamChunkSwitched:
		ev = StreamChunkSwitched{
			StreamURI:      StreamURI(c.getString()),
			RetiredPath:    c.getString(),
			RetiredBytes:   c.getU64(),
			RetiredSamples: c.getU64(),
			CarriedBytes:   c.getU64(),
			CarriedSamples: c.getU64(),
			WallClock:      c.getTime(),
		}
	case tagStreamError:
		ev = StreamError{
			StreamURI:   StreamURI(c.getString()),
			Error:       c.getString(),
			Recoverable: c.getBool(),
		}
	default:
		if c.err == nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: 0x%02x", errors.ErrUnknownMessageTag, tag),
				"wire", "DecodeEvent", "tag dispatch")
		}
	}
	if c.err != nil {
		return nil, errors.WrapInvalid(c.err, "wire", "DecodeEvent", "frame read")
	}
	return ev, nil
}
