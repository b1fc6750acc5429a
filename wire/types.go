package wire

import (
	"fmt"

	"github.com/c360/capturekit/errors"
)

// StreamURI is the stable identity of a capture stream, e.g.
// "stream://focusrite-2i2/input".
type StreamURI string

// String returns the uri string.
func (u StreamURI) String() string { return string(u) }

// Validate checks the uri is non-empty.
func (u StreamURI) Validate() error {
	if u == "" {
		return errors.WrapInvalid(errors.New("stream uri required"), "StreamURI", "Validate", "empty check")
	}
	return nil
}

// SampleFormat identifies the on-disk encoding of one audio sample.
type SampleFormat uint8

const (
	// F32LE is 32-bit little-endian IEEE float.
	F32LE SampleFormat = iota
	// S16LE is 16-bit little-endian signed integer.
	S16LE
	// S24LE is 24-bit little-endian signed integer, packed.
	S24LE
	// S32LE is 32-bit little-endian signed integer.
	S32LE
)

// BytesPerSample returns the storage width of one sample.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case F32LE, S32LE:
		return 4
	case S16LE:
		return 2
	case S24LE:
		return 3
	default:
		return 0
	}
}

// String returns the canonical format name.
func (f SampleFormat) String() string {
	switch f {
	case F32LE:
		return "f32le"
	case S16LE:
		return "s16le"
	case S24LE:
		return "s24le"
	case S32LE:
		return "s32le"
	default:
		return fmt.Sprintf("sampleformat(%d)", uint8(f))
	}
}

// FormatKind distinguishes audio streams from MIDI event streams.
type FormatKind uint8

const (
	// KindAudio streams carry interleaved PCM samples.
	KindAudio FormatKind = iota
	// KindMidi streams carry serialized MIDI events.
	KindMidi
)

// StreamFormat describes what a stream's bytes mean. Kind selects the
// variant; the audio fields are meaningful only when Kind is KindAudio.
type StreamFormat struct {
	Kind         FormatKind   `json:"kind"`
	SampleRate   uint32       `json:"sample_rate,omitempty"`
	Channels     uint16       `json:"channels,omitempty"`
	SampleFormat SampleFormat `json:"sample_format,omitempty"`
}

// Audio returns a PCM stream format.
func Audio(sampleRate uint32, channels uint16, sf SampleFormat) StreamFormat {
	return StreamFormat{Kind: KindAudio, SampleRate: sampleRate, Channels: channels, SampleFormat: sf}
}

// Midi returns a MIDI event stream format.
func Midi() StreamFormat {
	return StreamFormat{Kind: KindMidi}
}

// FrameBytes returns the byte width of one interleaved frame, or 1 for
// MIDI streams (positions are plain byte offsets there).
func (f StreamFormat) FrameBytes() int {
	if f.Kind == KindMidi {
		return 1
	}
	return int(f.Channels) * f.SampleFormat.BytesPerSample()
}

// Validate checks the format is internally consistent.
func (f StreamFormat) Validate() error {
	switch f.Kind {
	case KindMidi:
		return nil
	case KindAudio:
		if f.SampleRate == 0 {
			return errors.WrapInvalid(errors.New("sample rate required"), "StreamFormat", "Validate", "rate check")
		}
		if f.Channels == 0 {
			return errors.WrapInvalid(errors.New("at least one channel required"), "StreamFormat", "Validate", "channel check")
		}
		if f.SampleFormat.BytesPerSample() == 0 {
			return errors.WrapInvalid(errors.New("unknown sample format"), "StreamFormat", "Validate", "format check")
		}
		return nil
	default:
		return errors.WrapInvalid(errors.New("unknown format kind"), "StreamFormat", "Validate", "kind check")
	}
}

// StreamDefinition is the immutable description of a capture stream. It is
// stored once in content storage; its hash never changes for the life of
// the stream.
type StreamDefinition struct {
	URI            StreamURI    `json:"uri"`
	DeviceIdentity string       `json:"device_identity"`
	Format         StreamFormat `json:"format"`
	ChunkSizeBytes uint64       `json:"chunk_size_bytes"`
}

// Validate checks the definition.
func (d StreamDefinition) Validate() error {
	if err := d.URI.Validate(); err != nil {
		return err
	}
	if d.DeviceIdentity == "" {
		return errors.WrapInvalid(errors.New("device identity required"), "StreamDefinition", "Validate", "device check")
	}
	if err := d.Format.Validate(); err != nil {
		return err
	}
	if d.ChunkSizeBytes == 0 {
		return errors.WrapInvalid(errors.New("chunk size required"), "StreamDefinition", "Validate", "chunk size check")
	}
	return nil
}

// MarshalBinary encodes the definition in the wire framing. The encoding is
// deterministic, so the content hash of a definition is stable.
func (d StreamDefinition) MarshalBinary() ([]byte, error) {
	buf := make([]byte, definitionEncodedSize(d))
	c := cursor{buf: buf}
	putDefinition(&c, d)
	if c.err != nil {
		return nil, c.err
	}
	return buf[:c.off], nil
}

// UnmarshalBinary decodes a definition produced by MarshalBinary.
func (d *StreamDefinition) UnmarshalBinary(data []byte) error {
	c := cursor{buf: data}
	def := getDefinition(&c)
	if c.err != nil {
		return c.err
	}
	*d = def
	return nil
}
