package slicing

import (
	"bytes"
	"encoding/binary"

	"github.com/c360/capturekit/wire"
)

const (
	wavFormatPCM       = 1
	wavFormatIEEEFloat = 3
)

// writeWAVHeader emits a canonical 44-byte RIFF/WAVE header for the format.
// Float formats use the IEEE-float format tag, integer formats plain PCM.
func writeWAVHeader(buf *bytes.Buffer, format wire.StreamFormat, sampleCount uint32) {
	bytesPerSample := uint16(format.SampleFormat.BytesPerSample())
	channels := format.Channels
	blockAlign := channels * bytesPerSample
	byteRate := format.SampleRate * uint32(blockAlign)
	dataSize := sampleCount * uint32(blockAlign)

	formatTag := uint16(wavFormatPCM)
	if format.SampleFormat == wire.F32LE {
		formatTag = wavFormatIEEEFloat
	}

	buf.WriteString("RIFF")
	le32(buf, 36+dataSize)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	le32(buf, 16)
	le16(buf, formatTag)
	le16(buf, channels)
	le32(buf, format.SampleRate)
	le32(buf, byteRate)
	le16(buf, blockAlign)
	le16(buf, bytesPerSample*8)

	buf.WriteString("data")
	le32(buf, dataSize)
}

func le16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func le32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
