package wire

// Command is a control-plane instruction to the RT plane. The set is
// closed: decoding rejects unknown tags rather than carrying opaque
// payloads.
type Command interface {
	// URI returns the stream the command addresses.
	URI() StreamURI

	isCommand()
}

// StreamStart opens a stream: the RT plane maps ChunkPath and begins
// accepting samples for the given definition.
type StreamStart struct {
	StreamURI  StreamURI        `json:"stream_uri"`
	Definition StreamDefinition `json:"definition"`
	ChunkPath  string           `json:"chunk_path"`
}

// StreamSwitchChunk rotates the active mapping: the RT plane moves any
// writes beyond the nominal size into NewChunkPath, closes its current
// chunk file, and answers with StreamChunkSwitched. Sent in response to
// StreamChunkFull; the old path belongs to the control plane only once the
// confirmation arrives.
type StreamSwitchChunk struct {
	StreamURI    StreamURI `json:"stream_uri"`
	NewChunkPath string    `json:"new_chunk_path"`
}

// StreamStop flushes and closes the stream, returning it to idle.
type StreamStop struct {
	StreamURI StreamURI `json:"stream_uri"`
}

func (c StreamStart) URI() StreamURI       { return c.StreamURI }
func (c StreamSwitchChunk) URI() StreamURI { return c.StreamURI }
func (c StreamStop) URI() StreamURI        { return c.StreamURI }

func (StreamStart) isCommand()       {}
func (StreamSwitchChunk) isCommand() {}
func (StreamStop) isCommand()        {}
