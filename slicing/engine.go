package slicing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/c360/capturekit/cas"
	"github.com/c360/capturekit/errors"
	"github.com/c360/capturekit/metric"
	"github.com/c360/capturekit/stream"
	"github.com/c360/capturekit/wire"
)

// OutputKind selects between a rendered artifact and a reference manifest.
type OutputKind uint8

const (
	// OutputMaterialize renders the byte range into a new immutable artifact.
	OutputMaterialize OutputKind = iota
	// OutputVirtual returns chunk references without copying data.
	OutputVirtual
)

func (k OutputKind) String() string {
	if k == OutputVirtual {
		return "virtual"
	}
	return "materialize"
}

// Request is a time-range query against one stream.
type Request struct {
	StreamURI wire.StreamURI `json:"stream_uri"`
	From      TimeSpec       `json:"from"`
	To        TimeSpec       `json:"to"`
	Output    OutputKind     `json:"output"`
}

// Range is a half-open interval.
type Range struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Len returns the interval width.
func (r Range) Len() uint64 { return r.End - r.Start }

// ChunkSlice references a byte range within one chunk. Sealed chunks carry
// a hash; the live chunk carries its staging path instead.
type ChunkSlice struct {
	ChunkHash    cas.ContentHash `json:"chunk_hash,omitempty"`
	StagingPath  string          `json:"staging_path,omitempty"`
	ByteOffset   uint64          `json:"byte_offset"`
	ByteLength   uint64          `json:"byte_length"`
	SampleOffset uint64          `json:"sample_offset"`
	SampleLength uint64          `json:"sample_length"`
}

// VirtualManifest is the zero-copy slice form: an ordered list of chunk
// references that can be materialized later on demand.
type VirtualManifest struct {
	SourceStream     wire.StreamURI  `json:"source_stream"`
	SourceDefinition cas.ContentHash `json:"source_definition"`
	SampleRange      Range           `json:"sample_range"`
	ByteRange        Range           `json:"byte_range"`
	Chunks           []ChunkSlice    `json:"chunks"`
	Truncated        bool            `json:"truncated,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Lineage ties a materialized artifact back to its source stream.
type Lineage struct {
	Artifact     cas.ContentHash   `json:"artifact"`
	SourceStream wire.StreamURI    `json:"source_stream"`
	SampleRange  Range             `json:"sample_range"`
	SourceChunks []cas.ContentHash `json:"source_chunks"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Result is the outcome of one slice. Truncated is set when part of the
// requested range no longer exists (trimmed by retention or before the
// stream started); the returned data covers what remains.
type Result struct {
	ContentHash  cas.ContentHash   `json:"content_hash"`
	LineageHash  cas.ContentHash   `json:"lineage_hash,omitempty"`
	SampleRange  Range             `json:"sample_range"`
	ByteRange    Range             `json:"byte_range"`
	SourceChunks []cas.ContentHash `json:"source_chunks"`
	MIMEType     string            `json:"mime_type"`
	Truncated    bool              `json:"truncated,omitempty"`
}

const (
	mimeWAV          = "audio/wav"
	mimeVirtualSlice = "application/x-capturekit-virtual-slice"
)

// Engine resolves slice requests against stream manifests. Reads observe
// only published manifest snapshots, so slicing never races the writer.
type Engine struct {
	store   *cas.Store
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewEngine wires a slicing engine over content storage.
func NewEngine(store *cas.Store, logger *slog.Logger, metrics *metric.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = metric.NewMetrics()
	}
	return &Engine{
		store:   store,
		logger:  logger.With("component", "slicing"),
		metrics: metrics,
	}
}

// source bundles everything a resolution needs about one stream.
type source struct {
	manifest *stream.Manifest
	def      wire.StreamDefinition
	head     stream.Head
	// total is the highest known absolute sample position
	total uint64
}

// Resolve maps the request onto the manifest's chunk list and produces the
// requested output. head is the stream manager's cached head position; pass
// the zero value for archived streams.
func (e *Engine) Resolve(ctx context.Context, req Request, manifest *stream.Manifest, head stream.Head) (*Result, error) {
	if req.StreamURI != manifest.StreamURI {
		return nil, errors.WrapInvalid(
			fmt.Errorf("request for %s against manifest of %s", req.StreamURI, manifest.StreamURI),
			"SlicingEngine", "Resolve", "uri check")
	}
	def, err := e.loadDefinition(ctx, manifest)
	if err != nil {
		return nil, err
	}
	if def.Format.Kind != wire.KindAudio {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%s is not an audio stream, slice by byte range is not supported", req.StreamURI),
			"SlicingEngine", "Resolve", "format check")
	}

	src := source{manifest: manifest, def: def, head: head}
	src.total = head.SamplePosition
	if t := manifest.TotalSamples; t > src.total {
		src.total = t
	}

	sampleRange, truncated, err := e.resolveRange(req.From, req.To, src)
	if err != nil {
		return nil, err
	}

	slices := e.chunkSlices(src, sampleRange)
	if len(slices) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("no captured data in samples [%d, %d)", sampleRange.Start, sampleRange.End),
			"SlicingEngine", "Resolve", "range check")
	}

	var result *Result
	switch req.Output {
	case OutputMaterialize:
		result, err = e.materialize(ctx, src, sampleRange, slices)
	case OutputVirtual:
		result, err = e.virtual(ctx, src, sampleRange, slices)
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown output kind %d", req.Output),
			"SlicingEngine", "Resolve", "output check")
	}
	if err != nil {
		return nil, err
	}
	result.Truncated = truncated

	e.metrics.SlicesResolved.WithLabelValues(req.Output.String()).Inc()
	if truncated {
		e.metrics.SliceTruncated.Inc()
	}
	e.logger.Info("slice resolved",
		"stream_uri", req.StreamURI, "output", req.Output,
		"from_sample", sampleRange.Start, "to_sample", sampleRange.End,
		"chunks", len(slices), "truncated", truncated)
	return result, nil
}

// loadDefinition reads the stream definition back out of content storage.
func (e *Engine) loadDefinition(ctx context.Context, m *stream.Manifest) (wire.StreamDefinition, error) {
	data, err := e.store.Retrieve(ctx, m.DefinitionHash)
	if err != nil {
		return wire.StreamDefinition{}, err
	}
	var def wire.StreamDefinition
	if err := def.UnmarshalBinary(data); err != nil {
		return wire.StreamDefinition{}, err
	}
	return def, nil
}

// resolveRange turns the from/to specs into an absolute sample range,
// clamped to the data that still exists. The bool reports clamping.
func (e *Engine) resolveRange(from, to TimeSpec, src source) (Range, bool, error) {
	fromSample, fromClamped, err := e.resolveSpec(from, src)
	if err != nil {
		return Range{}, false, err
	}
	toSample, toClamped, err := e.resolveSpec(to, src)
	if err != nil {
		return Range{}, false, err
	}
	if fromSample >= toSample {
		return Range{}, false, errors.WrapInvalid(
			fmt.Errorf("empty range: from sample %d >= to sample %d", fromSample, toSample),
			"SlicingEngine", "resolveRange", "range check")
	}
	truncated := fromClamped || toClamped

	// Retention may have trimmed the head of the requested range
	if trimmed := src.manifest.TrimmedSamples; fromSample < trimmed {
		fromSample = trimmed
		truncated = true
		if fromSample >= toSample {
			return Range{}, false, errors.WrapInvalid(
				fmt.Errorf("requested range lies entirely before retained history (first sample %d)", trimmed),
				"SlicingEngine", "resolveRange", "retention check")
		}
	}
	return Range{Start: fromSample, End: toSample}, truncated, nil
}

// resolveSpec maps one boundary to an absolute sample position. Positions
// beyond the captured history clamp to its edges and report it.
func (e *Engine) resolveSpec(spec TimeSpec, src source) (uint64, bool, error) {
	switch spec.Kind {
	case TimeStreamStart:
		return 0, false, nil
	case TimeStreamHead:
		return src.total, false, nil
	case TimeSamplePosition:
		if spec.Sample > src.total {
			return src.total, true, nil
		}
		return spec.Sample, false, nil
	case TimeRelative:
		ago := uint64(spec.SecondsAgo * float64(src.def.Format.SampleRate))
		if ago > src.total {
			return 0, true, nil
		}
		return src.total - ago, false, nil
	case TimeAbsolute:
		return e.sampleAtWallClock(spec.At, src)
	case TimeSegmentBoundary:
		if spec.Boundary.AudioSamplePosition != nil {
			pos := *spec.Boundary.AudioSamplePosition
			if pos > src.total {
				return src.total, true, nil
			}
			return pos, false, nil
		}
		return e.sampleAtWallClock(spec.Boundary.WallClock, src)
	default:
		return 0, false, errors.WrapInvalid(
			fmt.Errorf("unknown time kind %d", spec.Kind),
			"SlicingEngine", "resolveSpec", "kind check")
	}
}

// sampleAtWallClock maps a wall-clock instant to the nearest sample using
// the head as the correlation anchor. Correlation happens here, at slice
// time, not at capture time.
func (e *Engine) sampleAtWallClock(at time.Time, src source) (uint64, bool, error) {
	if src.head.WallClock.IsZero() {
		return 0, false, errors.WrapInvalid(
			fmt.Errorf("no head position to correlate wall-clock time against"),
			"SlicingEngine", "sampleAtWallClock", "anchor check")
	}
	behind := src.head.WallClock.Sub(at).Seconds()
	if behind <= 0 {
		return src.total, behind < 0, nil
	}
	ago := uint64(behind * float64(src.def.Format.SampleRate))
	if ago > src.total {
		return 0, true, nil
	}
	return src.total - ago, false, nil
}

// chunkSlices walks the manifest and collects the byte range each chunk
// contributes to the sample range. The live staging chunk participates up
// to the head position.
func (e *Engine) chunkSlices(src source, r Range) []ChunkSlice {
	frameBytes := uint64(src.def.Format.FrameBytes())
	var out []ChunkSlice

	cursor := src.manifest.TrimmedSamples
	for _, c := range src.manifest.Chunks {
		var chunkSamples uint64
		switch c.Kind {
		case stream.KindSealed:
			chunkSamples = c.Samples
		case stream.KindStaging:
			// The live chunk holds everything past the sealed total
			if src.total <= src.manifest.SealedSamples() {
				continue
			}
			chunkSamples = src.total - src.manifest.SealedSamples()
		default:
			continue
		}
		chunkEnd := cursor + chunkSamples

		if chunkEnd > r.Start && cursor < r.End {
			sliceStart := max(r.Start, cursor) - cursor
			sliceEnd := min(r.End, chunkEnd) - cursor
			cs := ChunkSlice{
				ByteOffset:   sliceStart * frameBytes,
				ByteLength:   (sliceEnd - sliceStart) * frameBytes,
				SampleOffset: sliceStart,
				SampleLength: sliceEnd - sliceStart,
			}
			if c.Kind == stream.KindSealed {
				cs.ChunkHash = c.Hash
			} else {
				cs.StagingPath = c.Path
			}
			out = append(out, cs)
		}

		cursor = chunkEnd
		if cursor >= r.End {
			break
		}
	}
	return out
}

// materialize renders the byte range into a WAV artifact and records its
// lineage.
func (e *Engine) materialize(ctx context.Context, src source, r Range, slices []ChunkSlice) (*Result, error) {
	started := time.Now()

	var buf bytes.Buffer
	writeWAVHeader(&buf, src.def.Format, uint32(r.Len()))

	var sourceChunks []cas.ContentHash
	var bytesRead uint64
	for _, cs := range slices {
		data, err := e.readSlice(ctx, cs)
		if err != nil {
			return nil, err
		}
		buf.Write(data)
		bytesRead += uint64(len(data))
		if cs.ChunkHash != "" {
			sourceChunks = append(sourceChunks, cs.ChunkHash)
		}
	}

	artifact, err := e.store.Put(ctx, buf.Bytes())
	if err != nil {
		return nil, err
	}

	lineage := Lineage{
		Artifact:     artifact,
		SourceStream: src.manifest.StreamURI,
		SampleRange:  r,
		SourceChunks: sourceChunks,
		CreatedAt:    time.Now().UTC(),
	}
	lineageJSON, err := json.Marshal(lineage)
	if err != nil {
		return nil, errors.Wrap(err, "SlicingEngine", "materialize", "lineage encode")
	}
	lineageHash, err := e.store.Put(ctx, lineageJSON)
	if err != nil {
		return nil, err
	}

	e.metrics.SliceBytesRead.Add(float64(bytesRead))
	e.metrics.MaterializeTime.Observe(time.Since(started).Seconds())

	frameBytes := uint64(src.def.Format.FrameBytes())
	return &Result{
		ContentHash:  artifact,
		LineageHash:  lineageHash,
		SampleRange:  r,
		ByteRange:    Range{Start: r.Start * frameBytes, End: r.End * frameBytes},
		SourceChunks: sourceChunks,
		MIMEType:     mimeWAV,
	}, nil
}

// virtual stores a chunk-reference manifest with no data copy.
func (e *Engine) virtual(ctx context.Context, src source, r Range, slices []ChunkSlice) (*Result, error) {
	frameBytes := uint64(src.def.Format.FrameBytes())
	vm := VirtualManifest{
		SourceStream:     src.manifest.StreamURI,
		SourceDefinition: src.manifest.DefinitionHash,
		SampleRange:      r,
		ByteRange:        Range{Start: r.Start * frameBytes, End: r.End * frameBytes},
		Chunks:           slices,
		CreatedAt:        time.Now().UTC(),
	}
	data, err := json.Marshal(vm)
	if err != nil {
		return nil, errors.Wrap(err, "SlicingEngine", "virtual", "manifest encode")
	}
	hash, err := e.store.Put(ctx, data)
	if err != nil {
		return nil, err
	}

	var sourceChunks []cas.ContentHash
	for _, cs := range slices {
		if cs.ChunkHash != "" {
			sourceChunks = append(sourceChunks, cs.ChunkHash)
		}
	}
	return &Result{
		ContentHash:  hash,
		SampleRange:  r,
		ByteRange:    vm.ByteRange,
		SourceChunks: sourceChunks,
		MIMEType:     mimeVirtualSlice,
	}, nil
}

// Materialize renders a previously stored virtual slice on demand.
func (e *Engine) Materialize(ctx context.Context, hash cas.ContentHash) (*Result, error) {
	data, err := e.store.Retrieve(ctx, hash)
	if err != nil {
		return nil, err
	}
	var vm VirtualManifest
	if err := json.Unmarshal(data, &vm); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%s is not a virtual slice manifest: %v", hash, err),
			"SlicingEngine", "Materialize", "manifest decode")
	}

	// The definition carries the format needed for the WAV header
	defData, err := e.store.Retrieve(ctx, vm.SourceDefinition)
	if err != nil {
		return nil, err
	}
	var def wire.StreamDefinition
	if err := def.UnmarshalBinary(defData); err != nil {
		return nil, err
	}

	started := time.Now()
	var buf bytes.Buffer
	writeWAVHeader(&buf, def.Format, uint32(vm.SampleRange.Len()))

	var sourceChunks []cas.ContentHash
	for _, cs := range vm.Chunks {
		data, err := e.readSlice(ctx, cs)
		if err != nil {
			return nil, err
		}
		buf.Write(data)
		if cs.ChunkHash != "" {
			sourceChunks = append(sourceChunks, cs.ChunkHash)
		}
	}

	artifact, err := e.store.Put(ctx, buf.Bytes())
	if err != nil {
		return nil, err
	}
	e.metrics.MaterializeTime.Observe(time.Since(started).Seconds())

	return &Result{
		ContentHash:  artifact,
		SampleRange:  vm.SampleRange,
		ByteRange:    vm.ByteRange,
		SourceChunks: sourceChunks,
		MIMEType:     mimeWAV,
		Truncated:    vm.Truncated,
	}, nil
}

// readSlice pulls one chunk's byte range: sealed chunks from content
// storage, the live chunk straight from its staging file.
func (e *Engine) readSlice(ctx context.Context, cs ChunkSlice) ([]byte, error) {
	if cs.ChunkHash != "" {
		return e.store.ReadRange(ctx, cs.ChunkHash, int64(cs.ByteOffset), int64(cs.ByteLength))
	}
	f, err := os.Open(cs.StagingPath)
	if err != nil {
		return nil, errors.Wrap(err, "SlicingEngine", "readSlice", "staging open")
	}
	defer f.Close()
	buf := make([]byte, cs.ByteLength)
	if _, err := f.ReadAt(buf, int64(cs.ByteOffset)); err != nil {
		return nil, errors.Wrap(err, "SlicingEngine", "readSlice", "staging read")
	}
	return buf, nil
}
