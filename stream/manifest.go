package stream

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360/capturekit/cas"
	"github.com/c360/capturekit/errors"
	"github.com/c360/capturekit/wire"
)

// ChunkKind tags a manifest entry as sealed content or the live staging
// chunk.
type ChunkKind string

const (
	// KindSealed entries reference immutable content storage.
	KindSealed ChunkKind = "sealed"
	// KindStaging is the single in-progress chunk being written by the RT
	// plane.
	KindStaging ChunkKind = "staging"
)

// ChunkRef is one entry in a manifest's ordered chunk list.
type ChunkRef struct {
	Kind ChunkKind `json:"kind"`

	// Sealed entries
	Hash cas.ContentHash `json:"hash,omitempty"`

	// Staging entries
	StagingID cas.StagingID `json:"staging_id,omitempty"`
	Path      string        `json:"path,omitempty"`

	// Counts: final for sealed entries, last-reported for staging.
	Bytes   uint64 `json:"bytes"`
	Samples uint64 `json:"samples"`
}

// SealedRef builds a sealed entry.
func SealedRef(hash cas.ContentHash, bytes, samples uint64) ChunkRef {
	return ChunkRef{Kind: KindSealed, Hash: hash, Bytes: bytes, Samples: samples}
}

// StagingRef builds a staging entry.
func StagingRef(id cas.StagingID, path string) ChunkRef {
	return ChunkRef{Kind: KindStaging, StagingID: id, Path: path}
}

// Manifest is the durable record of one stream's chunk history. It is
// append-only except for retention trimming of the oldest sealed entries.
// Mutation is single-writer; readers only ever observe fully-published
// snapshots.
type Manifest struct {
	StreamURI      wire.StreamURI  `json:"stream_uri"`
	DefinitionHash cas.ContentHash `json:"definition_hash"`
	Chunks         []ChunkRef      `json:"chunks"`

	// Totals cover everything ever sealed, including trimmed chunks.
	TotalBytes   uint64 `json:"total_bytes"`
	TotalSamples uint64 `json:"total_samples"`

	// Trimmed counts record the prefix removed by retention, so position
	// arithmetic stays valid after trimming.
	TrimmedChunks  int    `json:"trimmed_chunks,omitempty"`
	TrimmedBytes   uint64 `json:"trimmed_bytes,omitempty"`
	TrimmedSamples uint64 `json:"trimmed_samples,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	LastUpdated time.Time `json:"last_updated"`

	// Archived is set on stop; an archived manifest gains no more chunks.
	Archived   bool       `json:"archived,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// Validate checks manifest invariants: at most one staging entry, and only
// in final position; sealed entries carry hashes; staging entries carry ids.
func (m *Manifest) Validate() error {
	if m.StreamURI == "" {
		return errors.WrapInvalid(errors.ErrManifestCorrupted, "Manifest", "Validate", "uri check")
	}
	for i, c := range m.Chunks {
		switch c.Kind {
		case KindSealed:
			if c.Hash == "" {
				return errors.WrapInvalid(
					fmt.Errorf("%w: sealed chunk %d missing hash", errors.ErrManifestCorrupted, i),
					"Manifest", "Validate", "chunk check")
			}
		case KindStaging:
			if i != len(m.Chunks)-1 {
				return errors.WrapInvalid(
					fmt.Errorf("%w: staging chunk %d is not final", errors.ErrManifestCorrupted, i),
					"Manifest", "Validate", "chunk order check")
			}
			if c.StagingID == "" || c.Path == "" {
				return errors.WrapInvalid(
					fmt.Errorf("%w: staging chunk missing identity", errors.ErrManifestCorrupted),
					"Manifest", "Validate", "chunk check")
			}
		default:
			return errors.WrapInvalid(
				fmt.Errorf("%w: unknown chunk kind %q", errors.ErrManifestCorrupted, c.Kind),
				"Manifest", "Validate", "kind check")
		}
	}
	return nil
}

// Staging returns the live staging entry, if any.
func (m *Manifest) Staging() (ChunkRef, bool) {
	if n := len(m.Chunks); n > 0 && m.Chunks[n-1].Kind == KindStaging {
		return m.Chunks[n-1], true
	}
	return ChunkRef{}, false
}

// SealedBytes returns the byte total across sealed entries still in the
// manifest plus the trimmed prefix.
func (m *Manifest) SealedBytes() uint64 {
	total := m.TrimmedBytes
	for _, c := range m.Chunks {
		if c.Kind == KindSealed {
			total += c.Bytes
		}
	}
	return total
}

// SealedSamples is the sample-count analog of SealedBytes.
func (m *Manifest) SealedSamples() uint64 {
	total := m.TrimmedSamples
	for _, c := range m.Chunks {
		if c.Kind == KindSealed {
			total += c.Samples
		}
	}
	return total
}

// manifestFileName flattens a stream uri into a filesystem-safe name.
func manifestFileName(uri wire.StreamURI) string {
	s := strings.TrimPrefix(string(uri), "stream://")
	s = strings.ReplaceAll(s, "/", "_")
	return s + ".json"
}

// ManifestPath returns where the manifest for uri lives under dir.
func ManifestPath(dir string, uri wire.StreamURI) string {
	return filepath.Join(dir, manifestFileName(uri))
}

// LoadManifest reads and validates the published manifest for uri.
func LoadManifest(dir string, uri wire.StreamURI) (*Manifest, error) {
	data, err := os.ReadFile(ManifestPath(dir, uri))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %s", errors.ErrStreamNotFound, uri),
				"Manifest", "LoadManifest", "manifest lookup")
		}
		return nil, errors.Wrap(err, "Manifest", "LoadManifest", "manifest read")
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrManifestCorrupted, err),
			"Manifest", "LoadManifest", "manifest decode")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// publishManifest writes the manifest atomically: temp file in the same
// directory, fsync, rename. Readers never observe a partial write.
func publishManifest(dir string, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "Manifest", "publishManifest", "manifest dir create")
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "Manifest", "publishManifest", "manifest encode")
	}

	final := ManifestPath(dir, m.StreamURI)
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "Manifest", "publishManifest", "temp create")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "Manifest", "publishManifest", "temp write")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "Manifest", "publishManifest", "temp fsync")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "Manifest", "publishManifest", "temp close")
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "Manifest", "publishManifest", "publish rename")
	}
	return nil
}

// ListManifests returns every stream uri with a published manifest in dir.
func ListManifests(dir string) ([]wire.StreamURI, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "Manifest", "ListManifests", "dir read")
	}
	var uris []wire.StreamURI
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		// Filenames flatten uris lossily, so recover the uri from content.
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, errors.Wrap(err, "Manifest", "ListManifests", "manifest read")
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil || m.StreamURI == "" {
			continue
		}
		uris = append(uris, m.StreamURI)
	}
	return uris, nil
}
