package stream

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/capturekit/errors"
	"github.com/c360/capturekit/wire"
)

func sampleManifest() *Manifest {
	now := time.Now().UTC().Truncate(time.Second)
	return &Manifest{
		StreamURI:      testURI,
		DefinitionHash: "0123456789abcdef0123456789abcdef",
		Chunks: []ChunkRef{
			SealedRef("aaaa000000000000000000000000aaaa", 1024, 128),
			SealedRef("bbbb000000000000000000000000bbbb", 1024, 128),
			StagingRef("cccc000000000000000000000000cccc", "/tmp/staging/c"),
		},
		TotalBytes:   2048,
		TotalSamples: 256,
		StartedAt:    now,
		LastUpdated:  now,
	}
}

func TestPublishLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := sampleManifest()
	require.NoError(t, publishManifest(dir, m))

	loaded, err := LoadManifest(dir, testURI)
	require.NoError(t, err)
	assert.Equal(t, m, loaded)

	// Republish overwrites atomically
	m.TotalBytes = 4096
	require.NoError(t, publishManifest(dir, m))
	loaded, err = LoadManifest(dir, testURI)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), loaded.TotalBytes)
}

func TestLoadManifestMissing(t *testing.T) {
	_, err := LoadManifest(t.TempDir(), testURI)
	assert.ErrorIs(t, err, errors.ErrStreamNotFound)
}

func TestLoadManifestRejectsCorruptJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(ManifestPath(dir, testURI), []byte("{not json"), 0o644))
	_, err := LoadManifest(dir, testURI)
	assert.ErrorIs(t, err, errors.ErrManifestCorrupted)
}

func TestValidateOrdering(t *testing.T) {
	m := sampleManifest()
	require.NoError(t, m.Validate())

	// Staging anywhere but the final position is corrupt
	m.Chunks[0], m.Chunks[2] = m.Chunks[2], m.Chunks[0]
	assert.ErrorIs(t, m.Validate(), errors.ErrManifestCorrupted)

	// Sealed entries need a hash
	m = sampleManifest()
	m.Chunks[1].Hash = ""
	assert.ErrorIs(t, m.Validate(), errors.ErrManifestCorrupted)

	// Unknown kinds are corrupt
	m = sampleManifest()
	m.Chunks[0].Kind = ChunkKind("frozen")
	assert.ErrorIs(t, m.Validate(), errors.ErrManifestCorrupted)
}

func TestSealedTotalsIncludeTrimmedPrefix(t *testing.T) {
	m := sampleManifest()
	assert.Equal(t, uint64(2048), m.SealedBytes())
	assert.Equal(t, uint64(256), m.SealedSamples())

	m.TrimmedChunks = 3
	m.TrimmedBytes = 3072
	m.TrimmedSamples = 384
	assert.Equal(t, uint64(2048+3072), m.SealedBytes())
	assert.Equal(t, uint64(256+384), m.SealedSamples())
}

func TestStagingAccessor(t *testing.T) {
	m := sampleManifest()
	ref, ok := m.Staging()
	require.True(t, ok)
	assert.Equal(t, "/tmp/staging/c", ref.Path)

	m.Chunks = m.Chunks[:2]
	_, ok = m.Staging()
	assert.False(t, ok)
}

func TestListManifestsReadsURIsFromContent(t *testing.T) {
	dir := t.TempDir()
	first := sampleManifest()
	require.NoError(t, publishManifest(dir, first))

	second := sampleManifest()
	second.StreamURI = wire.StreamURI("stream://scarlett-18i20/line-3")
	second.Chunks = nil
	require.NoError(t, publishManifest(dir, second))

	uris, err := ListManifests(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []wire.StreamURI{first.StreamURI, second.StreamURI}, uris)
}
