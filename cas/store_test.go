package cas

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/capturekit/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(DefaultConfig(t.TempDir()), nil)
	require.NoError(t, err)
	return store
}

func TestHashFormat(t *testing.T) {
	h := HashBytes([]byte("Hello, World!"))
	assert.Len(t, string(h), 32)

	parsed, err := ParseHash(string(h))
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
}

func TestHashDeterministic(t *testing.T) {
	assert.Equal(t, HashBytes([]byte("test data")), HashBytes([]byte("test data")))
	assert.NotEqual(t, HashBytes([]byte("data a")), HashBytes([]byte("data b")))
}

func TestParseHashRejectsBadInput(t *testing.T) {
	_, err := ParseHash("short")
	assert.ErrorIs(t, err, errors.ErrInvalidHash)

	_, err = ParseHash("zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz")
	assert.ErrorIs(t, err, errors.ErrInvalidHash)
}

func TestStagingIDUniqueRandom(t *testing.T) {
	a, b := NewStagingID(), NewStagingID()
	assert.NotEqual(t, a, b)
	assert.Len(t, string(a), 32)
}

func TestPutRetrieveRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	data := []byte("round trip payload")
	hash, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.True(t, store.Exists(hash))

	got, err := store.Retrieve(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRetrieveMissingContent(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Retrieve(context.Background(), HashBytes([]byte("never stored")))
	assert.ErrorIs(t, err, errors.ErrContentNotFound)
}

func TestShardedLayout(t *testing.T) {
	store := newTestStore(t)
	hash, err := store.Put(context.Background(), []byte("layout check"))
	require.NoError(t, err)

	s1, s2 := hash.Shards()
	want := filepath.Join(store.cfg.Root, "content", Algorithm, s1, s2, string(hash))
	assert.Equal(t, want, store.ContentPath(hash))
	_, statErr := os.Stat(want)
	assert.NoError(t, statErr)
}

func TestSealRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunk, err := store.CreateStaging(ctx, 0)
	require.NoError(t, err)
	payload := []byte("seal me please")
	_, err = chunk.Write(payload)
	require.NoError(t, err)
	require.NoError(t, chunk.Close())

	res, err := store.Seal(ctx, chunk.ID, int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, HashBytes(payload), res.Hash)
	assert.Equal(t, int64(len(payload)), res.Bytes)

	// Sealed address reads back byte-identical
	got, err := store.Retrieve(ctx, res.Hash)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Staging file is gone, identity retired
	assert.False(t, store.StagingExists(chunk.ID))
}

func TestSealDiscardsHeadroom(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Pre-sized staging file with headroom beyond the written payload
	chunk, err := store.CreateStaging(ctx, 1024)
	require.NoError(t, err)
	payload := []byte("short payload in a roomy file")
	_, err = chunk.Write(payload)
	require.NoError(t, err)
	require.NoError(t, chunk.Close())

	res, err := store.Seal(ctx, chunk.ID, int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, HashBytes(payload), res.Hash)

	got, err := store.Retrieve(ctx, res.Hash)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestSealIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunk, err := store.CreateStaging(ctx, 0)
	require.NoError(t, err)
	payload := []byte("idempotent seal")
	_, err = chunk.Write(payload)
	require.NoError(t, err)
	require.NoError(t, chunk.Close())

	first, err := store.Seal(ctx, chunk.ID, int64(len(payload)))
	require.NoError(t, err)

	// Retried seal returns the same result without a second write
	second, err := store.Seal(ctx, chunk.ID, int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSealDedupAgainstExistingContent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	payload := []byte("duplicate content")
	hash, err := store.Put(ctx, payload)
	require.NoError(t, err)

	chunk, err := store.CreateStaging(ctx, 0)
	require.NoError(t, err)
	_, err = chunk.Write(payload)
	require.NoError(t, err)
	require.NoError(t, chunk.Close())

	res, err := store.Seal(ctx, chunk.ID, int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, hash, res.Hash)
	assert.False(t, store.StagingExists(chunk.ID))
}

func TestConcurrentStagingAllocation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	ids := make([]StagingID, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			chunk, err := store.CreateStaging(ctx, 64)
			if assert.NoError(t, err) {
				ids[i] = chunk.ID
				chunk.Close()
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[StagingID]bool)
	for _, id := range ids {
		assert.False(t, seen[id], "staging id collision: %s", id)
		seen[id] = true
	}
}

func TestReadRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	hash, err := store.Put(ctx, []byte("0123456789"))
	require.NoError(t, err)

	got, err := store.ReadRange(ctx, hash, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("3456"), got)
}

func TestReadOnlyStoreRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	rw, err := NewStore(DefaultConfig(dir), nil)
	require.NoError(t, err)
	hash, err := rw.Put(context.Background(), []byte("visible to readers"))
	require.NoError(t, err)

	ro, err := NewStore(Config{Root: dir, ReadOnly: true}, nil)
	require.NoError(t, err)

	_, err = ro.Put(context.Background(), []byte("nope"))
	assert.ErrorIs(t, err, errors.ErrReadOnlyStore)
	_, err = ro.CreateStaging(context.Background(), 0)
	assert.ErrorIs(t, err, errors.ErrReadOnlyStore)

	got, err := ro.Retrieve(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("visible to readers"), got)
}

func TestSweepStagingDiscardsOrphans(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Simulate a crash: staging files left behind, never sealed
	a, err := store.CreateStaging(ctx, 128)
	require.NoError(t, err)
	a.Close()
	b, err := store.CreateStaging(ctx, 128)
	require.NoError(t, err)
	b.Close()

	removed, err := store.SweepStaging(ctx)
	require.NoError(t, err)
	assert.Len(t, removed, 2)
	assert.False(t, store.StagingExists(a.ID))
	assert.False(t, store.StagingExists(b.ID))

	// Sweep of a clean tree removes nothing
	removed, err = store.SweepStaging(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestStagingWriteAfterCloseFails(t *testing.T) {
	store := newTestStore(t)
	chunk, err := store.CreateStaging(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, chunk.Close())

	_, err = chunk.Write([]byte("late"))
	assert.ErrorIs(t, err, errors.ErrStagingClosed)
}
