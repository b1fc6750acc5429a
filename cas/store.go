package cas

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/c360/capturekit/errors"
)

// Store is a filesystem content-addressed store with a writable staging tree.
//
// Layout (identical sharding depth in both trees):
//
//	{root}/content/blake3/ab/cd/abcd1234...   immutable, content-addressed
//	{root}/staging/blake3/ef/01/ef012345...   writable, random-id addressed
//
// Staging files are allocated with a random identity so unrelated streams
// never contend on a shared counter, then sealed: hashed and moved into the
// content tree. A staging identity is never reused after sealing.
type Store struct {
	cfg    Config
	logger *slog.Logger

	// sealed records completed seals by staging id so that a retried seal
	// returns the original result instead of failing on the missing file.
	mu     sync.Mutex
	sealed map[StagingID]SealResult
}

// SealResult describes a completed seal.
type SealResult struct {
	Hash  ContentHash
	Path  string
	Bytes int64
}

// NewStore creates a store, creating both trees unless read-only.
func NewStore(cfg Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.ReadOnly {
		if err := os.MkdirAll(cfg.ContentDir(), 0o755); err != nil {
			return nil, errors.Wrap(err, "Store", "NewStore", "content tree create")
		}
		if err := os.MkdirAll(cfg.StagingDir(), 0o755); err != nil {
			return nil, errors.Wrap(err, "Store", "NewStore", "staging tree create")
		}
	}
	return &Store{
		cfg:    cfg,
		logger: logger,
		sealed: make(map[StagingID]SealResult),
	}, nil
}

// ContentPath returns where content for hash lives (whether or not it exists).
func (s *Store) ContentPath(hash ContentHash) string {
	s1, s2 := hash.Shards()
	return filepath.Join(s.cfg.ContentDir(), s1, s2, string(hash))
}

// StagingPath returns where the staging file for id lives.
func (s *Store) StagingPath(id StagingID) string {
	s1, s2 := id.Shards()
	return filepath.Join(s.cfg.StagingDir(), s1, s2, string(id))
}

// CreateStaging allocates a pre-sized staging file under a fresh random id.
// The returned handle's path is usable immediately - including by an RT-plane
// mapper once the handle is closed.
func (s *Store) CreateStaging(ctx context.Context, size int64) (*StagingChunk, error) {
	if s.cfg.ReadOnly {
		return nil, errors.WrapInvalid(errors.ErrReadOnlyStore, "Store", "CreateStaging", "mode check")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Store", "CreateStaging", "context check")
	}

	id := NewStagingID()
	path := s.StagingPath(id)
	f, err := createStagingFile(path, size)
	if err != nil {
		return nil, err
	}
	return &StagingChunk{ID: id, Path: path, file: f, size: size}, nil
}

// Seal hashes the first length bytes of the staging file for id and moves
// them into the content tree. The file is truncated to length first,
// discarding unwritten headroom. Seal is idempotent: retrying a completed
// seal returns the recorded result without touching the filesystem.
//
// The move is an atomic rename when both trees share a volume. Across
// volumes it falls back to copy, fsync, hash-verify, then delete-original;
// a hash mismatch after the copy is fatal, not retried.
func (s *Store) Seal(ctx context.Context, id StagingID, length int64) (SealResult, error) {
	if s.cfg.ReadOnly {
		return SealResult{}, errors.WrapInvalid(errors.ErrReadOnlyStore, "Store", "Seal", "mode check")
	}
	if err := ctx.Err(); err != nil {
		return SealResult{}, errors.WrapTransient(err, "Store", "Seal", "context check")
	}

	s.mu.Lock()
	if res, ok := s.sealed[id]; ok {
		s.mu.Unlock()
		return res, nil
	}
	s.mu.Unlock()

	stagingPath := s.StagingPath(id)
	if err := os.Truncate(stagingPath, length); err != nil {
		return SealResult{}, errors.Wrap(err, "Store", "Seal", "headroom truncate")
	}

	f, err := os.Open(stagingPath)
	if err != nil {
		return SealResult{}, errors.Wrap(err, "Store", "Seal", "staging open")
	}
	hash, n, err := HashReader(f)
	f.Close()
	if err != nil {
		return SealResult{}, err
	}

	objPath := s.ContentPath(hash)
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return SealResult{}, errors.Wrap(err, "Store", "Seal", "shard directory create")
	}

	if _, statErr := os.Stat(objPath); statErr == nil {
		// Content already exists (dedup): drop the staging copy.
		if err := os.Remove(stagingPath); err != nil {
			return SealResult{}, errors.Wrap(err, "Store", "Seal", "staging cleanup")
		}
	} else {
		switch err := os.Rename(stagingPath, objPath); {
		case err == nil:
		case errors.Is(err, unix.EXDEV):
			if err := s.sealAcrossVolumes(stagingPath, objPath, hash); err != nil {
				return SealResult{}, err
			}
		default:
			return SealResult{}, errors.Wrap(err, "Store", "Seal", "staging rename")
		}
	}

	res := SealResult{Hash: hash, Path: objPath, Bytes: n}
	s.mu.Lock()
	s.sealed[id] = res
	s.mu.Unlock()

	s.logger.Debug("sealed staging chunk", "staging_id", id, "hash", hash, "bytes", n)
	return res, nil
}

// sealAcrossVolumes copies staging content to the content tree when the two
// trees live on different filesystems, verifying the copy before removing
// the original.
func (s *Store) sealAcrossVolumes(stagingPath, objPath string, want ContentHash) error {
	src, err := os.Open(stagingPath)
	if err != nil {
		return errors.Wrap(err, "Store", "Seal", "cross-volume source open")
	}
	defer src.Close()

	dst, err := os.OpenFile(objPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "Store", "Seal", "cross-volume dest create")
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(objPath)
		return errors.Wrap(err, "Store", "Seal", "cross-volume copy")
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(objPath)
		return errors.Wrap(err, "Store", "Seal", "cross-volume fsync")
	}
	dst.Close()

	check, err := os.Open(objPath)
	if err != nil {
		return errors.Wrap(err, "Store", "Seal", "cross-volume verify open")
	}
	got, _, err := HashReader(check)
	check.Close()
	if err != nil {
		return err
	}
	if got != want {
		os.Remove(objPath)
		return errors.WrapFatal(
			fmt.Errorf("%w: want %s got %s", errors.ErrSealHashMismatch, want, got),
			"Store", "Seal", "cross-volume hash verify")
	}
	if err := os.Remove(stagingPath); err != nil {
		return errors.Wrap(err, "Store", "Seal", "cross-volume source cleanup")
	}
	return nil
}

// Put stores data directly in the content tree, returning its hash.
// Writing existing content is a no-op (content-addressed writes are
// idempotent).
func (s *Store) Put(ctx context.Context, data []byte) (ContentHash, error) {
	if s.cfg.ReadOnly {
		return "", errors.WrapInvalid(errors.ErrReadOnlyStore, "Store", "Put", "mode check")
	}
	if err := ctx.Err(); err != nil {
		return "", errors.WrapTransient(err, "Store", "Put", "context check")
	}

	hash := HashBytes(data)
	objPath := s.ContentPath(hash)
	if _, err := os.Stat(objPath); err == nil {
		return hash, nil
	}
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return "", errors.Wrap(err, "Store", "Put", "shard directory create")
	}
	tmp := objPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", errors.Wrap(err, "Store", "Put", "temp write")
	}
	if err := os.Rename(tmp, objPath); err != nil {
		os.Remove(tmp)
		return "", errors.Wrap(err, "Store", "Put", "publish rename")
	}
	return hash, nil
}

// Retrieve reads content by hash.
func (s *Store) Retrieve(ctx context.Context, hash ContentHash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Store", "Retrieve", "context check")
	}
	data, err := os.ReadFile(s.ContentPath(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %s", errors.ErrContentNotFound, hash),
				"Store", "Retrieve", "content lookup")
		}
		return nil, errors.Wrap(err, "Store", "Retrieve", "content read")
	}
	return data, nil
}

// ReadRange reads length bytes at offset from the content for hash. Used by
// the slicing engine to pull exact byte ranges without loading whole chunks.
func (s *Store) ReadRange(ctx context.Context, hash ContentHash, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Store", "ReadRange", "context check")
	}
	f, err := os.Open(s.ContentPath(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %s", errors.ErrContentNotFound, hash),
				"Store", "ReadRange", "content lookup")
		}
		return nil, errors.Wrap(err, "Store", "ReadRange", "content open")
	}
	defer f.Close()

	buf := make([]byte, length)
	if _, err := io.ReadFull(io.NewSectionReader(f, offset, length), buf); err != nil {
		return nil, errors.Wrap(err, "Store", "ReadRange", "range read")
	}
	return buf, nil
}

// Exists reports whether content for hash is present.
func (s *Store) Exists(hash ContentHash) bool {
	_, err := os.Stat(s.ContentPath(hash))
	return err == nil
}

// StagingExists reports whether a staging file for id is present.
func (s *Store) StagingExists(id StagingID) bool {
	_, err := os.Stat(s.StagingPath(id))
	return err == nil
}

// RemoveStaging deletes an unsealed staging file. Removing a missing file is
// a no-op.
func (s *Store) RemoveStaging(id StagingID) error {
	err := os.Remove(s.StagingPath(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrap(err, "Store", "RemoveStaging", "staging remove")
	}
	return nil
}

// SweepStaging removes every staging file under the staging tree and returns
// their ids. Called at startup: any staging file that survived a restart
// belongs to a chunk that was mid-write during a crash, and truncated chunks
// are discarded rather than reconstructed.
func (s *Store) SweepStaging(ctx context.Context) ([]StagingID, error) {
	if s.cfg.ReadOnly {
		return nil, errors.WrapInvalid(errors.ErrReadOnlyStore, "Store", "SweepStaging", "mode check")
	}

	var removed []StagingID
	root := s.cfg.StagingDir()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		id, parseErr := ParseStagingID(d.Name())
		if parseErr != nil {
			s.logger.Warn("foreign file in staging tree, skipping", "path", path)
			return nil
		}
		if rmErr := os.Remove(path); rmErr != nil {
			return rmErr
		}
		s.logger.Info("discarded orphaned staging chunk", "staging_id", id, "path", path)
		removed = append(removed, id)
		return nil
	})
	if err != nil {
		return removed, errors.Wrap(err, "Store", "SweepStaging", "staging walk")
	}
	return removed, nil
}
