package cas

import (
	"os"
	"path/filepath"

	"github.com/c360/capturekit/errors"
)

// StagingChunk is a handle to an in-progress staging file. The file is
// pre-sized at creation so the RT plane can map it; the handle itself is a
// control-plane object and is closed before the mapping side takes over.
type StagingChunk struct {
	// ID is the random staging identity (never content-derived).
	ID StagingID
	// Path is the location of the staging file.
	Path string

	file *os.File
	size int64
}

// Write appends data through the control-plane file handle. Streams written
// by the RT plane bypass this entirely and write via their mapping.
func (sc *StagingChunk) Write(data []byte) (int, error) {
	if sc.file == nil {
		return 0, errors.WrapInvalid(errors.ErrStagingClosed, "StagingChunk", "Write", "handle check")
	}
	n, err := sc.file.Write(data)
	if err != nil {
		return n, errors.Wrap(err, "StagingChunk", "Write", "file write")
	}
	return n, nil
}

// Sync flushes file contents to disk.
func (sc *StagingChunk) Sync() error {
	if sc.file == nil {
		return nil
	}
	if err := sc.file.Sync(); err != nil {
		return errors.Wrap(err, "StagingChunk", "Sync", "fsync")
	}
	return nil
}

// Close releases the control-plane file handle without sealing. Call this
// before handing the path to the RT plane for mapping.
func (sc *StagingChunk) Close() error {
	if sc.file == nil {
		return nil
	}
	err := sc.file.Close()
	sc.file = nil
	if err != nil {
		return errors.Wrap(err, "StagingChunk", "Close", "file close")
	}
	return nil
}

// Size returns the pre-allocated file size in bytes.
func (sc *StagingChunk) Size() int64 { return sc.size }

func createStagingFile(path string, size int64) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "Store", "CreateStaging", "shard directory create")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "Store", "CreateStaging", "staging file create")
	}
	if size > 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			os.Remove(path)
			return nil, errors.Wrap(err, "Store", "CreateStaging", "staging file pre-size")
		}
	}
	return f, nil
}
