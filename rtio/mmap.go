package rtio

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/c360/capturekit/errors"
)

// chunkMapping is a writable memory mapping over one staging chunk file.
// The file descriptor is closed right after mapping; the mapping keeps the
// pages alive. The mapping spans the whole pre-sized file: nominal chunk
// size plus headroom.
type chunkMapping struct {
	path string
	data []byte
}

// mapChunk opens and maps the file at path. The file must already exist at
// its final size; the RT plane never creates, truncates, renames, or
// deletes files.
func mapChunk(path string) (*chunkMapping, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "rtio", "mapChunk", "chunk open")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "rtio", "mapChunk", "chunk stat")
	}
	size := int(info.Size())
	if size == 0 {
		return nil, errors.WrapInvalid(errors.New("chunk file is empty"), "rtio", "mapChunk", "size check")
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "rtio", "mapChunk", "mmap")
	}
	return &chunkMapping{path: path, data: data}, nil
}

// flush schedules dirty pages for writeback. Synchronous so a closed chunk
// is durable before the control plane seals it.
func (m *chunkMapping) flush() error {
	if m.data == nil {
		return nil
	}
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return errors.Wrap(err, "rtio", "flush", "msync")
	}
	return nil
}

// close flushes and unmaps. Safe to call twice.
func (m *chunkMapping) close() error {
	if m.data == nil {
		return nil
	}
	flushErr := m.flush()
	data := m.data
	m.data = nil
	if err := unix.Munmap(data); err != nil {
		return errors.Wrap(err, "rtio", "close", "munmap")
	}
	return flushErr
}

// size returns the mapped length: nominal chunk size plus headroom.
func (m *chunkMapping) size() int { return len(m.data) }
