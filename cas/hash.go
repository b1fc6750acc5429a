package cas

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"github.com/c360/capturekit/errors"
)

// Algorithm names the hashing scheme used by both storage trees. It appears
// as the first path element under the content and staging roots.
const Algorithm = "blake3"

// hashHexLen is the length of a content hash in hex characters: BLAKE3
// truncated to 128 bits. Truncation keeps addresses human-manageable while
// retaining ample collision resistance for content addressing.
const hashHexLen = 32

// ContentHash is a BLAKE3 content hash truncated to 128 bits (32 hex chars).
type ContentHash string

// HashBytes hashes data and returns its content hash.
func HashBytes(data []byte) ContentHash {
	sum := blake3.Sum256(data)
	return ContentHash(hex.EncodeToString(sum[:16]))
}

// HashReader hashes a stream and returns its content hash and byte count.
func HashReader(r io.Reader) (ContentHash, int64, error) {
	h := blake3.New(32, nil)
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, errors.Wrap(err, "ContentHash", "HashReader", "read")
	}
	sum := h.Sum(nil)
	return ContentHash(hex.EncodeToString(sum[:16])), n, nil
}

// ParseHash validates a hash string and returns it as a ContentHash.
func ParseHash(s string) (ContentHash, error) {
	if len(s) != hashHexLen {
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: expected %d hex chars, got %d", errors.ErrInvalidHash, hashHexLen, len(s)),
			"ContentHash", "ParseHash", "length check")
	}
	s = strings.ToLower(s)
	if _, err := hex.DecodeString(s); err != nil {
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: non-hex character", errors.ErrInvalidHash),
			"ContentHash", "ParseHash", "hex check")
	}
	return ContentHash(s), nil
}

// String returns the hash as its hex form.
func (h ContentHash) String() string { return string(h) }

// Shards returns the two fixed-depth sharding directories for this hash.
func (h ContentHash) Shards() (string, string) {
	return string(h[0:2]), string(h[2:4])
}

// StagingID is a random identity with the same shape as a ContentHash, so
// staging files can be addressed before their content hash is known and both
// trees share one sharding scheme. IDs are never derived from a counter:
// unrelated streams must be able to allocate concurrently without contention.
type StagingID string

// NewStagingID generates a fresh random staging identity.
func NewStagingID() StagingID {
	u := uuid.New()
	sum := blake3.Sum256(u[:])
	return StagingID(hex.EncodeToString(sum[:16]))
}

// ParseStagingID validates a staging id string.
func ParseStagingID(s string) (StagingID, error) {
	h, err := ParseHash(s)
	if err != nil {
		return "", err
	}
	return StagingID(h), nil
}

// String returns the id as its hex form.
func (id StagingID) String() string { return string(id) }

// Shards returns the two sharding directories for this id.
func (id StagingID) Shards() (string, string) {
	return string(id[0:2]), string(id[2:4])
}
