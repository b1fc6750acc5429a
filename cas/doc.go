// Package cas implements the content-addressed staging store backing stream
// capture.
//
// # Overview
//
// Two filesystem trees share one hashing and sharding scheme:
//
//	{root}/content/blake3/<shard>/<shard>/<hash>   immutable, content-addressed
//	{root}/staging/blake3/<shard>/<shard>/<id>     writable, random-id addressed
//
// A staging file is allocated under a random identity (CreateStaging), written
// incrementally - by this process or by an RT-plane writer through a mapping -
// and then sealed (Seal): its content is hashed with BLAKE3 (truncated to 128
// bits) and atomically moved into the content tree. Because staging ids share
// the hash's shape, addresses are structurally uniform across both trees.
//
// # Sealing guarantees
//
//   - Idempotent: sealing an already-sealed id returns the recorded result
//     and performs no second write.
//   - Atomic: rename on the same volume; across volumes copy + fsync +
//     hash-verify + delete-original, where a verify mismatch is fatal.
//   - Deduplicating: sealing content that already exists reuses the existing
//     object and discards the staging copy.
//
// # Crash recovery
//
// SweepStaging discards every staging file at startup. A chunk truncated by a
// crash is never reconstructed; the stream manager allocates a fresh staging
// chunk on the next stream start.
package cas
