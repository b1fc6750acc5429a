// Package slicing resolves time-range queries against stream manifests.
//
// A boundary can be an absolute wall-clock instant, a relative "N seconds
// ago", a raw sample position, or a session segment boundary. Wall-clock
// boundaries are correlated to sample positions at slice time using the
// stream's head position as the anchor. Sealed chunks are read from
// content storage; the live chunk is read straight from its staging file
// without waiting for it to seal.
//
// When part of a requested range was trimmed by retention or predates the
// stream, the engine returns a partial result with Truncated set instead
// of failing or fabricating data.
package slicing
