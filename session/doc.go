// Package session groups capture streams into sessions with segments and
// a multi-clock timeline.
//
// A session is Stopped or Recording, nothing else. Play opens a segment
// with a fresh clock snapshot and makes sure member streams are running;
// Stop closes the segment with a closing snapshot. Playing again later
// opens a new segment, leaving a genuine gap between the two. Gaps are
// stitched by downstream consumers using the timeline's clock data.
//
// Clock correlation is deferred: snapshots record whichever positions were
// observable at the boundary, and mapping wall-clock ranges to sample
// positions happens at slice time.
package session
