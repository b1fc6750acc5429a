package service

import (
	"context"

	"github.com/c360/capturekit/cas"
	"github.com/c360/capturekit/slicing"
	"github.com/c360/capturekit/stream"
)

// StreamSlice resolves a time-range query against a stream's history.
// Active streams are sliced against their live manifest snapshot and
// head; stopped streams against the archived manifest on disk.
func (s *Service) StreamSlice(ctx context.Context, req slicing.Request) (*slicing.Result, error) {
	manifest, head, err := s.sliceSource(req)
	if err != nil {
		return nil, err
	}
	return s.slicer.Resolve(ctx, req, manifest, head)
}

// SliceMaterialize renders a previously stored virtual slice into a
// concrete artifact.
func (s *Service) SliceMaterialize(ctx context.Context, hash cas.ContentHash) (*slicing.Result, error) {
	return s.slicer.Materialize(ctx, hash)
}

func (s *Service) sliceSource(req slicing.Request) (*stream.Manifest, stream.Head, error) {
	// Live for active streams, published for stopped ones.
	manifest, err := s.streams.ManifestSnapshot(req.StreamURI)
	if err != nil {
		return nil, stream.Head{}, err
	}

	if head, err := s.streams.Head(req.StreamURI); err == nil {
		return manifest, head, nil
	}

	// A stopped stream's head is wherever its final seal left it.
	head := stream.Head{
		SamplePosition: manifest.TotalSamples,
		BytePosition:   manifest.TotalBytes,
		WallClock:      manifest.LastUpdated,
		UpdatedAt:      manifest.LastUpdated,
	}
	return manifest, head, nil
}
