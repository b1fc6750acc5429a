package service

import (
	"context"
	"time"

	"github.com/c360/capturekit/cas"
	"github.com/c360/capturekit/stream"
	"github.com/c360/capturekit/wire"
)

// StreamCreate registers a stream and starts its RT writer. A stream
// with an archived manifest and the same definition resumes where it
// left off.
func (s *Service) StreamCreate(ctx context.Context, def wire.StreamDefinition) error {
	return s.streams.Create(ctx, def)
}

// StreamStop stops a stream, seals whatever the final chunk holds, and
// returns the content hash of the archived manifest.
func (s *Service) StreamStop(ctx context.Context, uri wire.StreamURI) (cas.ContentHash, error) {
	hash, err := s.streams.Stop(ctx, uri)
	if err != nil {
		return "", err
	}
	s.logger.Info("stream stopped", "stream", uri, "manifest", hash)
	return hash, nil
}

// StreamStatus reports the live view of an active stream.
func (s *Service) StreamStatus(uri wire.StreamURI) (stream.Status, error) {
	return s.streams.Status(uri)
}

// StreamHead returns the last reported write cursor of an active stream.
func (s *Service) StreamHead(uri wire.StreamURI) (stream.Head, error) {
	return s.streams.Head(uri)
}

// ActiveStreams lists the streams currently recording.
func (s *Service) ActiveStreams() []wire.StreamURI {
	return s.streams.ActiveStreams()
}

// WriteSamples is the ingest point for the hardware collaborator. It
// forwards straight to the RT engine and never blocks.
func (s *Service) WriteSamples(uri wire.StreamURI, data []byte, now time.Time) {
	s.engine.WriteSamples(uri, data, now)
}
