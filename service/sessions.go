package service

import (
	"context"

	"github.com/c360/capturekit/cas"
	"github.com/c360/capturekit/session"
	"github.com/c360/capturekit/wire"
)

// SessionCreate groups streams into a capture session. The session
// starts stopped; call SessionPlay to open its first segment.
func (s *Service) SessionCreate(ctx context.Context, mode session.Mode, streams []wire.StreamURI) (session.ID, error) {
	id, err := s.sessions.Create(mode, streams)
	if err != nil {
		return "", err
	}
	s.announceSession(ctx, id)
	return id, nil
}

// SessionPlay opens a new segment and makes sure every member stream is
// recording.
func (s *Service) SessionPlay(ctx context.Context, id session.ID) error {
	if err := s.sessions.Play(ctx, id); err != nil {
		return err
	}
	s.announceSession(ctx, id)
	return nil
}

// SessionStop closes the active segment. The session stays and can be
// played again.
func (s *Service) SessionStop(ctx context.Context, id session.ID) error {
	if err := s.sessions.Stop(id); err != nil {
		return err
	}
	s.announceSession(ctx, id)
	return nil
}

// SessionPause is an alias for SessionStop.
func (s *Service) SessionPause(ctx context.Context, id session.ID) error {
	return s.SessionStop(ctx, id)
}

// SessionExport archives the session record to content storage and
// returns its hash.
func (s *Service) SessionExport(ctx context.Context, id session.ID) (cas.ContentHash, error) {
	return s.sessions.Export(ctx, id)
}

// SessionRemove forgets a stopped session.
func (s *Service) SessionRemove(ctx context.Context, id session.ID) error {
	if err := s.sessions.Remove(id); err != nil {
		return err
	}
	if s.bus != nil {
		if err := s.bus.DropSession(ctx, id); err != nil {
			s.logger.Warn("session index cleanup failed", "session", id, "error", err)
		}
	}
	return nil
}

// SessionGet returns a copy of the session record.
func (s *Service) SessionGet(id session.ID) (*session.Session, error) {
	return s.sessions.Get(id)
}

// Sessions lists known session ids.
func (s *Service) Sessions() []session.ID {
	return s.sessions.ActiveSessions()
}

// announceSession mirrors a session state change onto the bus.
func (s *Service) announceSession(ctx context.Context, id session.ID) {
	if s.bus == nil {
		return
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		return
	}
	s.bus.PublishSessionState(ctx, sess)
	if err := s.bus.IndexSession(ctx, sess); err != nil {
		s.logger.Warn("session index update failed", "session", id, "error", err)
	}
}
