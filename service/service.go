package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/capturekit/cas"
	"github.com/c360/capturekit/config"
	"github.com/c360/capturekit/errors"
	"github.com/c360/capturekit/eventbus"
	"github.com/c360/capturekit/metric"
	"github.com/c360/capturekit/rtio"
	"github.com/c360/capturekit/session"
	"github.com/c360/capturekit/slicing"
	"github.com/c360/capturekit/stream"
	"github.com/c360/capturekit/wire"
)

// Dependencies carries everything a Service needs that is owned by the
// caller. Bus is optional: without it events stay local.
type Dependencies struct {
	Config  *config.Config
	Store   *cas.Store
	Engine  *rtio.Engine
	Bus     *eventbus.Bus
	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithDrainInterval sets the cadence of the control loop that drains
// RT events.
func WithDrainInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.drainInterval = d
		}
	}
}

// WithRTDriver makes the control loop call the engine's Process on every
// tick. Use it when no hardware callback owns the engine; never combine
// it with a real audio callback, the engine is single-driver.
func WithRTDriver() Option {
	return func(s *Service) { s.driveRT = true }
}

// Service is the capture facade: it owns the stream, session, and slicing
// managers, pumps RT events into them, and publishes what happened.
type Service struct {
	store    *cas.Store
	engine   *rtio.Engine
	streams  *stream.Manager
	sessions *session.Manager
	slicer   *slicing.Engine
	bus      *eventbus.Bus
	logger   *slog.Logger
	metrics  *metric.Metrics

	drainInterval time.Duration
	driveRT       bool

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires the capture managers over the supplied dependencies.
func New(deps Dependencies, opts ...Option) (*Service, error) {
	if deps.Config == nil {
		return nil, errors.WrapInvalid(stderrors.New("config is required"), "service.Service", "New", "deps check")
	}
	if deps.Store == nil || deps.Engine == nil {
		return nil, errors.WrapInvalid(stderrors.New("store and engine are required"), "service.Service", "New", "deps check")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = metric.NewMetrics()
	}

	streams, err := stream.NewManager(deps.Config.Stream, deps.Store, deps.Engine, logger, metrics)
	if err != nil {
		return nil, err
	}

	s := &Service{
		store:         deps.Store,
		engine:        deps.Engine,
		streams:       streams,
		sessions:      session.NewManager(deps.Store, streams, logger, metrics),
		slicer:        slicing.NewEngine(deps.Store, logger, metrics),
		bus:           deps.Bus,
		logger:        logger.With("component", "service"),
		metrics:       metrics,
		drainInterval: 20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start recovers on-disk state and launches the control loop. The context
// bounds recovery; the loop runs until Stop.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(stderrors.New("service already started"), "service.Service", "Start", "state check")
	}

	if err := s.streams.Recover(ctx); err != nil {
		s.started.Store(false)
		return fmt.Errorf("recovery: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.controlLoop(loopCtx)

	s.logger.Info("capture service started", "drain_interval", s.drainInterval)
	return nil
}

// Stop halts every active stream while the control loop is still
// draining, so stop confirmations can arrive, then shuts the loop down
// and drains stragglers.
func (s *Service) Stop(ctx context.Context) error {
	if !s.started.CompareAndSwap(true, false) {
		return nil
	}

	var errs []error
	for _, uri := range s.streams.ActiveStreams() {
		if _, err := s.StreamStop(ctx, uri); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", uri, err))
		}
	}

	s.cancel()
	s.wg.Wait()
	s.drain(ctx)

	s.logger.Info("capture service stopped")
	return stderrors.Join(errs...)
}

// controlLoop is the event pump: it moves RT events into the stream
// manager and fans the results out to sessions and the bus.
func (s *Service) controlLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if s.driveRT {
				s.engine.Process(now)
			}
			s.drain(ctx)
		}
	}
}

func (s *Service) drain(ctx context.Context) {
	s.engine.DrainEvents(func(ev wire.Event) {
		s.dispatch(ctx, ev)
	})
}

// dispatch handles one RT event. A failure is confined to its stream:
// the event is logged and dropped, siblings keep flowing.
func (s *Service) dispatch(ctx context.Context, ev wire.Event) {
	if err := s.streams.HandleEvent(ctx, ev); err != nil {
		s.logger.Error("event handling failed",
			"stream", ev.URI(), "event", fmt.Sprintf("%T", ev), "error", err)
		return
	}

	switch e := ev.(type) {
	case wire.StreamHeadPosition:
		if s.bus != nil {
			s.bus.PublishHead(e)
		}
	case wire.StreamChunkSwitched:
		s.afterRotation(e)
	case wire.StreamError:
		if s.bus != nil {
			s.bus.PublishError(e)
		}
	}
}

// afterRotation reports a sealed chunk to the sessions that span the
// stream and to the bus. It runs on the switched confirmation: only then
// has the retired chunk actually been sealed.
func (s *Service) afterRotation(e wire.StreamChunkSwitched) {
	head, err := s.streams.Head(e.StreamURI)
	if err != nil {
		return
	}
	s.sessions.ObserveRotation(e.StreamURI, head.SamplePosition)

	if s.bus == nil {
		return
	}
	manifest, err := s.streams.ManifestSnapshot(e.StreamURI)
	if err != nil {
		return
	}
	for i := len(manifest.Chunks) - 1; i >= 0; i-- {
		ref := manifest.Chunks[i]
		if ref.Kind == stream.KindSealed {
			s.bus.PublishSealed(e.StreamURI, ref.Hash, ref.Bytes, ref.Samples)
			return
		}
	}
}
