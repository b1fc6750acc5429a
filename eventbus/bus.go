package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360/capturekit/cas"
	"github.com/c360/capturekit/errors"
	"github.com/c360/capturekit/metric"
	"github.com/c360/capturekit/natsclient"
	"github.com/c360/capturekit/pkg/worker"
	"github.com/c360/capturekit/session"
	"github.com/c360/capturekit/wire"
)

const (
	// SubjectPrefix roots every capture subject.
	SubjectPrefix = "capture"
	// SessionBucket is the KV bucket mirroring the session index.
	SessionBucket = "capture-sessions"
)

// publication is one queued outbound message.
type publication struct {
	subject string
	payload []byte
}

// Config sizes the publish worker pool.
type Config struct {
	Workers   int `yaml:"workers" json:"workers"`
	QueueSize int `yaml:"queue_size" json:"queue_size"`
}

// DefaultConfig returns pool sizing suited to a single capture node.
func DefaultConfig() Config {
	return Config{Workers: 2, QueueSize: 512}
}

// Bus publishes capture events over NATS and mirrors the session index into
// a JetStream KV bucket. Publication is fire-and-forget: the manifests on
// disk are the source of truth, the bus only tells the outside world.
type Bus struct {
	client  *natsclient.Client
	kv      *natsclient.KVStore
	pool    *worker.Pool[publication]
	logger  *slog.Logger
	metrics *metric.Metrics
}

// New builds a bus over a connected NATS client.
func New(client *natsclient.Client, cfg Config, logger *slog.Logger, metrics *metric.Metrics) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = metric.NewMetrics()
	}
	b := &Bus{
		client:  client,
		logger:  logger.With("component", "eventbus"),
		metrics: metrics,
	}
	b.pool = worker.NewPool[publication](cfg.Workers, cfg.QueueSize, b.publish)
	return b
}

// Start opens the session index bucket and starts the publish workers.
func (b *Bus) Start(ctx context.Context) error {
	bucket, err := b.client.EnsureKV(ctx, SessionBucket)
	if err != nil {
		return err
	}
	b.kv = b.client.NewKVStore(bucket)
	return b.pool.Start(ctx)
}

// Stop drains the publish workers.
func (b *Bus) Stop(timeout time.Duration) error {
	return b.pool.Stop(timeout)
}

func (b *Bus) publish(_ context.Context, p publication) error {
	if err := b.client.Publish(p.subject, p.payload); err != nil {
		// Best-effort delivery, drop and note it
		b.logger.Debug("event publish dropped", "subject", p.subject, "error", err)
		return err
	}
	return nil
}

// enqueue hands a message to the pool without blocking the caller.
func (b *Bus) enqueue(subject string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("event encode failed", "subject", subject, "error", err)
		return
	}
	if err := b.pool.Submit(publication{subject: subject, payload: payload}); err != nil {
		b.metrics.EventsDropped.Inc()
		b.logger.Debug("event queue full, dropped", "subject", subject)
	}
}

// streamToken flattens a stream uri into a NATS subject token.
func streamToken(uri wire.StreamURI) string {
	s := strings.TrimPrefix(string(uri), "stream://")
	s = strings.ReplaceAll(s, ".", "-")
	return strings.ReplaceAll(s, "/", ".")
}

// StreamSubject returns the subject for one stream event kind.
func StreamSubject(uri wire.StreamURI, kind string) string {
	return fmt.Sprintf("%s.stream.%s.%s", SubjectPrefix, streamToken(uri), kind)
}

// SessionSubject returns the subject for one session's state events.
func SessionSubject(id session.ID) string {
	return fmt.Sprintf("%s.session.%s", SubjectPrefix, id)
}

// HeadEvent is the published head-position envelope.
type HeadEvent struct {
	StreamURI      wire.StreamURI `json:"stream_uri"`
	SamplePosition uint64         `json:"sample_position"`
	BytePosition   uint64         `json:"byte_position"`
	WallClock      time.Time      `json:"wall_clock"`
}

// SealedEvent announces a sealed chunk.
type SealedEvent struct {
	StreamURI wire.StreamURI  `json:"stream_uri"`
	Hash      cas.ContentHash `json:"hash"`
	Bytes     uint64          `json:"bytes"`
	Samples   uint64          `json:"samples"`
	SealedAt  time.Time       `json:"sealed_at"`
}

// ErrorEvent announces a stream failure.
type ErrorEvent struct {
	StreamURI   wire.StreamURI `json:"stream_uri"`
	Error       string         `json:"error"`
	Recoverable bool           `json:"recoverable"`
	At          time.Time      `json:"at"`
}

// SessionEvent announces a session state change.
type SessionEvent struct {
	SessionID session.ID     `json:"session_id"`
	Status    session.Status `json:"status"`
	Segments  int            `json:"segments"`
	At        time.Time      `json:"at"`
}

// PublishHead publishes a head-position update.
func (b *Bus) PublishHead(e wire.StreamHeadPosition) {
	b.enqueue(StreamSubject(e.StreamURI, "head"), HeadEvent{
		StreamURI:      e.StreamURI,
		SamplePosition: e.SamplePosition,
		BytePosition:   e.BytePosition,
		WallClock:      e.WallClock,
	})
}

// PublishSealed publishes a chunk-sealed notification.
func (b *Bus) PublishSealed(uri wire.StreamURI, hash cas.ContentHash, bytes, samples uint64) {
	b.enqueue(StreamSubject(uri, "sealed"), SealedEvent{
		StreamURI: uri,
		Hash:      hash,
		Bytes:     bytes,
		Samples:   samples,
		SealedAt:  time.Now().UTC(),
	})
}

// PublishError publishes a stream error.
func (b *Bus) PublishError(e wire.StreamError) {
	b.enqueue(StreamSubject(e.StreamURI, "error"), ErrorEvent{
		StreamURI:   e.StreamURI,
		Error:       e.Error,
		Recoverable: e.Recoverable,
		At:          time.Now().UTC(),
	})
}

// PublishSessionState publishes a session state change and mirrors the
// session into the index.
func (b *Bus) PublishSessionState(ctx context.Context, s *session.Session) {
	b.enqueue(SessionSubject(s.ID), SessionEvent{
		SessionID: s.ID,
		Status:    s.Status,
		Segments:  len(s.Segments),
		At:        time.Now().UTC(),
	})
	if err := b.IndexSession(ctx, s); err != nil {
		b.logger.Warn("session index update failed", "session_id", s.ID, "error", err)
	}
}

// IndexSession writes the session into the KV index so tool layers can
// discover it without touching the filesystem.
func (b *Bus) IndexSession(ctx context.Context, s *session.Session) error {
	if b.kv == nil {
		return natsclient.ErrNotConnected
	}
	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "Bus", "IndexSession", "session encode")
	}
	return b.kv.UpdateWithRetry(ctx, string(s.ID), func([]byte) ([]byte, error) {
		return data, nil
	})
}

// DropSession removes a session from the index.
func (b *Bus) DropSession(ctx context.Context, id session.ID) error {
	if b.kv == nil {
		return natsclient.ErrNotConnected
	}
	err := b.kv.Delete(ctx, string(id))
	if err != nil && !natsclient.IsKVNotFoundError(err) {
		return err
	}
	return nil
}

// IndexedSessions lists session ids currently in the index.
func (b *Bus) IndexedSessions(ctx context.Context) ([]session.ID, error) {
	if b.kv == nil {
		return nil, natsclient.ErrNotConnected
	}
	keys, err := b.kv.Keys(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]session.ID, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, session.ID(k))
	}
	return ids, nil
}
