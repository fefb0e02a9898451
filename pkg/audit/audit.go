package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sagepilot/sagepilot/pkg/engine"
)

// DefaultBufferSize is the number of events queued before Record drops.
const DefaultBufferSize = 256

// writeTimeout bounds one durable write.
const writeTimeout = 5 * time.Second

// Backend persists audit events.
type Backend interface {
	AppendAudit(ctx context.Context, event *engine.AuditEvent) error
}

// Sink records audit events asynchronously. Every event is logged; events are
// also written to the backend when one is set. Record never blocks: when the
// queue is full the event is logged and dropped from durable storage.
type Sink struct {
	backend Backend
	logger  zerolog.Logger
	queue   chan engine.AuditEvent

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	dropped atomic.Int64
}

var _ engine.AuditSink = (*Sink)(nil)

// NewSink starts a sink. backend may be nil.
func NewSink(backend Backend, bufferSize int, logger zerolog.Logger) *Sink {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	s := &Sink{
		backend: backend,
		logger:  logger.With().Str("component", "audit").Logger(),
		queue:   make(chan engine.AuditEvent, bufferSize),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Record implements engine.AuditSink.
func (s *Sink) Record(ctx context.Context, event engine.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	s.logger.Info().
		Str("audit_id", event.ID).
		Str("type", string(event.Type)).
		Str("plan_id", event.PlanID).
		Str("user_id", event.UserID).
		Fields(event.Details).
		Msg("Audit event")

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.backend == nil {
		return
	}

	select {
	case s.queue <- event:
	default:
		s.dropped.Add(1)
		s.logger.Warn().Str("audit_id", event.ID).Msg("Audit queue full, event not persisted")
	}
}

// Dropped returns how many events were not persisted because the queue was
// full.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Sink) run() {
	defer s.wg.Done()
	for event := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := s.backend.AppendAudit(ctx, &event); err != nil {
			s.logger.Error().Err(err).Str("audit_id", event.ID).Msg("Failed to persist audit event")
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued ones to be written or
// for ctx to end.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
