package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/parley-ai/parley/internal/api"
)

// Backend is everything the orchestrator needs from the chat backend.
type Backend interface {
	Streamer
	RemoteCanceller
	RecoveryClient
}

// apiBackend adapts *api.Client to the Backend interface.
type apiBackend struct {
	client *api.Client
}

// NewBackend wraps an api client for use as the orchestrator's backend.
func NewBackend(client *api.Client) Backend {
	return apiBackend{client: client}
}

func (b apiBackend) Send(ctx context.Context, req api.SendRequest) (<-chan api.StreamEvent, error) {
	stream, err := b.client.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return stream.Events(), nil
}

func (b apiBackend) Resume(ctx context.Context, subtaskID int64, offset int) (<-chan api.StreamEvent, error) {
	stream, err := b.client.Resume(ctx, subtaskID, offset)
	if err != nil {
		return nil, err
	}
	return stream.Events(), nil
}

func (b apiBackend) Cancel(ctx context.Context, subtaskID int64, partialContent string) error {
	return b.client.Cancel(ctx, subtaskID, partialContent)
}

func (b apiBackend) StreamingContent(ctx context.Context, subtaskID int64) (api.StreamingContent, error) {
	return b.client.StreamingContent(ctx, subtaskID)
}

// ServiceConfig holds construction options for a Service.
type ServiceConfig struct {
	// Backend is the chat backend client. Required.
	Backend Backend
	// MaxSessions caps concurrent live sessions. Zero selects
	// DefaultMaxSessions.
	MaxSessions int
	// CancelTimeout bounds the remote cancel call. Zero selects
	// DefaultCancelTimeout.
	CancelTimeout time.Duration
	// Logger receives orchestrator diagnostics. Nil disables logging.
	Logger *slog.Logger
	// Clock overrides time.Now, mainly for tests.
	Clock func() time.Time
}

// Service is the composition root of the orchestrator: one registry shared
// by the launcher, canceller, and recoverer. Consumers subscribe for change
// notifications and drive sessions through Start, Stop, and Reset. There is
// no package-level instance; the owner passes the service down explicitly.
type Service struct {
	reg       *Registry
	launcher  *Launcher
	canceller *Canceller
	recoverer *Recoverer
	logger    *slog.Logger
}

// NewService wires a registry, launcher, canceller, and recoverer together.
func NewService(cfg ServiceConfig) *Service {
	reg := NewRegistry(RegistryConfig{
		MaxSessions: cfg.MaxSessions,
		Logger:      cfg.Logger,
		Clock:       cfg.Clock,
	})
	launcher := NewLauncher(reg, cfg.Backend, cfg.Logger)
	return &Service{
		reg:       reg,
		launcher:  launcher,
		canceller: NewCanceller(reg, cfg.Backend, cfg.CancelTimeout, cfg.Logger),
		recoverer: NewRecoverer(reg, cfg.Backend, launcher, cfg.Logger),
		logger:    cfg.Logger,
	}
}

// Start launches a streaming exchange and returns its session id
// synchronously; see Launcher.Start.
func (s *Service) Start(req Request, cb Callbacks) (SessionID, error) {
	return s.launcher.Start(req, cb)
}

// Stop cancels the session; see Canceller.Stop.
func (s *Service) Stop(ctx context.Context, id SessionID) {
	s.canceller.Stop(ctx, id)
}

// Reset deletes a terminal session's entry. Callers reset only after they
// have re-fetched durable state, so the transient view never disappears
// before its replacement exists. Resetting a streaming session is refused.
func (s *Service) Reset(id SessionID) error {
	snap, ok := s.reg.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	if snap.Streaming {
		return ErrSessionActive
	}
	s.reg.Delete(id)
	return nil
}

// Get returns a snapshot of one session.
func (s *Service) Get(id SessionID) (Session, bool) {
	return s.reg.Get(id)
}

// Sessions returns snapshots of all live sessions.
func (s *Service) Sessions() []Session {
	return s.reg.Sessions()
}

// Recover probes a conversation's running subtasks for buffered content;
// see Recoverer.ProbeConversation.
func (s *Service) Recover(ctx context.Context, conversationID SessionID, descs []SubtaskDescriptor, cb Callbacks) []RecoveredSession {
	return s.recoverer.ProbeConversation(ctx, conversationID, descs, cb)
}

// AddObserver subscribes o to registry change notifications.
func (s *Service) AddObserver(o Observer) {
	s.reg.AddObserver(o)
}

// RemoveObserver unsubscribes o.
func (s *Service) RemoveObserver(o Observer) {
	s.reg.RemoveObserver(o)
}

// Close aborts all live streams. Registry entries keep their last state for
// observers that are still draining.
func (s *Service) Close() {
	s.reg.CloseAll()
	if s.logger != nil {
		s.logger.Info("Chat service closed")
	}
}
