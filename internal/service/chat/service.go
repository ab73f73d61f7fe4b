package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/taxdesk/backend/internal/logging"
	"github.com/zhouzirui/taxdesk/backend/internal/model/chat"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrPersistenceDisabled = errors.New("persistence disabled")
)

// Session is the handle of one active conversation. Its history only
// changes by whole exchanges or by a resume.
type Session struct {
	info chat.Session

	exchange sync.Mutex

	mu      sync.RWMutex
	history []chat.Turn
}

// ID returns the session identifier, which is also its thread id.
func (s *Session) ID() string { return s.info.ID }

// Info returns the public description of the session.
func (s *Session) Info() chat.Session { return s.info }

// History returns a copy of the ordered turns, never nil.
func (s *Session) History() []chat.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append(make([]chat.Turn, 0, len(s.history)), s.history...)
}

// BeginExchange blocks until no other exchange of this session is running.
// The returned func releases the session.
func (s *Session) BeginExchange() func() {
	s.exchange.Lock()
	return s.exchange.Unlock
}

func (s *Session) replace(turns []chat.Turn) {
	s.mu.Lock()
	s.history = turns
	s.mu.Unlock()
}

func (s *Session) appendPair(user, assistant chat.Turn) {
	s.mu.Lock()
	s.history = append(s.history, user, assistant)
	s.mu.Unlock()
}

// Service owns the active sessions and mirrors completed turns to the
// thread store when one is configured.
type Service struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	store  chat.ThreadStore
	logger *zap.Logger
}

// NewService creates the session manager. A nil store keeps history in memory only.
func NewService(store chat.ThreadStore, logger *zap.Logger) *Service {
	return &Service{
		sessions: make(map[string]*Session),
		store:    store,
		logger:   logging.OrNop(logger).Named("chat"),
	}
}

// PersistenceEnabled reports whether turns are written to a thread store.
func (s *Service) PersistenceEnabled() bool {
	return s.store != nil
}

// StartSession provisions a session with an empty history.
func (s *Service) StartSession(ctx context.Context, userID string) (*Session, error) {
	session := &Session{
		info: chat.Session{
			ID:        uuid.NewString(),
			UserID:    userID,
			CreatedAt: time.Now().UTC(),
		},
		history: []chat.Turn{},
	}

	if s.store != nil {
		thread := chat.Thread{ID: session.ID(), UserID: userID, CreatedAt: session.info.CreatedAt}
		if err := s.store.CreateThread(ctx, thread); err != nil {
			s.logger.Warn("failed to create thread, continuing in memory", zap.String("session", session.ID()), zap.Error(err))
		}
	}

	s.mu.Lock()
	s.sessions[session.ID()] = session
	s.mu.Unlock()

	return session, nil
}

// ResumeSession rebuilds the history of threadID from the store and
// replaces whatever the in-memory session held.
func (s *Service) ResumeSession(ctx context.Context, threadID, userID string) (*Session, error) {
	if s.store == nil {
		return nil, ErrPersistenceDisabled
	}

	thread, err := s.store.ReadThread(ctx, threadID)
	if errors.Is(err, chat.ErrThreadNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if thread.UserID != "" && thread.UserID != userID {
		return nil, ErrSessionNotFound
	}

	turns := Rehydrate(thread)

	s.mu.Lock()
	session, ok := s.sessions[threadID]
	if !ok {
		session = &Session{info: chat.Session{ID: thread.ID, UserID: userID, CreatedAt: thread.CreatedAt}}
		s.sessions[threadID] = session
	} else if session.info.UserID != userID {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	s.mu.Unlock()

	release := session.BeginExchange()
	session.replace(turns)
	release()

	s.logger.Info("session resumed", zap.String("session", threadID), zap.Int("turns", len(turns)))
	return session, nil
}

// GetSession returns the active session owned by userID.
func (s *Service) GetSession(_ context.Context, sessionID, userID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok || session.info.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// EndSession forgets the in-memory state of a session.
func (s *Service) EndSession(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

// RecordExchange appends the user turn and the assistant turn together.
// Store failures are logged; the in-memory history is always updated.
func (s *Service) RecordExchange(ctx context.Context, session *Session, userMessage, reply string) {
	user, assistant := chat.UserTurn(userMessage), chat.AssistantTurn(reply)
	session.appendPair(user, assistant)

	if s.store == nil {
		return
	}
	// The request context may already be cancelled by a disconnecting client.
	ctx = context.WithoutCancel(ctx)
	thread := chat.Thread{ID: session.ID(), UserID: session.info.UserID, CreatedAt: session.info.CreatedAt}
	if err := s.store.AppendExchange(ctx, thread, user, assistant); err != nil {
		s.logger.Warn("failed to persist exchange", zap.String("session", session.ID()), zap.Error(err))
	}
}

// ListThreads returns the stored threads of userID.
func (s *Service) ListThreads(ctx context.Context, userID string) ([]chat.Thread, error) {
	if s.store == nil {
		return nil, ErrPersistenceDisabled
	}
	return s.store.ListThreads(ctx, userID)
}

// Rehydrate maps user and assistant steps to turns, in step order. Other
// step types are skipped.
func Rehydrate(thread chat.Thread) []chat.Turn {
	turns := make([]chat.Turn, 0, len(thread.Steps))
	for _, step := range thread.Steps {
		switch step.Type {
		case chat.StepUserMessage:
			turns = append(turns, chat.UserTurn(step.Output))
		case chat.StepAssistantMessage:
			turns = append(turns, chat.AssistantTurn(step.Output))
		}
	}
	return turns
}
