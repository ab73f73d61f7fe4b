package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrThreadNotFound = errors.New("thread not found")

// ThreadStore is the persistence collaborator shared by all sessions.
// Implementations must be safe for concurrent use.
type ThreadStore interface {
	CreateThread(ctx context.Context, thread Thread) error
	ReadThread(ctx context.Context, id string) (Thread, error)
	// AppendTurn records one turn as a step, creating the thread when missing.
	AppendTurn(ctx context.Context, threadID string, turn Turn) error
	// AppendExchange records turns as steps atomically. A missing thread is
	// created with thread.UserID as owner and an unowned thread is claimed.
	AppendExchange(ctx context.Context, thread Thread, turns ...Turn) error
	// ListThreads returns threads of a user without steps, newest first.
	ListThreads(ctx context.Context, userID string) ([]Thread, error)
	Close() error
}

// MemoryStore implements ThreadStore in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]*Thread
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string]*Thread)}
}

func (s *MemoryStore) CreateThread(_ context.Context, thread Thread) error {
	if thread.ID == "" {
		return errors.New("thread id is required")
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now().UTC()
	}
	thread.Steps = append([]Step(nil), thread.Steps...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[thread.ID]; ok {
		return nil
	}
	s.threads[thread.ID] = &thread
	return nil
}

func (s *MemoryStore) ReadThread(_ context.Context, id string) (Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, ok := s.threads[id]
	if !ok {
		return Thread{}, ErrThreadNotFound
	}
	copied := *thread
	copied.Steps = append([]Step(nil), thread.Steps...)
	return copied, nil
}

func (s *MemoryStore) AppendTurn(ctx context.Context, threadID string, turn Turn) error {
	return s.AppendExchange(ctx, Thread{ID: threadID}, turn)
}

func (s *MemoryStore) AppendExchange(_ context.Context, ref Thread, turns ...Turn) error {
	if ref.ID == "" {
		return errors.New("thread id is required")
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[ref.ID]
	if !ok {
		created := ref.CreatedAt
		if created.IsZero() {
			created = now
		}
		thread = &Thread{ID: ref.ID, UserID: ref.UserID, CreatedAt: created}
		s.threads[ref.ID] = thread
	}
	if thread.UserID == "" {
		thread.UserID = ref.UserID
	}
	for _, turn := range turns {
		if thread.Name == "" && turn.Role == RoleUser && strings.TrimSpace(turn.Content) != "" {
			thread.Name = ThreadName(turn.Content)
		}
		thread.Steps = append(thread.Steps, Step{
			ID:        uuid.NewString(),
			ThreadID:  ref.ID,
			Type:      StepTypeFor(turn.Role),
			Output:    turn.Content,
			CreatedAt: now,
		})
	}
	return nil
}

func (s *MemoryStore) ListThreads(_ context.Context, userID string) ([]Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	threads := make([]Thread, 0, len(s.threads))
	for _, thread := range s.threads {
		if thread.UserID != userID {
			continue
		}
		item := *thread
		item.Steps = nil
		threads = append(threads, item)
	}
	sort.SliceStable(threads, func(i, j int) bool {
		return threads[i].CreatedAt.After(threads[j].CreatedAt)
	})
	return threads, nil
}

func (s *MemoryStore) Close() error { return nil }
