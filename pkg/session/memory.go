package session

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// MemoryStore keeps sessions in process. It is used when no application
// database is configured.
type MemoryStore struct {
	clock clockwork.Clock

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	turns    map[uuid.UUID][]Turn
}

func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:    clock,
		sessions: make(map[uuid.UUID]*Session),
		turns:    make(map[uuid.UUID][]Turn),
	}
}

func (s *MemoryStore) Ensure(ctx context.Context, id uuid.UUID, userID string) (*Session, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		now := s.clock.Now()
		sess = &Session{ID: id, UserID: userID, Context: map[string]any{}, CreatedAt: now, LastActivityAt: now, Active: true}
		s.sessions[id] = sess
	} else if sess.UserID == "" && userID != "" {
		sess.UserID = userID
	}
	return copySession(sess), nil
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(sess), nil
}

func (s *MemoryStore) Touch(ctx context.Context, id uuid.UUID, delta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.Context = mergeContext(sess.Context, delta)
	sess.LastActivityAt = s.clock.Now()
	return nil
}

func (s *MemoryStore) AppendTurn(ctx context.Context, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[turn.SessionID]; !ok {
		return ErrNotFound
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.clock.Now()
	}
	turn.Insights = slices.Clone(turn.Insights)
	turn.Recommendations = slices.Clone(turn.Recommendations)
	turn.Stages = slices.Clone(turn.Stages)
	s.turns[turn.SessionID] = append(s.turns[turn.SessionID], turn)
	return nil
}

func (s *MemoryStore) History(ctx context.Context, id uuid.UUID, limit int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[id]; !ok {
		return nil, ErrNotFound
	}
	turns := s.turns[id]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return slices.Clone(turns), nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func copySession(sess *Session) *Session {
	out := *sess
	out.Context = maps.Clone(sess.Context)
	if out.Context == nil {
		out.Context = map[string]any{}
	}
	return &out
}
