package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/sop-assistant/internal/model/chat"
)

var ErrSessionNotFound = errors.New("session not found")

const (
	// DefaultMaxHistory keeps the last ten user/assistant exchanges.
	DefaultMaxHistory = 20
	// DefaultTTL is the idle time after which a session may be swept.
	DefaultTTL = time.Hour
)

// Option customizes a Service.
type Option func(*Service)

// WithMaxHistory caps the number of turns retained per session.
func WithMaxHistory(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxHistory = n
		}
	}
}

// WithTTL sets the idle duration after which sessions expire.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger attaches a logger for lifecycle events.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger.With().Str("component", "sessions").Logger()
	}
}

// Service owns every conversation session of the process. All operations are
// serialized by a single mutex; callers only ever receive copies.
type Service struct {
	mu         sync.Mutex
	sessions   map[chat.ConversationID]*chat.Session
	maxHistory int
	ttl        time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// NewService bootstraps an empty in-memory session store.
func NewService(opts ...Option) *Service {
	s := &Service{
		sessions:   make(map[chat.ConversationID]*chat.Session),
		maxHistory: DefaultMaxHistory,
		ttl:        DefaultTTL,
		now:        time.Now,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxHistory returns the configured history cap.
func (s *Service) MaxHistory() int { return s.maxHistory }

// TTL returns the configured idle expiry.
func (s *Service) TTL() time.Duration { return s.ttl }

// GetOrCreate returns the session for id, creating an empty one when absent.
// The access time is refreshed either way.
func (s *Service) GetOrCreate(id chat.ConversationID) chat.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := s.lookupOrCreate(id)
	return snapshot(session)
}

// RecordTurns appends a completed user/assistant exchange and trims the
// history to the most recent MaxHistory turns.
func (s *Service) RecordTurns(id chat.ConversationID, userText, assistantText string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A sweep may have removed the session while the answer was produced.
	session := s.lookupOrCreate(id)
	session.History = append(session.History, chat.UserTurn(userText), chat.AssistantTurn(assistantText))

	if excess := len(session.History) - s.maxHistory; excess > 0 {
		trimmed := make([]chat.Turn, s.maxHistory)
		copy(trimmed, session.History[excess:])
		session.History = trimmed
		s.logger.Debug().Str("conversation", id.String()).Int("max", s.maxHistory).Msg("trimmed history")
	}
}

// SweepExpired removes every session idle for longer than the TTL as of now
// and reports how many were dropped.
func (s *Service) SweepExpired(now time.Time) int {
	cutoff := now.Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, session := range s.sessions {
		if session.LastAccess.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Int("remaining", len(s.sessions)).Msg("cleaned up expired sessions")
	}
	return removed
}

// Sweep runs SweepExpired against the store's clock.
func (s *Service) Sweep() int {
	return s.SweepExpired(s.now())
}

// Run sweeps periodically until ctx is cancelled. Lazy sweeping on every
// event keeps the expiry invariant on its own; this only releases memory
// earlier on quiet deployments.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// GetSession retrieves a session without refreshing its access time.
func (s *Service) GetSession(_ context.Context, id chat.ConversationID) (chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	return snapshot(session), nil
}

// History returns a copy of the stored turns for id.
func (s *Service) History(id chat.ConversationID) ([]chat.Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return copyTurns(session.History), true
}

// Reset forgets a single conversation.
func (s *Service) Reset(id chat.ConversationID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// Snapshot lists copies of every live session ordered by most recent access.
func (s *Service) Snapshot() []chat.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := make([]chat.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, snapshot(session))
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastAccess.After(sessions[j].LastAccess)
	})
	return sessions
}

// Len reports the number of live sessions.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// lookupOrCreate must be called with mu held.
func (s *Service) lookupOrCreate(id chat.ConversationID) *chat.Session {
	now := s.now()
	session, ok := s.sessions[id]
	if !ok {
		session = &chat.Session{
			ID:        id,
			History:   make([]chat.Turn, 0, s.maxHistory),
			CreatedAt: now,
		}
		s.sessions[id] = session
		s.logger.Info().Str("conversation", id.String()).Msg("creating new session")
	}
	session.LastAccess = now
	return session
}

func snapshot(session *chat.Session) chat.Session {
	cp := *session
	cp.History = copyTurns(session.History)
	return cp
}

func copyTurns(turns []chat.Turn) []chat.Turn {
	copied := make([]chat.Turn, len(turns))
	copy(copied, turns)
	return copied
}
