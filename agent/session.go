package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tayler-id/telly-chat/llm"
	"github.com/tayler-id/telly-chat/memory"
)

const maxHistoryMessages = 20

// Session is the per-conversation state: its own short-term window, the
// episode currently recording its turns and the recent message history.
// Turns on one session are serialized by its mutex.
type Session struct {
	ID        string
	ShortTerm *memory.ShortTermMemory

	mu             sync.Mutex
	currentEpisode string
	turns          int
	failures       int
	history        []llm.Message
	lastActive     time.Time
}

// CurrentEpisode returns the id of the episode recording this session, if any.
func (s *Session) CurrentEpisode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentEpisode
}

// Turns returns the number of completed turns.
func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

func (s *Session) appendHistory(msgs ...llm.Message) {
	s.history = append(s.history, msgs...)
	if over := len(s.history) - maxHistoryMessages; over > 0 {
		s.history = append([]llm.Message(nil), s.history[over:]...)
	}
}

// SessionConfig sizes new sessions.
type SessionConfig struct {
	Capacity  int
	DecayTime time.Duration
}

// Sessions is the registry of live sessions. Short-term state is restored from
// and saved to snapshots when they are configured.
type Sessions struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	cfg       SessionConfig
	snapshots *memory.ShortTermSnapshots
	now       func() time.Time
	logger    zerolog.Logger
}

// SessionsOption configures Sessions.
type SessionsOption func(*Sessions)

// WithSessionClock overrides the time source.
func WithSessionClock(now func() time.Time) SessionsOption {
	return func(s *Sessions) { s.now = now }
}

// NewSessions creates an empty registry. snapshots may be nil.
func NewSessions(cfg SessionConfig, snapshots *memory.ShortTermSnapshots, logger zerolog.Logger, opts ...SessionsOption) *Sessions {
	s := &Sessions{
		sessions:  make(map[string]*Session),
		cfg:       cfg,
		snapshots: snapshots,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With().Str("component", "sessions").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the session with id, creating it (and restoring its short-term
// snapshot) on first use.
func (s *Sessions) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}

	stm := memory.NewShortTermMemory(s.cfg.Capacity, s.cfg.DecayTime, s.logger.With().Str("session_id", id).Logger())
	if s.snapshots != nil {
		state, found, err := s.snapshots.Load(ctx, id)
		switch {
		case err != nil:
			s.logger.Warn().Err(err).Str("session_id", id).Msg("Ignoring unreadable short-term snapshot")
		case found:
			if err := stm.Import(state); err != nil {
				s.logger.Warn().Err(err).Str("session_id", id).Msg("Ignoring invalid short-term snapshot")
			} else {
				s.logger.Info().Str("session_id", id).Int("items", stm.Len()).Msg("Short-term memory restored")
			}
		}
	}

	sess := &Session{ID: id, ShortTerm: stm, lastActive: s.now()}
	s.sessions[id] = sess
	return sess, nil
}

// Lookup returns a live session without creating one.
func (s *Sessions) Lookup(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Remove drops a session from the registry.
func (s *Sessions) Remove(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	return sess, ok
}

// IDs lists live session ids in sorted order.
func (s *Sessions) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Idle lists sessions that have not completed a turn within d.
func (s *Sessions) Idle(d time.Duration) []string {
	cutoff := s.now().Add(-d)
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var ids []string
	for _, sess := range sessions {
		sess.mu.Lock()
		idle := sess.lastActive.Before(cutoff)
		sess.mu.Unlock()
		if idle {
			ids = append(ids, sess.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Save writes the session's short-term window to the snapshot table.
func (s *Sessions) Save(ctx context.Context, sess *Session) {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.Save(ctx, sess.ID, sess.ShortTerm.Export()); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to save short-term snapshot")
	}
}

// Forget deletes the session's snapshot.
func (s *Sessions) Forget(ctx context.Context, id string) {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.Delete(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to delete short-term snapshot")
	}
}
