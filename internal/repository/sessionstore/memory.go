package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
	"proctor/internal/domain/repositories"
)

// MemoryStore is the in-memory session store used in development and tests.
// It honors the same contract as the Redis store, including TTL expiry,
// which it applies lazily on read.
type MemoryStore struct {
	mu    sync.RWMutex
	ttl   time.Duration
	locks *keyedMutex

	states    map[int64]*exam.State
	turnLogs  map[int64]map[int]exam.TurnLog
	holistic  map[int64]*exam.HolisticLog
	tokens    map[int64]map[exam.TokenKind]exam.TokenTriple
	expiresAt map[int64]time.Time

	// now is swappable so tests can step time past the TTL.
	now func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryTTL overrides the entry time-to-live. Zero disables expiry.
func WithMemoryTTL(ttl time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.ttl = ttl
	}
}

// WithClock replaces the store's time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an in-memory session store.
func NewMemoryStore(opts ...MemoryOption) repositories.SessionStore {
	store := &MemoryStore{
		ttl:       DefaultTTL,
		locks:     newKeyedMutex(),
		states:    make(map[int64]*exam.State),
		turnLogs:  make(map[int64]map[int]exam.TurnLog),
		holistic:  make(map[int64]*exam.HolisticLog),
		tokens:    make(map[int64]map[exam.TokenKind]exam.TokenTriple),
		expiresAt: make(map[int64]time.Time),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// Lock acquires the per-session mutex and returns its release func.
func (s *MemoryStore) Lock(sessionID int64) func() {
	return s.locks.Lock(sessionID)
}

// Load retrieves the session state. Returns a deep copy so callers cannot
// mutate the stored blob outside Save.
func (s *MemoryStore) Load(ctx context.Context, sessionID int64) (*exam.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.expired(sessionID) {
		return nil, fmt.Errorf("session state %d: %w", sessionID, domain.ErrNotFound)
	}
	state, ok := s.states[sessionID]
	if !ok {
		return nil, fmt.Errorf("session state %d: %w", sessionID, domain.ErrNotFound)
	}

	copied, err := deepCopyState(state)
	if err != nil {
		return nil, fmt.Errorf("copy session state: %w", err)
	}
	return copied, nil
}

// Save persists the state and refreshes the session's TTL.
func (s *MemoryStore) Save(ctx context.Context, state *exam.State) error {
	if state == nil {
		return fmt.Errorf("save session state: %w", domain.ErrValidation)
	}

	state.UpdatedAt = s.nowUTC()
	copied, err := deepCopyState(state)
	if err != nil {
		return fmt.Errorf("copy session state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeIfExpired(state.SessionID)
	s.states[state.SessionID] = copied
	s.touch(state.SessionID)

	return nil
}

// GetTurnLog retrieves one per-turn evaluation log.
func (s *MemoryStore) GetTurnLog(ctx context.Context, sessionID int64, turn int) (*exam.TurnLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.expired(sessionID) {
		return nil, fmt.Errorf("turn log %d/%d: %w", sessionID, turn, domain.ErrNotFound)
	}
	log, ok := s.turnLogs[sessionID][turn]
	if !ok {
		return nil, fmt.Errorf("turn log %d/%d: %w", sessionID, turn, domain.ErrNotFound)
	}

	return &log, nil
}

// PutTurnLog upserts a per-turn evaluation log. The session state must
// already hold the USER and ASSISTANT messages for that turn.
func (s *MemoryStore) PutTurnLog(ctx context.Context, sessionID int64, log *exam.TurnLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeIfExpired(sessionID)
	state, ok := s.states[sessionID]
	if !ok {
		return fmt.Errorf("session state %d: %w", sessionID, domain.ErrNotFound)
	}
	if !state.Pair(log.Turn).Complete() {
		return domain.NewCoreError(domain.CodePrecondition,
			fmt.Sprintf("turn %d has no completed message pair", log.Turn), nil)
	}

	if s.turnLogs[sessionID] == nil {
		s.turnLogs[sessionID] = make(map[int]exam.TurnLog)
	}
	s.turnLogs[sessionID][log.Turn] = *log
	s.touch(sessionID)

	return nil
}

// ListTurnLogs returns a copy of the session's turn-log map.
func (s *MemoryStore) ListTurnLogs(ctx context.Context, sessionID int64) (map[int]exam.TurnLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make(map[int]exam.TurnLog, len(s.turnLogs[sessionID]))
	if s.expired(sessionID) {
		return logs, nil
	}
	for turn, log := range s.turnLogs[sessionID] {
		logs[turn] = log
	}

	return logs, nil
}

// PutHolistic upserts the session-level flow evaluation.
func (s *MemoryStore) PutHolistic(ctx context.Context, sessionID int64, log *exam.HolisticLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeIfExpired(sessionID)
	copied := *log
	s.holistic[sessionID] = &copied
	s.touch(sessionID)

	return nil
}

// AddTokens accumulates a usage triple and returns the new cumulative value.
func (s *MemoryStore) AddTokens(ctx context.Context, sessionID int64, kind exam.TokenKind, t exam.TokenTriple) (exam.TokenTriple, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeIfExpired(sessionID)
	if s.tokens[sessionID] == nil {
		s.tokens[sessionID] = make(map[exam.TokenKind]exam.TokenTriple)
	}
	sum := s.tokens[sessionID][kind]
	sum.Add(t)
	s.tokens[sessionID][kind] = sum
	s.touch(sessionID)

	return sum, nil
}

// GetTokens reads a cumulative counter without modifying it.
func (s *MemoryStore) GetTokens(ctx context.Context, sessionID int64, kind exam.TokenKind) (exam.TokenTriple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.expired(sessionID) {
		return exam.TokenTriple{}, nil
	}
	return s.tokens[sessionID][kind], nil
}

// Delete removes every entry belonging to the session.
func (s *MemoryStore) Delete(ctx context.Context, sessionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purge(sessionID)
	return nil
}

// nowUTC reads the store clock in UTC.
func (s *MemoryStore) nowUTC() time.Time {
	return s.now().UTC()
}

// touch refreshes the session's expiry. Must be called with mu held.
func (s *MemoryStore) touch(sessionID int64) {
	if s.ttl > 0 {
		s.expiresAt[sessionID] = s.now().Add(s.ttl)
	}
}

// expired reports whether the session's TTL has lapsed. Must be called with
// mu held (read or write).
func (s *MemoryStore) expired(sessionID int64) bool {
	deadline, ok := s.expiresAt[sessionID]
	return ok && s.now().After(deadline)
}

// purgeIfExpired drops a lapsed session before a write lands on it. Must be
// called with mu held for writing.
func (s *MemoryStore) purgeIfExpired(sessionID int64) {
	if s.expired(sessionID) {
		s.purge(sessionID)
	}
}

// purge drops every entry of a session. Must be called with mu held for
// writing.
func (s *MemoryStore) purge(sessionID int64) {
	delete(s.states, sessionID)
	delete(s.turnLogs, sessionID)
	delete(s.holistic, sessionID)
	delete(s.tokens, sessionID)
	delete(s.expiresAt, sessionID)
}

// deepCopyState copies a state through JSON, matching what the Redis
// backend's round-trip produces.
func deepCopyState(state *exam.State) (*exam.State, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}

	var copied exam.State
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, err
	}

	return &copied, nil
}
