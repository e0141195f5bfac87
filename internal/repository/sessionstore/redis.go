package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
	"proctor/internal/domain/repositories"
)

// DefaultTTL is how long ephemeral session keys live without a write.
const DefaultTTL = 24 * time.Hour

// RedisStore is the Redis-backed session store. Every key belonging to a
// session carries the same TTL, refreshed on each write, so an abandoned
// session expires as a unit. The per-session lock is in-process; the store
// assumes a single core instance owns an OPEN session at a time.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	locks  *keyedMutex
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL overrides the key time-to-live. Zero disables expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(client *redis.Client, opts ...RedisOption) repositories.SessionStore {
	store := &RedisStore{
		client: client,
		ttl:    DefaultTTL,
		locks:  newKeyedMutex(),
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// Lock acquires the per-session mutex and returns its release func.
func (s *RedisStore) Lock(sessionID int64) func() {
	return s.locks.Lock(sessionID)
}

// Load retrieves the full session state blob.
func (s *RedisStore) Load(ctx context.Context, sessionID int64) (*exam.State, error) {
	data, err := s.client.Get(ctx, stateKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("session state %d: %w", sessionID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var state exam.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal session state: %w", err)
	}

	return &state, nil
}

// Save persists the state blob and its turn-mapping mirror in one
// round-trip, refreshing the session's TTLs.
func (s *RedisStore) Save(ctx context.Context, state *exam.State) error {
	if state == nil {
		return fmt.Errorf("save session state: %w", domain.ErrValidation)
	}

	state.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	mapping, err := json.Marshal(state.TurnMapping)
	if err != nil {
		return fmt.Errorf("marshal turn mapping: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, stateKey(state.SessionID), data, s.ttl)
	pipe.Set(ctx, mappingKey(state.SessionID), mapping, s.ttl)
	if s.ttl > 0 {
		pipe.Expire(ctx, tokenKey(state.SessionID), s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}

	return nil
}

// GetTurnLog retrieves one per-turn evaluation log.
func (s *RedisStore) GetTurnLog(ctx context.Context, sessionID int64, turn int) (*exam.TurnLog, error) {
	data, err := s.client.Get(ctx, turnLogKey(sessionID, turn)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("turn log %d/%d: %w", sessionID, turn, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var log exam.TurnLog
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("unmarshal turn log: %w", err)
	}

	return &log, nil
}

// PutTurnLog upserts a per-turn evaluation log. The session state must
// already hold the USER and ASSISTANT messages for that turn.
func (s *RedisStore) PutTurnLog(ctx context.Context, sessionID int64, log *exam.TurnLog) error {
	state, err := s.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if !state.Pair(log.Turn).Complete() {
		return domain.NewCoreError(domain.CodePrecondition,
			fmt.Sprintf("turn %d has no completed message pair", log.Turn), nil)
	}

	data, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("marshal turn log: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, turnLogKey(sessionID, log.Turn), data, s.ttl)
	if s.ttl > 0 {
		pipe.Expire(ctx, stateKey(sessionID), s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}

	return nil
}

// ListTurnLogs scans the session's turn-log keys and fetches them with a
// single pipelined GET.
func (s *RedisStore) ListTurnLogs(ctx context.Context, sessionID int64) (map[int]exam.TurnLog, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, turnLogPattern(sessionID), 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}

	logs := make(map[int]exam.TurnLog, len(keys))
	if len(keys) == 0 {
		return logs, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // expired between scan and fetch
			}
			return nil, fmt.Errorf("redis get failed: %w", err)
		}
		var log exam.TurnLog
		if err := json.Unmarshal(data, &log); err != nil {
			return nil, fmt.Errorf("unmarshal turn log: %w", err)
		}
		logs[log.Turn] = log
	}

	return logs, nil
}

// PutHolistic upserts the session-level flow evaluation.
func (s *RedisStore) PutHolistic(ctx context.Context, sessionID int64, log *exam.HolisticLog) error {
	data, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("marshal holistic log: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, holisticKey(sessionID), data, s.ttl)
	if s.ttl > 0 {
		pipe.Expire(ctx, stateKey(sessionID), s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}

	return nil
}

// AddTokens accumulates a usage triple into the session's counter hash with
// atomic increments and returns the new cumulative value.
func (s *RedisStore) AddTokens(ctx context.Context, sessionID int64, kind exam.TokenKind, t exam.TokenTriple) (exam.TokenTriple, error) {
	key := tokenKey(sessionID)

	pipe := s.client.Pipeline()
	promptCmd := pipe.HIncrBy(ctx, key, tokenField(kind, "prompt"), int64(t.Prompt))
	completionCmd := pipe.HIncrBy(ctx, key, tokenField(kind, "completion"), int64(t.Completion))
	totalCmd := pipe.HIncrBy(ctx, key, tokenField(kind, "total"), int64(t.Total))
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return exam.TokenTriple{}, fmt.Errorf("redis pipeline failed: %w", err)
	}

	return exam.TokenTriple{
		Prompt:     int(promptCmd.Val()),
		Completion: int(completionCmd.Val()),
		Total:      int(totalCmd.Val()),
	}, nil
}

// GetTokens reads a cumulative counter without modifying it. A session with
// no recorded usage reads as zero.
func (s *RedisStore) GetTokens(ctx context.Context, sessionID int64, kind exam.TokenKind) (exam.TokenTriple, error) {
	fields, err := s.client.HGetAll(ctx, tokenKey(sessionID)).Result()
	if err != nil {
		return exam.TokenTriple{}, fmt.Errorf("redis hgetall failed: %w", err)
	}

	return exam.TokenTriple{
		Prompt:     parseCount(fields[tokenField(kind, "prompt")]),
		Completion: parseCount(fields[tokenField(kind, "completion")]),
		Total:      parseCount(fields[tokenField(kind, "total")]),
	}, nil
}

// Delete removes every key belonging to the session.
func (s *RedisStore) Delete(ctx context.Context, sessionID int64) error {
	keys := []string{
		stateKey(sessionID),
		mappingKey(sessionID),
		tokenKey(sessionID),
		holisticKey(sessionID),
	}

	iter := s.client.Scan(ctx, 0, turnLogPattern(sessionID), 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan failed: %w", err)
	}

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}

	return nil
}

// parseCount reads a hash field value, treating absent fields as zero.
func parseCount(v string) int {
	n, _ := strconv.Atoi(v)
	return n
}

// stateKey is the full state blob for a session.
func stateKey(sessionID int64) string {
	return fmt.Sprintf("graph_state:%d", sessionID)
}

// turnLogKey is one per-turn evaluation log.
func turnLogKey(sessionID int64, turn int) string {
	return fmt.Sprintf("turn_logs:%d:%d", sessionID, turn)
}

// turnLogPattern matches every turn log of a session.
func turnLogPattern(sessionID int64) string {
	return fmt.Sprintf("turn_logs:%d:*", sessionID)
}

// mappingKey is the turn-to-buffer-span mirror.
func mappingKey(sessionID int64) string {
	return fmt.Sprintf("turn_mapping:%d", sessionID)
}

// tokenKey is the cumulative token-counter hash.
func tokenKey(sessionID int64) string {
	return fmt.Sprintf("session_token:%d", sessionID)
}

// holisticKey is the session-level flow evaluation.
func holisticKey(sessionID int64) string {
	return fmt.Sprintf("holistic_log:%d", sessionID)
}

// tokenField namespaces a counter field by accumulator kind.
func tokenField(kind exam.TokenKind, part string) string {
	return fmt.Sprintf("%s:%s", kind, part)
}
