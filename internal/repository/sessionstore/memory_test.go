package sessionstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
)

func TestMemoryStore_SaveAndLoadIsolated(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	state := pairedState(7, 1)
	require.NoError(t, store.Save(ctx, state))

	// Mutating the caller's copy must not leak into the store.
	state.Messages[0].Content = "mutated"

	loaded, err := store.Load(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "question", loaded.Messages[0].Content)

	// Nor should mutating a loaded copy.
	loaded.CurrentTurn = 99
	again, err := store.Load(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, again.CurrentTurn)
}

func TestMemoryStore_LoadNotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Load(context.Background(), 404)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	current := time.Now()
	store := NewMemoryStore(
		WithMemoryTTL(time.Minute),
		WithClock(func() time.Time { return current }),
	)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, pairedState(7, 1)))
	require.NoError(t, store.PutTurnLog(ctx, 7, &exam.TurnLog{Turn: 1}))

	current = current.Add(2 * time.Minute)

	_, err := store.Load(ctx, 7)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	logs, err := store.ListTurnLogs(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestMemoryStore_WriteRefreshesTTL(t *testing.T) {
	current := time.Now()
	store := NewMemoryStore(
		WithMemoryTTL(time.Hour),
		WithClock(func() time.Time { return current }),
	)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, pairedState(7, 1)))

	current = current.Add(40 * time.Minute)
	_, err := store.AddTokens(ctx, 7, exam.TokenKindChat, exam.TokenTriple{Total: 5})
	require.NoError(t, err)

	// Past the original deadline but within the refreshed one.
	current = current.Add(40 * time.Minute)

	_, err = store.Load(ctx, 7)
	assert.NoError(t, err)
}

func TestMemoryStore_PutTurnLogRequiresPair(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	state := &exam.State{SessionID: 7, Status: exam.SessionOpen, CurrentTurn: 1}
	state.AppendMessage(exam.Message{Turn: 1, Role: exam.RoleUser, Content: "question"})
	require.NoError(t, store.Save(ctx, state))

	err := store.PutTurnLog(ctx, 7, &exam.TurnLog{Turn: 1})
	assert.ErrorIs(t, err, domain.ErrPrecondition)
}

func TestMemoryStore_AddTokensAccumulates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.AddTokens(ctx, 7, exam.TokenKindEval, exam.TokenTriple{Prompt: 8, Completion: 4, Total: 12})
	require.NoError(t, err)
	sum, err := store.AddTokens(ctx, 7, exam.TokenKindEval, exam.TokenTriple{Prompt: 2, Completion: 1, Total: 3})
	require.NoError(t, err)
	assert.Equal(t, exam.TokenTriple{Prompt: 10, Completion: 5, Total: 15}, sum)

	chat, err := store.GetTokens(ctx, 7, exam.TokenKindChat)
	require.NoError(t, err)
	assert.True(t, chat.IsZero())
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, pairedState(7, 1)))
	require.NoError(t, store.Delete(ctx, 7))

	_, err := store.Load(ctx, 7)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
