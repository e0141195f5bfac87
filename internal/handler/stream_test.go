package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
	"proctor/internal/service/session"
)

func dialStream(t *testing.T, h *StreamHandler) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.Stream))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestStreamDeltasThenDone(t *testing.T) {
	fake := &fakeChat{
		deltas: []string{"break the ", "problem ", "into subproblems"},
		res: &session.ChatResult{
			SessionID:   71,
			Turn:        1,
			Content:     "break the problem into subproblems",
			TurnTokens:  exam.TokenTriple{Total: 66},
			TotalTokens: exam.TokenTriple{Total: 66},
		},
	}
	conn := dialStream(t, NewStreamHandler(fake, discardLogger()))

	require.NoError(t, conn.WriteJSON(streamCommand{
		Type:      "chat",
		SessionID: 71,
		Content:   "how do I start?",
		Context:   &chatContext{ProblemID: "prob-3", SpecVersion: "spec-3"},
	}))

	var got strings.Builder
	for {
		var f streamFrame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Done != nil {
			assert.Equal(t, "break the problem into subproblems", f.Done.Content)
			assert.Equal(t, 1, f.Done.Turn)
			assert.Equal(t, "AI", f.Done.Role)
			assert.Equal(t, 66, f.Done.TokenCount)
			break
		}
		require.Nil(t, f.Error)
		got.WriteString(f.Delta)
	}
	assert.Equal(t, "break the problem into subproblems", got.String())
	assert.Equal(t, "prob-3", fake.in.ProblemID)
}

func TestStreamCancelFrame(t *testing.T) {
	fake := &fakeChat{block: true}
	conn := dialStream(t, NewStreamHandler(fake, discardLogger()))

	require.NoError(t, conn.WriteJSON(streamCommand{Type: "chat", SessionID: 71, Content: "never mind"}))
	require.NoError(t, conn.WriteJSON(streamCommand{Type: "cancel"}))

	var f streamFrame
	require.NoError(t, conn.ReadJSON(&f))
	assert.True(t, f.Cancelled)
}

func TestStreamErrorFrame(t *testing.T) {
	fake := &fakeChat{err: domain.NewCoreError(domain.CodeRateLimited, "the tutor is handling too many requests right now", nil)}
	conn := dialStream(t, NewStreamHandler(fake, discardLogger()))

	require.NoError(t, conn.WriteJSON(streamCommand{Type: "chat", SessionID: 71, Content: "hello"}))

	var f streamFrame
	require.NoError(t, conn.ReadJSON(&f))
	require.NotNil(t, f.Error)
	assert.Equal(t, "RATE_LIMITED", f.Error.ErrorCode)
	assert.NotEmpty(t, f.Error.ErrorMessage)
}

func TestStreamRejectsNonChatFirstFrame(t *testing.T) {
	conn := dialStream(t, NewStreamHandler(&fakeChat{}, discardLogger()))

	require.NoError(t, conn.WriteJSON(streamCommand{Type: "status"}))

	var f streamFrame
	require.NoError(t, conn.ReadJSON(&f))
	require.NotNil(t, f.Error)
	assert.Equal(t, "VALIDATION", f.Error.ErrorCode)
}
