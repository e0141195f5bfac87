package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"proctor/internal/domain/services"
	"proctor/internal/service/session"
)

const (
	streamReadLimit    = 1 << 20
	streamWriteTimeout = 10 * time.Second
)

// StreamHandler upgrades /chat/stream connections and relays tutor deltas as
// they are generated. One chat request per connection; the client may send a
// cancel frame at any time to abort the in-flight turn.
type StreamHandler struct {
	chat     ChatService
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a new websocket stream handler
func NewStreamHandler(chat ChatService, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		chat:   chat,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser origins are filtered by the CORS layer in front.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// streamCommand is a client frame. Type is "chat" to start a turn or
// "cancel" to abort it.
type streamCommand struct {
	Type      string       `json:"type"`
	SessionID int64        `json:"sessionId,omitempty"`
	Content   string       `json:"content,omitempty"`
	Context   *chatContext `json:"context,omitempty"`
}

// streamFrame is a server frame. Exactly one member is set per frame.
type streamFrame struct {
	Delta     string       `json:"delta,omitempty"`
	Done      *aiMessage   `json:"done,omitempty"`
	Error     *streamError `json:"error,omitempty"`
	Cancelled bool         `json:"cancelled,omitempty"`
}

type streamError struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// Stream runs one tutoring turn over a websocket, emitting delta frames as
// the reply is generated and a done frame with the final envelope.
// GET /chat/stream
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(streamReadLimit)

	var cmd streamCommand
	if err := conn.ReadJSON(&cmd); err != nil || cmd.Type != "chat" {
		h.writeFrame(conn, streamFrame{Error: &streamError{
			ErrorCode:    codeValidation,
			ErrorMessage: "first frame must be a chat command",
		}})
		return
	}

	// The request context survives the hijack, so connection loss is only
	// observable through the read loop.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	cancelled := make(chan struct{})
	go func() {
		defer cancel()
		for {
			var next streamCommand
			if err := conn.ReadJSON(&next); err != nil {
				return
			}
			if next.Type == "cancel" {
				close(cancelled)
				return
			}
		}
	}()

	in := session.ChatInput{SessionID: cmd.SessionID, Content: cmd.Content}
	if cmd.Context != nil {
		in.ProblemID = cmd.Context.ProblemID
		in.SpecID = cmd.Context.SpecVersion
	}

	sink := services.StreamSinkFunc(func(text string) error {
		return h.writeFrame(conn, streamFrame{Delta: text})
	})

	res, err := h.chat.HandleChat(ctx, in, sink)
	if err != nil {
		select {
		case <-cancelled:
			h.writeFrame(conn, streamFrame{Cancelled: true})
		default:
			_, code, message := classifyError(err)
			h.logger.Warn("streamed chat failed",
				"session_id", cmd.SessionID, "error", err)
			h.writeFrame(conn, streamFrame{Error: &streamError{
				ErrorCode:    code,
				ErrorMessage: message,
			}})
		}
		return
	}

	msg := aiMessageFrom(res)
	h.writeFrame(conn, streamFrame{Done: &msg})
}

func (h *StreamHandler) writeFrame(conn *websocket.Conn, f streamFrame) error {
	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteJSON(f)
}
