package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"proctor/internal/config"
	"proctor/internal/domain"
	"proctor/internal/domain/services"
	"proctor/internal/httputil"
	"proctor/internal/service/session"
)

// ChatService runs one tutoring turn end to end.
type ChatService interface {
	HandleChat(ctx context.Context, in session.ChatInput, sink services.StreamSink) (*session.ChatResult, error)
}

// ChatHandler handles chat HTTP requests.
// Handlers only talk to services, never repositories.
type ChatHandler struct {
	chat   ChatService
	logger *slog.Logger
}

// NewChatHandler creates a new chat handler
func NewChatHandler(chat ChatService, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{chat: chat, logger: logger}
}

// chatMessageRequest is the POST /chat/messages payload. ParticipantID and
// TurnID are advisory client-side fields; the session row and the stored
// state are authoritative for both.
type chatMessageRequest struct {
	SessionID     int64        `json:"sessionId"`
	ParticipantID string       `json:"participantId"`
	TurnID        string       `json:"turnId"`
	Role          string       `json:"role"`
	Content       string       `json:"content"`
	Context       *chatContext `json:"context"`
}

type chatContext struct {
	ProblemID   string `json:"problemId"`
	SpecVersion string `json:"specVersion"`
}

func (r *chatMessageRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.SessionID, validation.Required, validation.Min(int64(1))),
		validation.Field(&r.Content,
			validation.Required,
			validation.Length(1, config.MaxUserMessageLength),
		),
		validation.Field(&r.Role, validation.In("USER")),
	)
}

// aiMessage is the assistant envelope the exam front-end renders.
// tokenCount is this turn's chat spend, totalToken the session running sum.
type aiMessage struct {
	SessionID  int64  `json:"sessionId"`
	Turn       int    `json:"turn"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	TokenCount int    `json:"tokenCount"`
	TotalToken int    `json:"totalToken"`
}

type chatMessageResponse struct {
	AIMessage  aiMessage             `json:"aiMessage"`
	Blocked    bool                  `json:"blocked,omitempty"`
	Submission *submissionResultBody `json:"submission,omitempty"`
}

func aiMessageFrom(res *session.ChatResult) aiMessage {
	return aiMessage{
		SessionID:  res.SessionID,
		Turn:       res.Turn,
		Role:       "AI",
		Content:    res.Content,
		TokenCount: res.TurnTokens.Total,
		TotalToken: res.TotalTokens.Total,
	}
}

// PostMessage runs one tutoring turn
// POST /chat/messages
func (h *ChatHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req chatMessageRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		respondError(w, fmt.Errorf("%w: %v", domain.ErrValidation, err), nil)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, fmt.Errorf("%w: %v", domain.ErrValidation, err), nil)
		return
	}

	in := session.ChatInput{SessionID: req.SessionID, Content: req.Content}
	if req.Context != nil {
		in.ProblemID = req.Context.ProblemID
		in.SpecID = req.Context.SpecVersion
	}

	res, err := h.chat.HandleChat(r.Context(), in, nil)
	if err != nil {
		h.logger.Warn("chat request failed",
			"session_id", req.SessionID, "error", err)
		respondError(w, err, nil)
		return
	}

	resp := chatMessageResponse{AIMessage: aiMessageFrom(res), Blocked: res.Blocked}
	if res.Submission != nil {
		body := resultBody(res.Submission)
		resp.Submission = &body
	}
	httputil.RespondJSON(w, http.StatusOK, resp)
}
