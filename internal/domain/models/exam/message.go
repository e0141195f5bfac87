package exam

import (
	"time"
)

// Role tags who produced a dialogue message.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

// Message is one entry of the dialogue buffer. Turn and role are first-class;
// components never infer them from buffer position. Messages are append-only
// while the session is OPEN, ordered USER then ASSISTANT within a turn.
type Message struct {
	Turn       int       `json:"turn" db:"turn"`
	Role       Role      `json:"role" db:"role"`
	Content    string    `json:"content" db:"content"`
	TokenCount int       `json:"token_count" db:"token_count"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// TurnSpan records which slice of the dialogue buffer a turn occupies,
// mirrored to the ephemeral store under turn_mapping:{session_id}.
type TurnSpan struct {
	StartIdx int `json:"start_msg_idx"`
	EndIdx   int `json:"end_msg_idx"`
}

// TurnPair is the completed (user, assistant) pair the turn evaluator
// consumes. Assistant is nil for a half-complete turn, e.g. after a chat
// deadline expired between the user write and the assistant write.
type TurnPair struct {
	Turn      int
	User      *Message
	Assistant *Message
}

// Complete reports whether both halves of the turn exist.
func (p TurnPair) Complete() bool {
	return p.User != nil && p.Assistant != nil
}
