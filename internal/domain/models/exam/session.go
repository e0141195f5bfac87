package exam

import (
	"time"
)

// SessionStatus is the session lifecycle: OPEN until a submission is
// recorded, then SUBMITTED.
type SessionStatus string

const (
	SessionOpen      SessionStatus = "OPEN"
	SessionSubmitted SessionStatus = "SUBMITTED"
)

// Session is the durable session row. Created by the platform, mutated only
// by the orchestrator.
type Session struct {
	ID            int64         `json:"id" db:"id"`
	ExamID        string        `json:"exam_id" db:"exam_id"`
	ParticipantID string        `json:"participant_id" db:"participant_id"`
	ProblemID     string        `json:"problem_id" db:"problem_id"`
	SpecID        string        `json:"spec_id" db:"spec_id"`
	Language      string        `json:"language" db:"language"`
	Status        SessionStatus `json:"status" db:"status"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// State is the full per-session working state held by the session store
// under graph_state:{session_id}. It round-trips through JSON; equality
// after a round trip includes message turn and role tags.
type State struct {
	SessionID     int64         `json:"session_id"`
	ExamID        string        `json:"exam_id"`
	ParticipantID string        `json:"participant_id"`
	ProblemID     string        `json:"problem_id"`
	SpecID        string        `json:"spec_id"`
	Language      string        `json:"language"`
	Status        SessionStatus `json:"status"`

	// CurrentTurn is the highest turn number assigned so far; 0 before the
	// first accepted user input. Assigned only inside handle_request.
	CurrentTurn int `json:"current_turn"`

	// Messages is the dialogue buffer. Older prefixes may be folded into
	// MemorySummary; turn numbering is unaffected.
	Messages      []Message        `json:"messages"`
	MemorySummary string           `json:"memory_summary,omitempty"`
	TurnMapping   map[int]TurnSpan `json:"turn_mapping,omitempty"`

	// SummarizedUpTo is the buffer index up to which messages are covered by
	// MemorySummary. Prompt views start here; the buffer itself keeps every
	// message so turn pairs stay reconstructable until the session expires.
	SummarizedUpTo int `json:"summarized_up_to,omitempty"`

	// BlockedTurns lists turns whose user message the guardrail refused.
	// Their evaluation is pinned to zero even when backfilled later.
	BlockedTurns []int `json:"blocked_turns,omitempty"`

	// SummarizeCount counts memory summaries taken for the in-flight
	// request; reset in handle_request.
	SummarizeCount int `json:"summarize_count"`

	// RetryCount counts rate-limit retries for the in-flight request.
	RetryCount int `json:"retry_count"`

	ChatTokens TokenTriple `json:"chat_tokens"`
	EvalTokens TokenTriple `json:"eval_tokens"`

	// Problem is the read-only copy of the problem context attached by
	// handle_request on first use.
	Problem *ProblemSpec `json:"problem,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// AppendMessage adds a message to the buffer and updates the turn mapping.
func (s *State) AppendMessage(m Message) {
	idx := len(s.Messages)
	s.Messages = append(s.Messages, m)
	if s.TurnMapping == nil {
		s.TurnMapping = make(map[int]TurnSpan)
	}
	span, ok := s.TurnMapping[m.Turn]
	if !ok {
		s.TurnMapping[m.Turn] = TurnSpan{StartIdx: idx, EndIdx: idx}
		return
	}
	span.EndIdx = idx
	s.TurnMapping[m.Turn] = span
}

// Pair assembles the (user, assistant) pair for a turn from the buffer.
// Either side may be nil if the buffer no longer holds it (summarized away)
// or the turn is half-complete.
func (s *State) Pair(turn int) TurnPair {
	pair := TurnPair{Turn: turn}
	for i := range s.Messages {
		m := &s.Messages[i]
		if m.Turn != turn {
			continue
		}
		switch m.Role {
		case RoleUser:
			if pair.User == nil {
				pair.User = m
			}
		case RoleAssistant:
			if pair.Assistant == nil {
				pair.Assistant = m
			}
		}
	}
	return pair
}

// MarkBlocked records a turn refused by the guardrail. Idempotent.
func (s *State) MarkBlocked(turn int) {
	for _, t := range s.BlockedTurns {
		if t == turn {
			return
		}
	}
	s.BlockedTurns = append(s.BlockedTurns, turn)
}

// TurnBlocked reports whether the turn's user message was refused.
func (s *State) TurnBlocked(turn int) bool {
	for _, t := range s.BlockedTurns {
		if t == turn {
			return true
		}
	}
	return false
}

// RecentTail returns up to n trailing messages as a read-only view.
func (s *State) RecentTail(n int) []Message {
	if n <= 0 || len(s.Messages) == 0 {
		return nil
	}
	if len(s.Messages) <= n {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}

// ActiveMessages is the prompt view of the buffer: everything not yet folded
// into MemorySummary.
func (s *State) ActiveMessages() []Message {
	if s.SummarizedUpTo <= 0 {
		return s.Messages
	}
	if s.SummarizedUpTo >= len(s.Messages) {
		return nil
	}
	return s.Messages[s.SummarizedUpTo:]
}
