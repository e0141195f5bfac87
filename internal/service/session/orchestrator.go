// Package session orchestrates the evaluation core: the per-request chat
// graph, memory summarization, background turn evaluation and the
// submission pipeline. It is the only component that decides what a typed
// failure means for the caller; everything below it just reports.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"proctor/internal/config"
	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
	"proctor/internal/domain/repositories"
	"proctor/internal/domain/services"
	domainllm "proctor/internal/domain/services/llm"
)

// ChatInput is one inbound chat message after transport decoding. ProblemID
// and SpecID are optional consistency checks against the session row.
type ChatInput struct {
	SessionID int64
	Content   string
	ProblemID string
	SpecID    string
}

// ChatResult is the 200-path outcome of a chat request: the tutor reply, a
// refusal, or a submission notice when the message was classified as final
// code. TurnTokens covers this request; TotalTokens is the session's
// cumulative chat counter including it.
type ChatResult struct {
	SessionID   int64
	Turn        int
	Content     string
	Blocked     bool
	TurnTokens  exam.TokenTriple
	TotalTokens exam.TokenTriple

	// Submission is set only when the guardrail routed the message to the
	// submit path; Content then carries the human-readable notice.
	Submission *exam.SubmissionResult
}

// Deps wires the orchestrator's collaborators. Logger defaults to
// slog.Default when nil; everything else is required.
type Deps struct {
	Store       repositories.SessionStore
	Sessions    repositories.SessionRepository
	Problems    repositories.ProblemRepository
	Messages    repositories.MessageRepository
	Evaluations repositories.EvaluationRepository
	Submissions repositories.SubmissionRepository
	Tx          repositories.TransactionManager
	Guardrail   services.Guardrail
	Tutor       services.Tutor
	TurnEval    services.TurnEvaluator
	Holistic    services.HolisticEvaluator
	CodeEval    services.CodeEvaluator
	Gateway     domainllm.Gateway
	Logger      *slog.Logger
}

// Orchestrator drives chat turns and submissions over the ephemeral state
// store, holding the per-session lock for the whole of each request.
type Orchestrator struct {
	store     repositories.SessionStore
	sessions  repositories.SessionRepository
	problems  repositories.ProblemRepository
	messages  repositories.MessageRepository
	evals     repositories.EvaluationRepository
	subs      repositories.SubmissionRepository
	tx        repositories.TransactionManager
	guardrail services.Guardrail
	tutor     services.Tutor
	turnEval  services.TurnEvaluator
	holistic  services.HolisticEvaluator
	codeEval  services.CodeEvaluator
	gateway   domainllm.Gateway
	logger    *slog.Logger

	// Background evaluation bookkeeping. bgCtx spans the server lifetime,
	// not any single request.
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgMu     sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup

	chatTimeout time.Duration
	retryBase   time.Duration
}

// New creates the orchestrator. Call Close on shutdown to drain background
// evaluation tasks.
func New(d Deps) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:       d.Store,
		sessions:    d.Sessions,
		problems:    d.Problems,
		messages:    d.Messages,
		evals:       d.Evaluations,
		subs:        d.Submissions,
		tx:          d.Tx,
		guardrail:   d.Guardrail,
		tutor:       d.Tutor,
		turnEval:    d.TurnEval,
		holistic:    d.Holistic,
		codeEval:    d.CodeEval,
		gateway:     d.Gateway,
		logger:      logger,
		bgCtx:       bgCtx,
		bgCancel:    bgCancel,
		inflight:    make(map[string]struct{}),
		chatTimeout: config.ChatRequestTimeout,
		retryBase:   time.Second,
	}
}

// Close stops background evaluation work and waits for in-flight tasks.
func (o *Orchestrator) Close() {
	o.bgCancel()
	o.wg.Wait()
}

// HandleChat runs one chat turn through the graph under the request
// deadline. The session lock is held end to end so background writes for
// the same session queue behind the turn.
func (o *Orchestrator) HandleChat(ctx context.Context, in ChatInput, sink services.StreamSink) (*ChatResult, error) {
	if err := validateChat(in); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, o.chatTimeout)
	defer cancel()

	unlock := o.store.Lock(in.SessionID)
	defer unlock()

	f := &flow{in: in, sink: sink}
	if err := o.runChat(ctx, f); err != nil {
		return nil, err
	}
	if f.result == nil {
		return nil, domain.NewCoreError(domain.CodeFatal, "chat graph ended without a result", nil)
	}
	return f.result, nil
}

func validateChat(in ChatInput) error {
	switch {
	case in.SessionID <= 0:
		return fmt.Errorf("%w: session id is required", domain.ErrValidation)
	case strings.TrimSpace(in.Content) == "":
		return fmt.Errorf("%w: message is empty", domain.ErrValidation)
	case len(in.Content) > config.MaxUserMessageLength:
		return fmt.Errorf("%w: message exceeds %d bytes", domain.ErrValidation, config.MaxUserMessageLength)
	}
	return nil
}

// loadOrHydrate returns the ephemeral state, rebuilding it from durable
// rows when the store entry expired or was never created. The rebuilt
// buffer restores turn numbering from the highest stored turn.
func (o *Orchestrator) loadOrHydrate(ctx context.Context, sessionID int64) (*exam.State, error) {
	state, err := o.store.Load(ctx, sessionID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("load session state: %w", err)
	}

	sess, err := o.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	state = &exam.State{
		SessionID:     sess.ID,
		ExamID:        sess.ExamID,
		ParticipantID: sess.ParticipantID,
		ProblemID:     sess.ProblemID,
		SpecID:        sess.SpecID,
		Language:      sess.Language,
		Status:        sess.Status,
	}
	msgs, err := o.messages.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("rebuild dialogue buffer: %w", err)
	}
	for _, m := range msgs {
		state.AppendMessage(m)
		if m.Turn > state.CurrentTurn {
			state.CurrentTurn = m.Turn
		}
	}
	if err := o.store.Save(ctx, state); err != nil {
		return nil, fmt.Errorf("seed session state: %w", err)
	}
	o.logger.Info("session state hydrated from durable rows",
		"session_id", sessionID, "messages", len(msgs), "current_turn", state.CurrentTurn)
	return state, nil
}

func (o *Orchestrator) attachProblem(ctx context.Context, state *exam.State) error {
	if state.Problem != nil {
		return nil
	}
	problem, err := o.problems.GetBySpecID(ctx, state.SpecID)
	if err != nil {
		return fmt.Errorf("attach problem %s: %w", state.SpecID, err)
	}
	state.Problem = problem
	return nil
}

// spendChatTokens accumulates chat-side usage into the session counter, the
// state mirror and the flow's per-turn triple. Counter write failures are
// logged, never fatal; the mirror keeps responses serviceable.
func (o *Orchestrator) spendChatTokens(ctx context.Context, f *flow, t exam.TokenTriple) {
	if t.IsZero() {
		return
	}
	f.turnTokens.Add(t)
	f.state.ChatTokens.Add(t)
	if _, err := o.store.AddTokens(ctx, f.state.SessionID, exam.TokenKindChat, t); err != nil {
		o.logger.Warn("chat token accumulation failed",
			"session_id", f.state.SessionID, "error", err)
	}
}

// totalChatTokens reads the cumulative chat counter, falling back to the
// state mirror when the store read fails.
func (o *Orchestrator) totalChatTokens(ctx context.Context, state *exam.State) exam.TokenTriple {
	total, err := o.store.GetTokens(ctx, state.SessionID, exam.TokenKindChat)
	if err != nil {
		return state.ChatTokens
	}
	return total
}
