package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"proctor/internal/config"
	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
	"proctor/internal/domain/services"
)

// node names one state of the per-request chat graph. The graph is data:
// node methods mutate the flow, pure routers pick the next edge, and the
// runner walks until end. No goroutines are involved in a single turn.
type node string

const (
	nodeHandleRequest node = "handle_request"
	nodeIntentAnalyze node = "intent_analyze"
	nodeTutorReply    node = "tutor_reply"
	nodeChatSubmit    node = "chat_submit"
	nodeSummarize     node = "summarize_memory"
	nodeHandleFailure node = "handle_failure"
	nodeEnd           node = "end"
)

// flow is one request's working set while it walks the graph.
type flow struct {
	in   ChatInput
	sink services.StreamSink

	state *exam.State

	// turn is assigned exactly once per request, in handle_request. Loops
	// back through summarize or retry keep the number.
	turn int

	verdict exam.GuardrailVerdict
	reply   exam.TutorReply

	// stepErr is the failure produced by the last node, consumed by the
	// routers and by handle_failure.
	stepErr error

	turnTokens exam.TokenTriple
	result     *ChatResult
}

// runChat walks the graph until end. An error return aborts the walk and
// surfaces typed to the transport layer.
func (o *Orchestrator) runChat(ctx context.Context, f *flow) error {
	current := nodeHandleRequest
	for current != nodeEnd {
		if err := ctx.Err(); err != nil {
			return domain.NewCoreError(domain.CodeTimeout, "chat request deadline exceeded", err)
		}
		next, err := o.step(ctx, current, f)
		if err != nil {
			return err
		}
		current = next
	}
	return nil
}

func (o *Orchestrator) step(ctx context.Context, current node, f *flow) (node, error) {
	switch current {
	case nodeHandleRequest:
		return o.handleRequest(ctx, f)
	case nodeIntentAnalyze:
		return o.intentAnalyze(ctx, f)
	case nodeTutorReply:
		return o.tutorReply(ctx, f)
	case nodeChatSubmit:
		return o.chatSubmission(ctx, f)
	case nodeSummarize:
		return o.summarizeMemory(ctx, f)
	case nodeHandleFailure:
		return o.handleFailure(ctx, f)
	default:
		return nodeEnd, domain.NewCoreError(domain.CodeFatal, "unknown chat graph node: "+string(current), nil)
	}
}

// routeAfterRequest folds an oversized buffer before any model call and
// skips the guardrail on re-entry when the verdict is already decided.
func routeAfterRequest(f *flow) node {
	if len(f.state.ActiveMessages()) > config.MaxBufferedMessages &&
		f.state.SummarizeCount < config.MaxSummarizePerRequest {
		return nodeSummarize
	}
	if f.verdict.Status != "" {
		if f.verdict.IsSubmission() {
			return nodeChatSubmit
		}
		return nodeTutorReply
	}
	return nodeIntentAnalyze
}

// routeAfterIntent routes on the guardrail outcome. An overflow inside the
// guardrail takes the summarize path like any other overflow.
func routeAfterIntent(f *flow) node {
	switch {
	case f.stepErr != nil && errors.Is(f.stepErr, domain.ErrContextOverflow):
		return nodeSummarize
	case f.stepErr != nil:
		return nodeHandleFailure
	case f.verdict.Blocked():
		return nodeHandleFailure
	case f.verdict.IsSubmission():
		return nodeChatSubmit
	default:
		return nodeTutorReply
	}
}

// routeAfterTutor routes on the reply status. FAILED_THRESHOLD means the
// prompt no longer fits the model window; the summary path shrinks it.
func routeAfterTutor(f *flow) node {
	switch f.reply.Status {
	case exam.TutorSuccess:
		return nodeEnd
	case exam.TutorFailedThreshold:
		return nodeSummarize
	default:
		return nodeHandleFailure
	}
}

func (o *Orchestrator) handleRequest(ctx context.Context, f *flow) (node, error) {
	if f.state == nil {
		state, err := o.loadOrHydrate(ctx, f.in.SessionID)
		if err != nil {
			return nodeEnd, err
		}
		state.RetryCount = 0
		state.SummarizeCount = 0
		f.state = state
	}
	if f.state.Status != exam.SessionOpen {
		return nodeEnd, domain.NewCoreError(domain.CodePrecondition, "session is already submitted", nil)
	}
	if f.in.ProblemID != "" && f.in.ProblemID != f.state.ProblemID {
		return nodeEnd, domain.NewCoreError(domain.CodePrecondition, "problem id does not match the session", nil)
	}
	if f.in.SpecID != "" && f.in.SpecID != f.state.SpecID {
		return nodeEnd, domain.NewCoreError(domain.CodePrecondition, "spec version does not match the session", nil)
	}
	if err := o.attachProblem(ctx, f.state); err != nil {
		return nodeEnd, err
	}
	if f.turn == 0 {
		f.turn = f.state.CurrentTurn + 1
	}
	return routeAfterRequest(f), nil
}

func (o *Orchestrator) intentAnalyze(ctx context.Context, f *flow) (node, error) {
	f.stepErr = nil
	verdict, tokens, err := o.guardrail.Check(ctx, services.GuardrailInput{
		Content: f.in.Content,
		Turn:    f.turn,
		History: f.state.ActiveMessages(),
		Problem: f.state.Problem,
	})
	o.spendChatTokens(ctx, f, tokens)
	if err != nil {
		f.stepErr = fmt.Errorf("guardrail check: %w", err)
		return routeAfterIntent(f), nil
	}
	f.verdict = verdict
	if verdict.Blocked() {
		o.logger.Info("guardrail blocked message",
			"session_id", f.state.SessionID, "turn", f.turn, "reason", verdict.BlockReason)
	}
	return routeAfterIntent(f), nil
}

func (o *Orchestrator) tutorReply(ctx context.Context, f *flow) (node, error) {
	f.stepErr = nil
	history := dialogueHistory(f.state, f.turn)
	if err := o.ensureUserMessage(ctx, f); err != nil {
		return nodeEnd, err
	}

	reply, err := o.tutor.Reply(ctx, services.TutorInput{
		UserMessage: f.in.Content,
		Turn:        f.turn,
		Messages:    history,
		Summary:     f.state.MemorySummary,
		Problem:     f.state.Problem,
		Verdict:     f.verdict,
	}, f.sink)
	f.reply = reply
	o.spendChatTokens(ctx, f, reply.Tokens)
	if err != nil {
		f.stepErr = fmt.Errorf("tutor reply: %w", err)
	}
	if reply.Status == exam.TutorSuccess {
		if err := o.completeTurn(ctx, f, reply.Content, false); err != nil {
			return nodeEnd, err
		}
	}
	return routeAfterTutor(f), nil
}

// handleFailure is the terminal decision point: blocked verdicts become
// refusal turns, rate limits retry up to the cap, everything else surfaces
// as a typed error for the transport layer to map.
func (o *Orchestrator) handleFailure(ctx context.Context, f *flow) (node, error) {
	if f.stepErr == nil && f.verdict.Blocked() {
		return o.refusalTurn(ctx, f)
	}

	err := f.stepErr
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		if f.state.RetryCount < config.MaxChatRateLimitRetries {
			f.state.RetryCount++
			o.logger.Warn("rate limited, retrying turn",
				"session_id", f.state.SessionID, "turn", f.turn, "attempt", f.state.RetryCount)
			return nodeHandleRequest, nil
		}
		return nodeEnd, domain.NewCoreError(domain.CodeRateLimited,
			"the tutor is handling too many requests right now, wait a moment and try again", err)
	case errors.Is(err, domain.ErrContextOverflow):
		return nodeEnd, domain.NewCoreError(domain.CodeContextOverflow,
			"the conversation no longer fits the tutor's context window", err)
	case errors.Is(err, domain.ErrTimeout):
		return nodeEnd, domain.NewCoreError(domain.CodeTimeout, "tutoring timed out", err)
	default:
		return nodeEnd, domain.NewCoreError(domain.CodeFatal, "tutoring failed", err)
	}
}

// refusalTurn is the blocked-message path, still a full turn: the refusal
// is generated, both halves persist, and the background evaluation runs
// with the guardrail flag pinned so the turn scores zero.
func (o *Orchestrator) refusalTurn(ctx context.Context, f *flow) (node, error) {
	if err := o.ensureUserMessage(ctx, f); err != nil {
		return nodeEnd, err
	}
	reply, err := o.tutor.Reply(ctx, services.TutorInput{
		UserMessage: f.in.Content,
		Turn:        f.turn,
		Problem:     f.state.Problem,
		Verdict:     f.verdict,
	}, f.sink)
	if err != nil {
		if ctx.Err() != nil {
			return nodeEnd, domain.NewCoreError(domain.CodeTimeout, "refusal generation cancelled", err)
		}
		return nodeEnd, domain.NewCoreError(domain.CodeFatal, "refusal generation failed", err)
	}
	f.reply = reply
	o.spendChatTokens(ctx, f, reply.Tokens)
	if err := o.completeTurn(ctx, f, reply.Content, true); err != nil {
		return nodeEnd, err
	}
	return nodeEnd, nil
}

// dialogueHistory is the prompt view of past turns, excluding anything the
// in-flight turn already appended.
func dialogueHistory(state *exam.State, turn int) []exam.Message {
	active := state.ActiveMessages()
	out := make([]exam.Message, 0, len(active))
	for _, m := range active {
		if m.Turn >= turn {
			continue
		}
		out = append(out, m)
	}
	return out
}

// ensureUserMessage appends and persists this turn's USER message. The
// write happens before generation, so a request killed mid-reply leaves an
// auditable half-complete turn instead of nothing; the submission guard
// skips such turns. Idempotent across loop-backs.
func (o *Orchestrator) ensureUserMessage(ctx context.Context, f *flow) error {
	if f.state.Pair(f.turn).User != nil {
		return nil
	}
	f.state.AppendMessage(exam.Message{
		Turn:      f.turn,
		Role:      exam.RoleUser,
		Content:   f.in.Content,
		CreatedAt: time.Now().UTC(),
	})
	f.state.CurrentTurn = f.turn
	if err := o.store.Save(ctx, f.state); err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}
	return nil
}

// completeTurn appends the assistant half, persists both halves durably in
// one transaction and kicks off the background evaluation.
func (o *Orchestrator) completeTurn(ctx context.Context, f *flow, content string, blocked bool) error {
	f.state.AppendMessage(exam.Message{
		Turn:       f.turn,
		Role:       exam.RoleAssistant,
		Content:    content,
		TokenCount: f.turnTokens.Total,
		CreatedAt:  time.Now().UTC(),
	})
	if blocked {
		f.state.MarkBlocked(f.turn)
	}
	if err := o.store.Save(ctx, f.state); err != nil {
		return fmt.Errorf("persist assistant message: %w", err)
	}

	pair := f.state.Pair(f.turn)
	err := o.tx.ExecTx(ctx, func(txCtx context.Context) error {
		return o.messages.CreateTurnMessages(txCtx, f.state.SessionID, *pair.User, *pair.Assistant)
	})
	if err != nil {
		// The reply already reached the user; a lost durable mirror is an
		// operator problem, not a request failure.
		o.logger.Error("durable message write failed",
			"session_id", f.state.SessionID, "turn", f.turn, "error", err)
	}

	o.spawnTurnEvaluation(ctx, f.state, f.turn, blocked)
	f.result = &ChatResult{
		SessionID:   f.state.SessionID,
		Turn:        f.turn,
		Content:     content,
		Blocked:     blocked,
		TurnTokens:  f.turnTokens,
		TotalTokens: o.totalChatTokens(ctx, f.state),
	}
	return nil
}
