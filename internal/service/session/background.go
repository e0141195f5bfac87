package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
	"proctor/internal/domain/services"
)

const backgroundMaxBackoff = 30 * time.Second

// spawnTurnEvaluation starts the turn's background evaluation unless one
// already ran or is in flight. The caller must hold the session lock; the
// existing-log check under it is what makes the spawn at-most-once.
func (o *Orchestrator) spawnTurnEvaluation(ctx context.Context, state *exam.State, turn int, blocked bool) {
	if _, err := o.store.GetTurnLog(ctx, state.SessionID, turn); err == nil {
		return
	}
	pair := state.Pair(turn)
	if !pair.Complete() {
		return
	}

	key := fmt.Sprintf("%d:%d", state.SessionID, turn)
	o.bgMu.Lock()
	if _, busy := o.inflight[key]; busy {
		o.bgMu.Unlock()
		return
	}
	o.inflight[key] = struct{}{}
	o.bgMu.Unlock()

	in := services.TurnEvalInput{
		Turn:            turn,
		UserMessage:     pair.User.Content,
		AssistantReply:  pair.Assistant.Content,
		Problem:         state.Problem,
		GuardrailFailed: blocked,
	}
	sessionID := state.SessionID

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.bgMu.Lock()
			delete(o.inflight, key)
			o.bgMu.Unlock()
		}()
		o.evaluateInBackground(sessionID, in)
	}()
}

// evaluateInBackground runs the turn evaluation off the request path,
// retrying retryable outcomes with backoff while the session state is
// live. It never propagates failure; at worst the submission guard re-runs
// the turn synchronously later.
func (o *Orchestrator) evaluateInBackground(sessionID int64, in services.TurnEvalInput) {
	delay := o.retryBase
	for attempt := 1; ; attempt++ {
		log, tokens, err := o.turnEval.EvaluateTurn(o.bgCtx, in)
		if err != nil {
			// Only cancellation escapes the evaluator; shutdown is underway.
			return
		}
		if _, terr := o.store.AddTokens(o.bgCtx, sessionID, exam.TokenKindEval, tokens); terr != nil && o.bgCtx.Err() == nil {
			o.logger.Warn("eval token accumulation failed", "session_id", sessionID, "error", terr)
		}

		if retryableSentinel(log) {
			// A throttled or flaky rubric degraded to a zero log. Retrying
			// beats freezing the zero in, as long as the session lives.
			if !o.sessionLive(sessionID) {
				return
			}
			o.logger.Warn("turn evaluation degraded, retrying",
				"session_id", sessionID, "turn", in.Turn, "attempt", attempt, "reason", log.FinalReasoning)
			if !o.sleep(delay) {
				return
			}
			delay = min(delay*2, backgroundMaxBackoff)
			continue
		}

		unlock := o.store.Lock(sessionID)
		werr := o.store.PutTurnLog(o.bgCtx, sessionID, log)
		unlock()
		switch {
		case werr == nil:
		case errors.Is(werr, domain.ErrPrecondition), errors.Is(werr, domain.ErrNotFound):
			// The pair vanished or the session expired; the guard owns it now.
			o.logger.Warn("background turn log dropped",
				"session_id", sessionID, "turn", in.Turn, "error", werr)
			return
		default:
			if !o.sessionLive(sessionID) || !o.sleep(delay) {
				return
			}
			delay = min(delay*2, backgroundMaxBackoff)
			continue
		}

		if derr := o.evals.UpsertTurnEval(o.bgCtx, sessionID, log); derr != nil && o.bgCtx.Err() == nil {
			o.logger.Error("durable turn eval write failed",
				"session_id", sessionID, "turn", in.Turn, "error", derr)
		}
		o.logger.Info("turn evaluated",
			"session_id", sessionID, "turn", in.Turn,
			"intent", log.Intent, "weighted_score", log.WeightedScore)
		return
	}
}

// retryableSentinel detects a degraded zero log produced by a retryable
// rubric failure. The evaluator folds the cause into FinalReasoning as an
// error string carrying the typed code, the only channel left once the
// failure became data.
func retryableSentinel(log *exam.TurnLog) bool {
	if len(log.Rubrics) > 0 || log.GuardrailFailed || log.FinalReasoning == "" {
		return false
	}
	return strings.Contains(log.FinalReasoning, string(domain.CodeRateLimited)) ||
		strings.Contains(log.FinalReasoning, string(domain.CodeTransient))
}

// sleep waits d or until shutdown, reporting whether the wait completed.
func (o *Orchestrator) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-o.bgCtx.Done():
		return false
	}
}

// sessionLive reports whether the ephemeral state still exists. Expired
// sessions keep no background work alive.
func (o *Orchestrator) sessionLive(sessionID int64) bool {
	_, err := o.store.Load(o.bgCtx, sessionID)
	return err == nil
}
