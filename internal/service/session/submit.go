package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"proctor/internal/config"
	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
	"proctor/internal/domain/services"
)

// guardParallelism bounds how many missing turns the submission guard
// evaluates concurrently.
const guardParallelism = 3

// SubmitInput is the dedicated submission endpoint's payload. The session
// is resolved from the exam coordinates; the payload carries no session id.
type SubmitInput struct {
	ExamID        string
	ParticipantID string
	ProblemID     string
	SubmissionID  string
	FinalCode     string
	Language      string
}

type submitJob struct {
	SubmissionID string
	Code         string
	Language     string
}

// HandleSubmit grades the final code for the participant's open session:
// guard backfill, holistic flow evaluation, two-phase code evaluation,
// aggregation, then the session flips to SUBMITTED. Resubmissions of the
// same id return the stored verdict unchanged.
func (o *Orchestrator) HandleSubmit(ctx context.Context, in SubmitInput) (*exam.SubmissionResult, error) {
	if err := validateSubmit(in); err != nil {
		return nil, err
	}
	existing, err := o.subs.GetBySubmissionID(ctx, in.SubmissionID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("submission lookup: %w", err)
	}

	sess, err := o.sessions.FindOpen(ctx, in.ExamID, in.ParticipantID, in.ProblemID)
	if err != nil {
		return nil, err
	}

	unlock := o.store.Lock(sess.ID)
	defer unlock()

	state, err := o.loadOrHydrate(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	if err := o.attachProblem(ctx, state); err != nil {
		return nil, err
	}
	language := in.Language
	if language == "" {
		language = state.Language
	}
	return o.runSubmission(ctx, state, submitJob{
		SubmissionID: in.SubmissionID,
		Code:         in.FinalCode,
		Language:     language,
	})
}

func validateSubmit(in SubmitInput) error {
	switch {
	case in.SubmissionID == "":
		return fmt.Errorf("%w: submission id is required", domain.ErrValidation)
	case in.ExamID == "" || in.ParticipantID == "" || in.ProblemID == "":
		return fmt.Errorf("%w: exam, participant and problem ids are required", domain.ErrValidation)
	case strings.TrimSpace(in.FinalCode) == "":
		return fmt.Errorf("%w: final code is empty", domain.ErrValidation)
	case len(in.FinalCode) > config.MaxSubmissionCodeLength:
		return fmt.Errorf("%w: final code exceeds %d bytes", domain.ErrValidation, config.MaxSubmissionCodeLength)
	}
	return nil
}

// chatSubmission handles a chat message the guardrail classified as a
// submission attempt: the message body is taken as the final code. No turn
// number is consumed; the dedicated endpoint stays the richer path.
func (o *Orchestrator) chatSubmission(ctx context.Context, f *flow) (node, error) {
	result, err := o.runSubmission(ctx, f.state, submitJob{
		SubmissionID: uuid.New().String(),
		Code:         f.in.Content,
		Language:     f.state.Language,
	})
	if err != nil {
		return nodeEnd, err
	}
	f.result = &ChatResult{
		SessionID:   f.state.SessionID,
		Turn:        f.state.CurrentTurn,
		Content:     submissionNotice(result),
		TurnTokens:  f.turnTokens,
		TotalTokens: o.totalChatTokens(ctx, f.state),
		Submission:  result,
	}
	return nodeEnd, nil
}

func submissionNotice(r *exam.SubmissionResult) string {
	return fmt.Sprintf(
		"Final code received and graded. Total %.1f (%s): correctness %.0f, performance %.0f, prompting %.1f.",
		r.TotalScore, r.Grade, r.CorrectnessScore, r.PerformanceScore, r.PromptScore)
}

// runSubmission is the grading pipeline. The caller holds the session lock.
func (o *Orchestrator) runSubmission(ctx context.Context, state *exam.State, job submitJob) (*exam.SubmissionResult, error) {
	if state.Status != exam.SessionOpen {
		return nil, domain.NewCoreError(domain.CodePrecondition, "session is already submitted", nil)
	}
	// Re-check under the lock; a concurrent submit may have won the race.
	if existing, err := o.subs.GetBySubmissionID(ctx, job.SubmissionID); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("submission lookup: %w", err)
	}

	if err := o.submissionGuard(ctx, state); err != nil {
		return nil, err
	}

	stored, err := o.store.ListTurnLogs(ctx, state.SessionID)
	if err != nil {
		return nil, fmt.Errorf("list turn logs: %w", err)
	}
	logs := orderedTurnLogs(stored)

	holistic := o.evaluateHolistic(ctx, state, logs)

	codeRes, err := o.codeEval.Evaluate(ctx, job.Code, job.Language, state.Problem)
	if err != nil {
		return nil, err
	}

	result := aggregateVerdict(state.SessionID, job.SubmissionID, logs, holistic.FlowScore, codeRes, time.Now().UTC())

	if err := o.tx.ExecTx(ctx, func(txCtx context.Context) error {
		if err := o.subs.Create(txCtx, result); err != nil {
			return err
		}
		return o.sessions.UpdateStatus(txCtx, state.SessionID, exam.SessionSubmitted)
	}); err != nil {
		return nil, fmt.Errorf("record submission: %w", err)
	}

	state.Status = exam.SessionSubmitted
	if evalTotal, terr := o.store.GetTokens(ctx, state.SessionID, exam.TokenKindEval); terr == nil {
		state.EvalTokens = evalTotal
	}
	if err := o.store.Save(ctx, state); err != nil {
		o.logger.Warn("state save after submission failed",
			"session_id", state.SessionID, "error", err)
	}

	o.logger.Info("submission graded",
		"session_id", state.SessionID, "submission_id", job.SubmissionID,
		"total", result.TotalScore, "grade", result.Grade,
		"correctness", result.CorrectnessScore, "performance", result.PerformanceScore,
		"prompt", result.PromptScore)
	return result, nil
}

// submissionGuard backfills evaluations for completed turns that never got
// their background write. Gaps here would silently weaken the prompt
// score, so the guard runs synchronously before grading.
func (o *Orchestrator) submissionGuard(ctx context.Context, state *exam.State) error {
	existing, err := o.store.ListTurnLogs(ctx, state.SessionID)
	if err != nil {
		return fmt.Errorf("list turn logs: %w", err)
	}

	var missing []exam.TurnPair
	for turn := 1; turn <= state.CurrentTurn; turn++ {
		if _, ok := existing[turn]; ok {
			continue
		}
		pair := state.Pair(turn)
		if !pair.Complete() {
			// Half-complete turns have nothing gradeable.
			o.logger.Warn("turn pair incomplete at submission",
				"session_id", state.SessionID, "turn", turn)
			continue
		}
		missing = append(missing, pair)
	}
	if len(missing) == 0 {
		return nil
	}
	o.logger.Info("submission guard backfilling evaluations",
		"session_id", state.SessionID, "missing", len(missing))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(guardParallelism)
	for _, pair := range missing {
		pair := pair
		g.Go(func() error {
			return o.evaluateTurnNow(gctx, state, pair)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("submission guard: %w", err)
	}
	return nil
}

// evaluateTurnNow evaluates one backfilled turn and writes both stores.
// The evaluator degrades internally, so an error here is a cancellation or
// a store failure, both of which abort the submission.
func (o *Orchestrator) evaluateTurnNow(ctx context.Context, state *exam.State, pair exam.TurnPair) error {
	log, tokens, err := o.turnEval.EvaluateTurn(ctx, services.TurnEvalInput{
		Turn:            pair.Turn,
		UserMessage:     pair.User.Content,
		AssistantReply:  pair.Assistant.Content,
		Problem:         state.Problem,
		GuardrailFailed: state.TurnBlocked(pair.Turn),
	})
	if err != nil {
		return err
	}
	if _, terr := o.store.AddTokens(ctx, state.SessionID, exam.TokenKindEval, tokens); terr != nil {
		o.logger.Warn("eval token accumulation failed",
			"session_id", state.SessionID, "error", terr)
	}
	if err := o.store.PutTurnLog(ctx, state.SessionID, log); err != nil {
		return fmt.Errorf("store turn log %d: %w", pair.Turn, err)
	}
	if err := o.evals.UpsertTurnEval(ctx, state.SessionID, log); err != nil {
		return fmt.Errorf("persist turn eval %d: %w", pair.Turn, err)
	}
	return nil
}

// evaluateHolistic runs the flow evaluation, degrading to a zero-score log
// when the evaluator is unavailable. Grading never blocks on it.
func (o *Orchestrator) evaluateHolistic(ctx context.Context, state *exam.State, logs []exam.TurnLog) *exam.HolisticLog {
	holistic, tokens, err := o.holistic.EvaluateFlow(ctx, logs, state.Problem)
	if err != nil {
		o.logger.Error("holistic evaluation failed",
			"session_id", state.SessionID, "error", err)
		holistic = &exam.HolisticLog{
			Analysis:  "holistic evaluation unavailable: " + err.Error(),
			CreatedAt: time.Now().UTC(),
		}
	}
	if !tokens.IsZero() {
		if _, terr := o.store.AddTokens(ctx, state.SessionID, exam.TokenKindEval, tokens); terr != nil {
			o.logger.Warn("eval token accumulation failed",
				"session_id", state.SessionID, "error", terr)
		}
	}
	if err := o.store.PutHolistic(ctx, state.SessionID, holistic); err != nil {
		o.logger.Warn("holistic log store failed",
			"session_id", state.SessionID, "error", err)
	}
	if err := o.evals.UpsertHolistic(ctx, state.SessionID, holistic); err != nil {
		o.logger.Warn("holistic durable write failed",
			"session_id", state.SessionID, "error", err)
	}
	return holistic
}

func orderedTurnLogs(logs map[int]exam.TurnLog) []exam.TurnLog {
	turns := make([]int, 0, len(logs))
	for t := range logs {
		turns = append(turns, t)
	}
	sort.Ints(turns)
	out := make([]exam.TurnLog, 0, len(turns))
	for _, t := range turns {
		out = append(out, logs[t])
	}
	return out
}

// aggregateVerdict folds the per-turn scores, the flow score and the code
// result into the final weighted verdict. The prompt score is the mean of
// the average turn score and the flow score.
func aggregateVerdict(sessionID int64, submissionID string, logs []exam.TurnLog, flowScore float64, code *services.CodeResult, at time.Time) *exam.SubmissionResult {
	var meanTurn float64
	if len(logs) > 0 {
		var sum float64
		for _, l := range logs {
			sum += l.WeightedScore
		}
		meanTurn = sum / float64(len(logs))
	}
	promptScore := (meanTurn + flowScore) / 2

	total := exam.ComputeTotalScore(promptScore, code.PerformanceScore, code.CorrectnessScore)
	return &exam.SubmissionResult{
		SubmissionID:     submissionID,
		SessionID:        sessionID,
		CorrectnessScore: code.CorrectnessScore,
		PerformanceScore: code.PerformanceScore,
		PromptScore:      promptScore,
		TotalScore:       total,
		Grade:            exam.LetterGrade(total),
		TestOutcomes:     code.TestOutcomes,
		ExecutionTimeSec: code.ExecutionTimeSec,
		MemoryUsedBytes:  code.MemoryUsedBytes,
		SkipReason:       code.SkipReason,
		CreatedAt:        at,
	}
}
