package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctor/internal/config"
	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
	"proctor/internal/domain/repositories"
	"proctor/internal/domain/services"
	domainllm "proctor/internal/domain/services/llm"
	"proctor/internal/repository/sessionstore"
)

const testSessionID int64 = 71

// --- repository fakes ---

type fakeSessions struct {
	mu   sync.Mutex
	rows map[int64]*exam.Session
}

func (f *fakeSessions) GetByID(ctx context.Context, id int64) (*exam.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[id]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", id, domain.ErrNotFound)
	}
	copied := *s
	return &copied, nil
}

func (f *fakeSessions) FindOpen(ctx context.Context, examID, participantID, problemID string) (*exam.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.rows {
		if s.ExamID == examID && s.ParticipantID == participantID &&
			s.ProblemID == problemID && s.Status == exam.SessionOpen {
			copied := *s
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("no open session: %w", domain.ErrNotFound)
}

func (f *fakeSessions) Create(ctx context.Context, s *exam.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[s.ID] = s
	return nil
}

func (f *fakeSessions) UpdateStatus(ctx context.Context, id int64, status exam.SessionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.rows[id]; ok {
		s.Status = status
	}
	return nil
}

func (f *fakeSessions) status(id int64) exam.SessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id].Status
}

type fakeProblems struct {
	specs map[string]*exam.ProblemSpec
}

func (f *fakeProblems) GetBySpecID(ctx context.Context, specID string) (*exam.ProblemSpec, error) {
	p, ok := f.specs[specID]
	if !ok {
		return nil, fmt.Errorf("spec %s: %w", specID, domain.ErrNotFound)
	}
	return p, nil
}

func (f *fakeProblems) Create(ctx context.Context, spec *exam.ProblemSpec) error {
	f.specs[spec.SpecID] = spec
	return nil
}

type fakeMessages struct {
	mu   sync.Mutex
	rows map[int64][]exam.Message
	fail bool
}

func (f *fakeMessages) CreateTurnMessages(ctx context.Context, sessionID int64, msgs ...exam.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("database down")
	}
	f.rows[sessionID] = append(f.rows[sessionID], msgs...)
	return nil
}

func (f *fakeMessages) HasTurnPair(ctx context.Context, sessionID int64, turn int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var user, assistant bool
	for _, m := range f.rows[sessionID] {
		if m.Turn != turn {
			continue
		}
		switch m.Role {
		case exam.RoleUser:
			user = true
		case exam.RoleAssistant:
			assistant = true
		}
	}
	return user && assistant, nil
}

func (f *fakeMessages) ListBySession(ctx context.Context, sessionID int64) ([]exam.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exam.Message(nil), f.rows[sessionID]...), nil
}

func (f *fakeMessages) count(sessionID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows[sessionID])
}

type fakeEvals struct {
	mu       sync.Mutex
	turns    map[int64]map[int]exam.TurnLog
	holistic map[int64]*exam.HolisticLog
}

func (f *fakeEvals) UpsertTurnEval(ctx context.Context, sessionID int64, log *exam.TurnLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.turns[sessionID] == nil {
		f.turns[sessionID] = make(map[int]exam.TurnLog)
	}
	f.turns[sessionID][log.Turn] = *log
	return nil
}

func (f *fakeEvals) UpsertHolistic(ctx context.Context, sessionID int64, log *exam.HolisticLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *log
	f.holistic[sessionID] = &copied
	return nil
}

func (f *fakeEvals) ListTurnEvals(ctx context.Context, sessionID int64) ([]exam.TurnLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]exam.TurnLog, 0, len(f.turns[sessionID]))
	for _, log := range f.turns[sessionID] {
		out = append(out, log)
	}
	return out, nil
}

func (f *fakeEvals) GetHolistic(ctx context.Context, sessionID int64) (*exam.HolisticLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	log, ok := f.holistic[sessionID]
	if !ok {
		return nil, fmt.Errorf("holistic for %d: %w", sessionID, domain.ErrNotFound)
	}
	return log, nil
}

func (f *fakeEvals) turnEval(sessionID int64, turn int) (exam.TurnLog, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	log, ok := f.turns[sessionID][turn]
	return log, ok
}

type fakeSubs struct {
	mu   sync.Mutex
	rows map[string]*exam.SubmissionResult
}

func (f *fakeSubs) Create(ctx context.Context, r *exam.SubmissionResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.rows[r.SubmissionID]; dup {
		return errors.New("duplicate submission id")
	}
	f.rows[r.SubmissionID] = r
	return nil
}

func (f *fakeSubs) GetBySubmissionID(ctx context.Context, id string) (*exam.SubmissionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok {
		return nil, fmt.Errorf("submission %s: %w", id, domain.ErrNotFound)
	}
	return r, nil
}

type passTx struct{}

func (passTx) ExecTx(ctx context.Context, fn repositories.TxFn) error { return fn(ctx) }

// --- service fakes ---

type guardrailStep struct {
	verdict exam.GuardrailVerdict
	tokens  exam.TokenTriple
	err     error
}

type scriptGuardrail struct {
	mu     sync.Mutex
	steps  []guardrailStep
	inputs []services.GuardrailInput
}

func (g *scriptGuardrail) Check(ctx context.Context, in services.GuardrailInput) (exam.GuardrailVerdict, exam.TokenTriple, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inputs = append(g.inputs, in)
	if len(g.steps) == 0 {
		return safeVerdict(), exam.TokenTriple{Prompt: 5, Completion: 1, Total: 6}, nil
	}
	step := g.steps[0]
	g.steps = g.steps[1:]
	return step.verdict, step.tokens, step.err
}

func (g *scriptGuardrail) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inputs)
}

type tutorStep struct {
	reply exam.TutorReply
	err   error
}

type scriptTutor struct {
	mu     sync.Mutex
	steps  []tutorStep
	inputs []services.TutorInput
}

func (s *scriptTutor) Reply(ctx context.Context, in services.TutorInput, sink services.StreamSink) (exam.TutorReply, error) {
	s.mu.Lock()
	s.inputs = append(s.inputs, in)
	step := tutorStep{reply: exam.TutorReply{
		Status:  exam.TutorSuccess,
		Content: "think about the subproblem structure",
		Tokens:  exam.TokenTriple{Prompt: 40, Completion: 20, Total: 60},
	}}
	if len(s.steps) > 0 {
		step = s.steps[0]
		s.steps = s.steps[1:]
	}
	s.mu.Unlock()
	if sink != nil && step.reply.Content != "" {
		_ = sink.Delta(step.reply.Content)
	}
	return step.reply, step.err
}

func (s *scriptTutor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inputs)
}

func (s *scriptTutor) input(i int) services.TutorInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputs[i]
}

type evalStep struct {
	log   *exam.TurnLog
	err   error
	delay time.Duration
}

type scriptTurnEval struct {
	mu     sync.Mutex
	steps  map[int][]evalStep
	calls  map[int]int
	inputs []services.TurnEvalInput
}

func (s *scriptTurnEval) EvaluateTurn(ctx context.Context, in services.TurnEvalInput) (*exam.TurnLog, exam.TokenTriple, error) {
	s.mu.Lock()
	s.calls[in.Turn]++
	s.inputs = append(s.inputs, in)
	var step *evalStep
	if queued := s.steps[in.Turn]; len(queued) > 0 {
		step = &queued[0]
		s.steps[in.Turn] = queued[1:]
	}
	s.mu.Unlock()

	if step != nil {
		if step.delay > 0 {
			time.Sleep(step.delay)
		}
		if step.err != nil {
			return nil, exam.TokenTriple{}, step.err
		}
		copied := *step.log
		return &copied, exam.TokenTriple{Prompt: 30, Completion: 10, Total: 40}, nil
	}

	score := 80.0
	if in.GuardrailFailed {
		score = 0
	}
	log := &exam.TurnLog{
		Turn:             in.Turn,
		Intent:           exam.IntentHintOrQuery,
		IntentConfidence: 0.9,
		Rubrics:          []exam.RubricEntry{{Criterion: exam.CriterionClarity, Score: 80, Reasoning: "clear ask"}},
		WeightedScore:    score,
		AssistantSummary: "pointed at the recurrence",
		GuardrailFailed:  in.GuardrailFailed,
		CreatedAt:        time.Now().UTC(),
	}
	return log, exam.TokenTriple{Prompt: 30, Completion: 10, Total: 40}, nil
}

func (s *scriptTurnEval) callCount(turn int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[turn]
}

func (s *scriptTurnEval) lastInput() services.TurnEvalInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputs[len(s.inputs)-1]
}

type scriptHolistic struct {
	mu    sync.Mutex
	score float64
	err   error
	calls int
	last  []exam.TurnLog
}

func (s *scriptHolistic) EvaluateFlow(ctx context.Context, logs []exam.TurnLog, problem *exam.ProblemSpec) (*exam.HolisticLog, exam.TokenTriple, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.last = append([]exam.TurnLog(nil), logs...)
	if s.err != nil {
		return nil, exam.TokenTriple{}, s.err
	}
	return &exam.HolisticLog{
		FlowScore: s.score,
		Analysis:  "coherent decomposition into subproblems",
		CreatedAt: time.Now().UTC(),
	}, exam.TokenTriple{Prompt: 20, Completion: 10, Total: 30}, nil
}

type scriptCodeEval struct {
	mu     sync.Mutex
	result services.CodeResult
	err    error
	calls  int
	code   string
	lang   string
}

func (s *scriptCodeEval) Evaluate(ctx context.Context, code, language string, problem *exam.ProblemSpec) (*services.CodeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.code, s.lang = code, language
	if s.err != nil {
		return nil, s.err
	}
	res := s.result
	return &res, nil
}

type fakeGateway struct {
	mu    sync.Mutex
	nodes []string
	reqs  []*domainllm.CompletionRequest
	text  string
	err   error
}

func (g *fakeGateway) Complete(ctx context.Context, node string, req *domainllm.CompletionRequest) (*domainllm.Completion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = append(g.nodes, node)
	g.reqs = append(g.reqs, req)
	if g.err != nil {
		return nil, g.err
	}
	text := g.text
	if text == "" {
		text = "the student has settled on a dynamic programming approach"
	}
	return &domainllm.Completion{Text: text, Tokens: exam.TokenTriple{Prompt: 100, Completion: 30, Total: 130}}, nil
}

func (g *fakeGateway) Stream(ctx context.Context, node string, req *domainllm.CompletionRequest, onDelta func(string) error) (*domainllm.Completion, error) {
	return g.Complete(ctx, node, req)
}

func (g *fakeGateway) nodeCalls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.nodes...)
}

// --- fixture ---

type fixture struct {
	orch      *Orchestrator
	store     repositories.SessionStore
	sessions  *fakeSessions
	problems  *fakeProblems
	messages  *fakeMessages
	evals     *fakeEvals
	subs      *fakeSubs
	guardrail *scriptGuardrail
	tutor     *scriptTutor
	turnEval  *scriptTurnEval
	holistic  *scriptHolistic
	codeEval  *scriptCodeEval
	gateway   *fakeGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: sessionstore.NewMemoryStore(),
		sessions: &fakeSessions{rows: map[int64]*exam.Session{
			testSessionID: {
				ID:            testSessionID,
				ExamID:        "exam-1",
				ParticipantID: "part-9",
				ProblemID:     "prob-3",
				SpecID:        "spec-3",
				Language:      "python",
				Status:        exam.SessionOpen,
				CreatedAt:     time.Now().UTC(),
			},
		}},
		problems: &fakeProblems{specs: map[string]*exam.ProblemSpec{
			"spec-3": {
				SpecID:        "spec-3",
				ProblemID:     "prob-3",
				Title:         "Longest Increasing Subsequence",
				TimeLimitSec:  2,
				MemoryLimitMB: 256,
				KeyAlgorithms: []string{"dynamic programming"},
				TestCases:     []exam.TestCase{{Input: "5\n1 3 2 4 3", Expected: "3"}},
			},
		}},
		messages:  &fakeMessages{rows: make(map[int64][]exam.Message)},
		evals:     &fakeEvals{turns: make(map[int64]map[int]exam.TurnLog), holistic: make(map[int64]*exam.HolisticLog)},
		subs:      &fakeSubs{rows: make(map[string]*exam.SubmissionResult)},
		guardrail: &scriptGuardrail{},
		tutor:     &scriptTutor{},
		turnEval:  &scriptTurnEval{steps: make(map[int][]evalStep), calls: make(map[int]int)},
		holistic:  &scriptHolistic{score: 70},
		codeEval: &scriptCodeEval{result: services.CodeResult{
			CorrectnessScore: 100,
			PerformanceScore: 50,
			TestOutcomes:     []exam.TestOutcome{{Index: 0, Passed: true, Status: "SUCCESS"}},
			ExecutionTimeSec: 0.4,
			MemoryUsedBytes:  32 << 20,
		}},
		gateway: &fakeGateway{},
	}
	f.orch = New(Deps{
		Store:       f.store,
		Sessions:    f.sessions,
		Problems:    f.problems,
		Messages:    f.messages,
		Evaluations: f.evals,
		Submissions: f.subs,
		Tx:          passTx{},
		Guardrail:   f.guardrail,
		Tutor:       f.tutor,
		TurnEval:    f.turnEval,
		Holistic:    f.holistic,
		CodeEval:    f.codeEval,
		Gateway:     f.gateway,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	f.orch.retryBase = time.Millisecond
	t.Cleanup(f.orch.Close)
	return f
}

func (f *fixture) chat(t *testing.T, content string) *ChatResult {
	t.Helper()
	res, err := f.orch.HandleChat(context.Background(), ChatInput{SessionID: testSessionID, Content: content}, nil)
	require.NoError(t, err)
	return res
}

func (f *fixture) loadState(t *testing.T) *exam.State {
	t.Helper()
	state, err := f.store.Load(context.Background(), testSessionID)
	require.NoError(t, err)
	return state
}

// waitForTurnLog polls the ephemeral store until the background evaluation
// lands.
func (f *fixture) waitForTurnLog(t *testing.T, turn int) *exam.TurnLog {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if log, err := f.store.GetTurnLog(context.Background(), testSessionID, turn); err == nil {
			return log
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("turn %d log never appeared", turn)
	return nil
}

func (f *fixture) waitForDurableEval(t *testing.T, turn int) exam.TurnLog {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if log, ok := f.evals.turnEval(testSessionID, turn); ok {
			return log
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("durable eval for turn %d never appeared", turn)
	return exam.TurnLog{}
}

// seedDialogue writes a state with complete turn pairs straight into the
// store, bypassing the chat path.
func (f *fixture) seedDialogue(t *testing.T, pairs int) *exam.State {
	t.Helper()
	state := &exam.State{
		SessionID:     testSessionID,
		ExamID:        "exam-1",
		ParticipantID: "part-9",
		ProblemID:     "prob-3",
		SpecID:        "spec-3",
		Language:      "python",
		Status:        exam.SessionOpen,
		CurrentTurn:   pairs,
	}
	for turn := 1; turn <= pairs; turn++ {
		state.AppendMessage(exam.Message{
			Turn: turn, Role: exam.RoleUser,
			Content:   fmt.Sprintf("question %d", turn),
			CreatedAt: time.Now().UTC(),
		})
		state.AppendMessage(exam.Message{
			Turn: turn, Role: exam.RoleAssistant,
			Content:   fmt.Sprintf("hint %d", turn),
			CreatedAt: time.Now().UTC(),
		})
	}
	require.NoError(t, f.store.Save(context.Background(), state))
	return state
}

// --- chat path ---

func TestChatTurnSuccess(t *testing.T) {
	f := newFixture(t)

	res := f.chat(t, "how should I approach this problem?")

	assert.Equal(t, testSessionID, res.SessionID)
	assert.Equal(t, 1, res.Turn)
	assert.Equal(t, "think about the subproblem structure", res.Content)
	assert.False(t, res.Blocked)
	assert.Equal(t, 66, res.TurnTokens.Total) // guardrail 6 + tutor 60
	assert.Equal(t, 66, res.TotalTokens.Total)

	state := f.loadState(t)
	assert.Equal(t, 1, state.CurrentTurn)
	require.Len(t, state.Messages, 2)
	assert.Equal(t, exam.RoleUser, state.Messages[0].Role)
	assert.Equal(t, exam.RoleAssistant, state.Messages[1].Role)
	assert.Equal(t, 1, state.Messages[1].Turn)

	durable, err := f.messages.ListBySession(context.Background(), testSessionID)
	require.NoError(t, err)
	assert.Len(t, durable, 2)

	log := f.waitForTurnLog(t, 1)
	assert.Equal(t, 80.0, log.WeightedScore)
	assert.False(t, log.GuardrailFailed)
	f.waitForDurableEval(t, 1)
}

func TestChatTurnsNumberSequentially(t *testing.T) {
	f := newFixture(t)

	first := f.chat(t, "what does the input look like?")
	f.waitForTurnLog(t, 1)
	second := f.chat(t, "and how big can n get?")

	assert.Equal(t, 1, first.Turn)
	assert.Equal(t, 2, second.Turn)

	// The second prompt sees turn 1 as history but never its own message.
	in := f.tutor.input(1)
	require.Len(t, in.Messages, 2)
	assert.Equal(t, 1, in.Messages[0].Turn)
	assert.Equal(t, "and how big can n get?", in.UserMessage)

	// Cumulative counter covers both turns.
	assert.Equal(t, 132, second.TotalTokens.Total)
	assert.Equal(t, 66, second.TurnTokens.Total)
}

func TestChatUnknownSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.HandleChat(context.Background(), ChatInput{SessionID: 999, Content: "hello"}, nil)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestChatValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		in   ChatInput
	}{
		{"missing session id", ChatInput{Content: "hi"}},
		{"empty message", ChatInput{SessionID: testSessionID, Content: "   "}},
		{"oversized message", ChatInput{SessionID: testSessionID, Content: strings.Repeat("x", config.MaxUserMessageLength+1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.HandleChat(context.Background(), tt.in, nil)
			assert.True(t, errors.Is(err, domain.ErrValidation))
		})
	}
}

func TestChatRejectsSubmittedSession(t *testing.T) {
	f := newFixture(t)
	state := f.seedDialogue(t, 1)
	state.Status = exam.SessionSubmitted
	require.NoError(t, f.store.Save(context.Background(), state))

	_, err := f.orch.HandleChat(context.Background(), ChatInput{SessionID: testSessionID, Content: "one more hint?"}, nil)
	assert.True(t, errors.Is(err, domain.ErrPrecondition))
}

func TestChatMismatchedProblemRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.HandleChat(context.Background(), ChatInput{
		SessionID: testSessionID,
		Content:   "hello",
		ProblemID: "prob-999",
	}, nil)
	assert.True(t, errors.Is(err, domain.ErrPrecondition))
}

func TestChatBlockedTurnStillCompletes(t *testing.T) {
	f := newFixture(t)
	f.guardrail.steps = []guardrailStep{{
		verdict: exam.GuardrailVerdict{
			Status:      exam.GuardrailBlocked,
			BlockReason: exam.BlockDirectAnswer,
			RequestType: exam.RequestChat,
		},
		tokens: exam.TokenTriple{Prompt: 5, Completion: 1, Total: 6},
	}}
	f.tutor.steps = []tutorStep{{reply: exam.TutorReply{
		Status:  exam.TutorFailedGuardrail,
		Content: "I can't hand over the solution, but which part of the recurrence is unclear?",
		Tokens:  exam.TokenTriple{Prompt: 10, Completion: 15, Total: 25},
	}}}

	res := f.chat(t, "just give me the full solution code")

	assert.True(t, res.Blocked)
	assert.Equal(t, 1, res.Turn)
	assert.Contains(t, res.Content, "which part of the recurrence")

	state := f.loadState(t)
	assert.True(t, state.TurnBlocked(1))
	require.Len(t, state.Messages, 2)
	assert.Equal(t, 2, f.messages.count(testSessionID))

	// The refusal generation received the blocked verdict and no dialogue.
	in := f.tutor.input(0)
	assert.True(t, in.Verdict.Blocked())
	assert.Empty(t, in.Messages)

	log := f.waitForTurnLog(t, 1)
	assert.True(t, log.GuardrailFailed)
	assert.Equal(t, 0.0, log.WeightedScore)
}

func TestChatRateLimitRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t)
	f.tutor.steps = []tutorStep{{
		reply: exam.TutorReply{Status: exam.TutorFailedRateLimit},
		err:   domain.NewCoreError(domain.CodeRateLimited, "anthropic rate limited", nil),
	}}

	res := f.chat(t, "where do I start?")

	assert.Equal(t, 1, res.Turn)
	assert.Equal(t, "think about the subproblem structure", res.Content)
	assert.Equal(t, 2, f.tutor.callCount())
	// The verdict survives the retry; the guardrail runs once.
	assert.Equal(t, 1, f.guardrail.callCount())
}

func TestChatRateLimitExhaustsRetries(t *testing.T) {
	f := newFixture(t)
	limited := tutorStep{
		reply: exam.TutorReply{Status: exam.TutorFailedRateLimit},
		err:   domain.NewCoreError(domain.CodeRateLimited, "anthropic rate limited", nil),
	}
	f.tutor.steps = []tutorStep{limited, limited, limited, limited}

	_, err := f.orch.HandleChat(context.Background(), ChatInput{SessionID: testSessionID, Content: "hint please"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRateLimited))

	var coreErr *domain.CoreError
	require.True(t, errors.As(err, &coreErr))
	assert.Equal(t, 429, coreErr.StatusCode())

	// Initial attempt plus the three retries.
	assert.Equal(t, 1+config.MaxChatRateLimitRetries, f.tutor.callCount())

	// The user half persisted before generation; the pair never completed.
	state := f.loadState(t)
	assert.Equal(t, 1, state.CurrentTurn)
	assert.Len(t, state.Messages, 1)
	assert.Equal(t, 0, f.messages.count(testSessionID))
}

func TestChatTechnicalFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	f.tutor.steps = []tutorStep{{
		reply: exam.TutorReply{Status: exam.TutorFailedTechnical},
		err:   domain.NewCoreError(domain.CodeFatal, "provider returned garbage", nil),
	}}

	_, err := f.orch.HandleChat(context.Background(), ChatInput{SessionID: testSessionID, Content: "hint please"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrFatal))
	assert.Equal(t, 1, f.tutor.callCount())
}

func TestChatOverflowSummarizesAndRetries(t *testing.T) {
	f := newFixture(t)
	f.seedDialogue(t, 8)
	f.gateway.text = "summary: the student is building a DP over prefixes"
	f.tutor.steps = []tutorStep{{
		reply: exam.TutorReply{Status: exam.TutorFailedThreshold},
		err:   domain.NewCoreError(domain.CodeContextOverflow, "prompt too long", nil),
	}}

	res := f.chat(t, "so what is the transition?")

	assert.Equal(t, 9, res.Turn)
	assert.Equal(t, "think about the subproblem structure", res.Content)
	assert.Equal(t, []string{"memory"}, f.gateway.nodeCalls())

	state := f.loadState(t)
	assert.Equal(t, "summary: the student is building a DP over prefixes", state.MemorySummary)
	assert.Equal(t, 1, state.SummarizeCount)
	// 17 active messages at fold time, keep tail of 6.
	assert.Equal(t, 11, state.SummarizedUpTo)

	// The retried generation got the summary plus the shrunken window.
	in := f.tutor.input(1)
	assert.Equal(t, state.MemorySummary, in.Summary)
	assert.Len(t, in.Messages, 5)

	// The fold prompt carried the old messages, not the in-flight one.
	req := f.gateway.reqs[0]
	assert.Contains(t, req.Messages[0].Content, "[turn 1] Student: question 1")
	assert.NotContains(t, req.Messages[0].Content, "so what is the transition?")
}

func TestChatSecondOverflowIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.seedDialogue(t, 8)
	overflowed := tutorStep{
		reply: exam.TutorReply{Status: exam.TutorFailedThreshold},
		err:   domain.NewCoreError(domain.CodeContextOverflow, "prompt too long", nil),
	}
	f.tutor.steps = []tutorStep{overflowed, overflowed}

	_, err := f.orch.HandleChat(context.Background(), ChatInput{SessionID: testSessionID, Content: "next hint?"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrContextOverflow))
	assert.Equal(t, 2, f.tutor.callCount())
	assert.Equal(t, []string{"memory"}, f.gateway.nodeCalls())
}

func TestChatOverflowWithNothingToFoldIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.seedDialogue(t, 1)
	f.tutor.steps = []tutorStep{{
		reply: exam.TutorReply{Status: exam.TutorFailedThreshold},
		err:   domain.NewCoreError(domain.CodeContextOverflow, "prompt too long", nil),
	}}

	_, err := f.orch.HandleChat(context.Background(), ChatInput{SessionID: testSessionID, Content: "hm?"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrContextOverflow))
	assert.Empty(t, f.gateway.nodeCalls())
}

func TestChatProactiveFoldOnOversizedBuffer(t *testing.T) {
	f := newFixture(t)
	f.seedDialogue(t, config.MaxBufferedMessages/2+1) // 42 messages

	res := f.chat(t, "still with me?")

	assert.Equal(t, config.MaxBufferedMessages/2+2, res.Turn)
	assert.Equal(t, []string{"memory"}, f.gateway.nodeCalls())

	state := f.loadState(t)
	assert.Equal(t, 1, state.SummarizeCount)
	assert.Equal(t, 42-config.SummaryKeepTail, state.SummarizedUpTo)

	// The guardrail saw the post-fold view.
	require.Equal(t, 1, f.guardrail.callCount())
	assert.Len(t, f.guardrail.inputs[0].History, config.SummaryKeepTail)
}

func TestChatHydratesStateFromDurableRows(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.messages.rows[testSessionID] = []exam.Message{
		{Turn: 1, Role: exam.RoleUser, Content: "old question", CreatedAt: now},
		{Turn: 1, Role: exam.RoleAssistant, Content: "old hint", CreatedAt: now},
		{Turn: 2, Role: exam.RoleUser, Content: "older question", CreatedAt: now},
		{Turn: 2, Role: exam.RoleAssistant, Content: "older hint", CreatedAt: now},
	}

	res := f.chat(t, "picking this back up")

	assert.Equal(t, 3, res.Turn)
	state := f.loadState(t)
	assert.Equal(t, 3, state.CurrentTurn)
	assert.Len(t, state.Messages, 6)
}

// --- background evaluation ---

func TestBackgroundEvalRunsAtMostOncePerTurn(t *testing.T) {
	f := newFixture(t)

	f.chat(t, "first question")
	f.waitForTurnLog(t, 1)
	f.chat(t, "second question")
	f.waitForTurnLog(t, 2)

	assert.Equal(t, 1, f.turnEval.callCount(1))
	assert.Equal(t, 1, f.turnEval.callCount(2))

	// A re-spawn for an already evaluated turn is a no-op.
	state := f.loadState(t)
	f.orch.spawnTurnEvaluation(context.Background(), state, 1, false)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, f.turnEval.callCount(1))
}

func TestBackgroundEvalInflightDeduplicates(t *testing.T) {
	f := newFixture(t)
	f.turnEval.steps[1] = []evalStep{{
		delay: 50 * time.Millisecond,
		log: &exam.TurnLog{
			Turn:          1,
			Intent:        exam.IntentHintOrQuery,
			Rubrics:       []exam.RubricEntry{{Criterion: exam.CriterionClarity, Score: 70}},
			WeightedScore: 70,
			CreatedAt:     time.Now().UTC(),
		},
	}}

	f.chat(t, "slow evaluation turn")
	state := f.loadState(t)
	f.orch.spawnTurnEvaluation(context.Background(), state, 1, false)

	log := f.waitForTurnLog(t, 1)
	assert.Equal(t, 70.0, log.WeightedScore)
	assert.Equal(t, 1, f.turnEval.callCount(1))
}

func TestBackgroundEvalRetriesThrottledSentinel(t *testing.T) {
	f := newFixture(t)
	f.turnEval.steps[1] = []evalStep{{
		log: &exam.TurnLog{
			Turn:           1,
			Intent:         exam.IntentHintOrQuery,
			WeightedScore:  0,
			FinalReasoning: "rubric evaluation: RATE_LIMITED: gateway throttled",
			CreatedAt:      time.Now().UTC(),
		},
	}}

	f.chat(t, "throttled turn")

	log := f.waitForTurnLog(t, 1)
	assert.Equal(t, 80.0, log.WeightedScore)
	assert.Equal(t, 2, f.turnEval.callCount(1))
}

func TestBackgroundEvalKeepsNonRetryableSentinel(t *testing.T) {
	f := newFixture(t)
	f.turnEval.steps[1] = []evalStep{{
		log: &exam.TurnLog{
			Turn:           1,
			Intent:         exam.IntentHintOrQuery,
			WeightedScore:  0,
			FinalReasoning: "rubric evaluation: FATAL: rubric schema mismatch",
			CreatedAt:      time.Now().UTC(),
		},
	}}

	f.chat(t, "broken rubric turn")

	log := f.waitForTurnLog(t, 1)
	assert.Equal(t, 0.0, log.WeightedScore)
	assert.Contains(t, log.FinalReasoning, "FATAL")
	assert.Equal(t, 1, f.turnEval.callCount(1))
}

func TestChatStreamsThroughSink(t *testing.T) {
	f := newFixture(t)
	var streamed strings.Builder
	sink := services.StreamSinkFunc(func(text string) error {
		streamed.WriteString(text)
		return nil
	})

	res, err := f.orch.HandleChat(context.Background(), ChatInput{SessionID: testSessionID, Content: "stream it"}, sink)
	require.NoError(t, err)
	assert.Equal(t, res.Content, streamed.String())
}
