package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"proctor/internal/config"
	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
)

func safeVerdict() exam.GuardrailVerdict {
	return exam.GuardrailVerdict{
		Status:      exam.GuardrailSafe,
		RequestType: exam.RequestChat,
		Strategy:    exam.GuideLogic,
	}
}

func TestRouteAfterIntent(t *testing.T) {
	tests := []struct {
		name string
		flow *flow
		want node
	}{
		{
			name: "safe chat goes to tutor",
			flow: &flow{verdict: safeVerdict()},
			want: nodeTutorReply,
		},
		{
			name: "blocked goes to failure handling",
			flow: &flow{verdict: exam.GuardrailVerdict{
				Status:      exam.GuardrailBlocked,
				BlockReason: exam.BlockDirectAnswer,
				RequestType: exam.RequestChat,
			}},
			want: nodeHandleFailure,
		},
		{
			name: "submission classification takes the submit path",
			flow: &flow{verdict: exam.GuardrailVerdict{
				Status:      exam.GuardrailSafe,
				RequestType: exam.RequestSubmission,
			}},
			want: nodeChatSubmit,
		},
		{
			name: "overflow error folds memory first",
			flow: &flow{stepErr: domain.NewCoreError(domain.CodeContextOverflow, "too long", nil)},
			want: nodeSummarize,
		},
		{
			name: "any other error goes to failure handling",
			flow: &flow{stepErr: domain.NewCoreError(domain.CodeRateLimited, "throttled", nil)},
			want: nodeHandleFailure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, routeAfterIntent(tt.flow))
		})
	}
}

func TestRouteAfterTutor(t *testing.T) {
	tests := []struct {
		status exam.TutorStatus
		want   node
	}{
		{exam.TutorSuccess, nodeEnd},
		{exam.TutorFailedThreshold, nodeSummarize},
		{exam.TutorFailedRateLimit, nodeHandleFailure},
		{exam.TutorFailedTechnical, nodeHandleFailure},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			f := &flow{reply: exam.TutorReply{Status: tt.status}}
			assert.Equal(t, tt.want, routeAfterTutor(f))
		})
	}
}

func TestRouteAfterRequest(t *testing.T) {
	longState := func(pairs int) *exam.State {
		state := &exam.State{SessionID: 1}
		for turn := 1; turn <= pairs; turn++ {
			state.AppendMessage(exam.Message{Turn: turn, Role: exam.RoleUser, Content: "q"})
			state.AppendMessage(exam.Message{Turn: turn, Role: exam.RoleAssistant, Content: "a"})
		}
		return state
	}

	t.Run("oversized buffer folds before any model call", func(t *testing.T) {
		f := &flow{state: longState(config.MaxBufferedMessages/2 + 1)}
		assert.Equal(t, nodeSummarize, routeAfterRequest(f))
	})

	t.Run("spent summary budget skips the fold", func(t *testing.T) {
		state := longState(config.MaxBufferedMessages/2 + 1)
		state.SummarizeCount = config.MaxSummarizePerRequest
		f := &flow{state: state}
		assert.Equal(t, nodeIntentAnalyze, routeAfterRequest(f))
	})

	t.Run("re-entry with decided verdict skips the guardrail", func(t *testing.T) {
		f := &flow{state: longState(2), verdict: safeVerdict()}
		assert.Equal(t, nodeTutorReply, routeAfterRequest(f))
	})

	t.Run("re-entry with submission verdict resumes the submit path", func(t *testing.T) {
		f := &flow{state: longState(2), verdict: exam.GuardrailVerdict{
			Status:      exam.GuardrailSafe,
			RequestType: exam.RequestSubmission,
		}}
		assert.Equal(t, nodeChatSubmit, routeAfterRequest(f))
	})

	t.Run("fresh request analyzes intent", func(t *testing.T) {
		f := &flow{state: longState(2)}
		assert.Equal(t, nodeIntentAnalyze, routeAfterRequest(f))
	})
}

func TestDialogueHistory(t *testing.T) {
	state := &exam.State{SessionID: 1}
	for turn := 1; turn <= 3; turn++ {
		state.AppendMessage(exam.Message{Turn: turn, Role: exam.RoleUser, Content: "q"})
		state.AppendMessage(exam.Message{Turn: turn, Role: exam.RoleAssistant, Content: "a"})
	}
	state.AppendMessage(exam.Message{Turn: 4, Role: exam.RoleUser, Content: "current"})

	t.Run("excludes the in-flight turn", func(t *testing.T) {
		history := dialogueHistory(state, 4)
		assert.Len(t, history, 6)
		for _, m := range history {
			assert.Less(t, m.Turn, 4)
		}
	})

	t.Run("respects the summarized view index", func(t *testing.T) {
		folded := *state
		folded.SummarizedUpTo = 4
		history := dialogueHistory(&folded, 4)
		assert.Len(t, history, 2)
		assert.Equal(t, 3, history[0].Turn)
	})
}

func TestRetryableSentinel(t *testing.T) {
	tests := []struct {
		name string
		log  exam.TurnLog
		want bool
	}{
		{
			name: "rate limited sentinel retries",
			log:  exam.TurnLog{FinalReasoning: "rubric evaluation: RATE_LIMITED: gateway throttled"},
			want: true,
		},
		{
			name: "transient sentinel retries",
			log:  exam.TurnLog{FinalReasoning: "rubric evaluation: TRANSIENT: upstream 529"},
			want: true,
		},
		{
			name: "fatal sentinel sticks",
			log:  exam.TurnLog{FinalReasoning: "rubric evaluation: FATAL: schema mismatch"},
			want: false,
		},
		{
			name: "scored log never retries",
			log: exam.TurnLog{
				Rubrics:        []exam.RubricEntry{{Criterion: exam.CriterionClarity, Score: 90}},
				FinalReasoning: "RATE_LIMITED appears in prose",
			},
			want: false,
		},
		{
			name: "guardrail-pinned zero never retries",
			log:  exam.TurnLog{GuardrailFailed: true, FinalReasoning: "rubric evaluation: RATE_LIMITED: throttled"},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryableSentinel(&tt.log))
		})
	}
}

func TestUnknownGraphNodeIsFatal(t *testing.T) {
	o := &Orchestrator{}
	next, err := o.step(context.Background(), node("bogus"), &flow{})
	assert.Equal(t, nodeEnd, next)
	assert.True(t, errors.Is(err, domain.ErrFatal))
}
