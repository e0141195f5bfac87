package handler

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
	"proctor/internal/service/session"
)

type fakeSubmit struct {
	res    *exam.SubmissionResult
	err    error
	in     session.SubmitInput
	called bool
}

func (f *fakeSubmit) HandleSubmit(ctx context.Context, in session.SubmitInput) (*exam.SubmissionResult, error) {
	f.in = in
	f.called = true
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

const submitBody = `{
	"examId": "exam-1", "participantId": "part-9", "problemId": "prob-3",
	"specId": "spec-3", "finalCode": "def solve(): pass",
	"language": "python", "submissionId": "sub-1"
}`

func TestSubmitSuccess(t *testing.T) {
	fake := &fakeSubmit{res: &exam.SubmissionResult{
		SubmissionID:     "sub-1",
		SessionID:        71,
		TotalScore:       81.25,
		Grade:            "B",
		CorrectnessScore: 100,
		PerformanceScore: 50,
		PromptScore:      75,
		ExecutionTimeSec: 0.4,
	}}
	h := NewSubmitHandler(fake, discardLogger())

	rec := postJSON(t, h.Submit, submitBody)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "sub-1", body["submissionId"])
	assert.Equal(t, "successed", body["status"])

	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 81.25, result["totalScore"])
	assert.Equal(t, "B", result["grade"])
	assert.Equal(t, float64(100), result["correctnessScore"])

	assert.Equal(t, "exam-1", fake.in.ExamID)
	assert.Equal(t, "part-9", fake.in.ParticipantID)
	assert.Equal(t, "prob-3", fake.in.ProblemID)
	assert.Equal(t, "sub-1", fake.in.SubmissionID)
	assert.Equal(t, "python", fake.in.Language)
	assert.Equal(t, "def solve(): pass", fake.in.FinalCode)
}

func TestSubmitFailureEnvelope(t *testing.T) {
	fake := &fakeSubmit{err: domain.NewCoreError(domain.CodePrecondition, "session is already submitted", nil)}
	h := NewSubmitHandler(fake, discardLogger())

	rec := postJSON(t, h.Submit, submitBody)

	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, "sub-1", body["submissionId"])
	assert.Equal(t, "PRECONDITION", body["error_code"])
	assert.Equal(t, "session is already submitted", body["error_message"])
}

func TestSubmitUnknownSessionMapsNotFound(t *testing.T) {
	fake := &fakeSubmit{err: fmt.Errorf("open session for exam-1/part-9/prob-3: %w", domain.ErrNotFound)}
	h := NewSubmitHandler(fake, discardLogger())

	rec := postJSON(t, h.Submit, submitBody)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "NOT_FOUND", body["error_code"])
	assert.Equal(t, "failed", body["status"])
}

func TestSubmitValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing exam id", `{"participantId": "p", "problemId": "q", "submissionId": "s", "finalCode": "x"}`},
		{"missing submission id", `{"examId": "e", "participantId": "p", "problemId": "q", "finalCode": "x"}`},
		{"empty final code", `{"examId": "e", "participantId": "p", "problemId": "q", "submissionId": "s", "finalCode": ""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeSubmit{}
			h := NewSubmitHandler(fake, discardLogger())

			rec := postJSON(t, h.Submit, tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, "VALIDATION", body["error_code"])
			assert.False(t, fake.called)
		})
	}
}
