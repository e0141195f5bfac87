package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"proctor/internal/config"
	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
	"proctor/internal/httputil"
	"proctor/internal/service/session"
)

// SubmitService grades a participant's final code.
type SubmitService interface {
	HandleSubmit(ctx context.Context, in session.SubmitInput) (*exam.SubmissionResult, error)
}

// SubmitHandler handles the dedicated submission endpoint.
type SubmitHandler struct {
	submit SubmitService
	logger *slog.Logger
}

// NewSubmitHandler creates a new submit handler
func NewSubmitHandler(submit SubmitService, logger *slog.Logger) *SubmitHandler {
	return &SubmitHandler{submit: submit, logger: logger}
}

// submitRequest is the POST /session/submit payload. SpecID is advisory;
// the open session determines which spec grades the code.
type submitRequest struct {
	ExamID        string `json:"examId"`
	ParticipantID string `json:"participantId"`
	ProblemID     string `json:"problemId"`
	SpecID        string `json:"specId"`
	FinalCode     string `json:"finalCode"`
	Language      string `json:"language"`
	SubmissionID  string `json:"submissionId"`
}

func (r *submitRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.ExamID, validation.Required),
		validation.Field(&r.ParticipantID, validation.Required),
		validation.Field(&r.ProblemID, validation.Required),
		validation.Field(&r.SubmissionID, validation.Required),
		validation.Field(&r.FinalCode,
			validation.Required,
			validation.Length(1, config.MaxSubmissionCodeLength),
		),
	)
}

type submitResponse struct {
	SubmissionID string `json:"submissionId"`
	// "successed" is the spelling the grading front-end expects.
	Status string                `json:"status"`
	Result *submissionResultBody `json:"result,omitempty"`
}

// submissionResultBody mirrors the stored verdict in the transport's casing.
type submissionResultBody struct {
	TotalScore       float64 `json:"totalScore"`
	Grade            string  `json:"grade"`
	CorrectnessScore float64 `json:"correctnessScore"`
	PerformanceScore float64 `json:"performanceScore"`
	PromptScore      float64 `json:"promptScore"`
	ExecutionTimeSec float64 `json:"executionTimeSec"`
	MemoryUsedBytes  int64   `json:"memoryUsedBytes"`
	SkipReason       string  `json:"skipReason,omitempty"`
}

func resultBody(r *exam.SubmissionResult) submissionResultBody {
	return submissionResultBody{
		TotalScore:       r.TotalScore,
		Grade:            r.Grade,
		CorrectnessScore: r.CorrectnessScore,
		PerformanceScore: r.PerformanceScore,
		PromptScore:      r.PromptScore,
		ExecutionTimeSec: r.ExecutionTimeSec,
		MemoryUsedBytes:  r.MemoryUsedBytes,
		SkipReason:       r.SkipReason,
	}
}

// Submit grades final code for the participant's open session. The call
// blocks until the whole pipeline has run and the verdict is stored.
// POST /session/submit
func (h *SubmitHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		respondError(w, fmt.Errorf("%w: %v", domain.ErrValidation, err), nil)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, fmt.Errorf("%w: %v", domain.ErrValidation, err), nil)
		return
	}

	res, err := h.submit.HandleSubmit(r.Context(), session.SubmitInput{
		ExamID:        req.ExamID,
		ParticipantID: req.ParticipantID,
		ProblemID:     req.ProblemID,
		SubmissionID:  req.SubmissionID,
		FinalCode:     req.FinalCode,
		Language:      req.Language,
	})
	if err != nil {
		h.logger.Warn("submission failed",
			"submission_id", req.SubmissionID, "error", err)
		respondError(w, err, map[string]any{
			"submissionId": req.SubmissionID,
			"status":       "failed",
		})
		return
	}

	body := resultBody(res)
	httputil.RespondJSON(w, http.StatusOK, submitResponse{
		SubmissionID: res.SubmissionID,
		Status:       "successed",
		Result:       &body,
	})
}
