// Package tutor generates the assistant's turn reply under the guardrail's
// strategy pick, and the refusal when the guardrail blocked the message.
package tutor

import (
	"context"
	"errors"
	"log/slog"

	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
	"proctor/internal/domain/services"
	domainllm "proctor/internal/domain/services/llm"
	"proctor/internal/evalconfig"
)

type service struct {
	gateway domainllm.Gateway
	logger  *slog.Logger
}

// NewService creates the tutor reply generator on top of the gateway.
func NewService(gateway domainllm.Gateway, logger *slog.Logger) services.Tutor {
	return &service{gateway: gateway, logger: logger}
}

// Reply produces the turn's assistant message. The returned reply always
// carries a routable Status; a non-nil error is the underlying cause for
// the failure statuses.
func (s *service) Reply(ctx context.Context, in services.TutorInput, sink services.StreamSink) (exam.TutorReply, error) {
	if in.Verdict.Blocked() {
		return s.refuse(ctx, in, sink)
	}

	req := &domainllm.CompletionRequest{
		System:   tutorSystemPrompt(in),
		Messages: dialogueMessages(in),
	}

	completion, err := s.generate(ctx, req, sink)
	if err != nil {
		status := failureStatus(err)
		s.logger.Warn("tutor reply failed",
			"turn", in.Turn,
			"strategy", in.Verdict.Strategy,
			"status", status,
			"error", err)
		return exam.TutorReply{Status: status}, err
	}

	s.logger.Debug("tutor reply generated",
		"turn", in.Turn,
		"strategy", in.Verdict.Strategy,
		"tokens", completion.Tokens.Total)

	return exam.TutorReply{
		Status:  exam.TutorSuccess,
		Content: completion.Text,
		Tokens:  completion.Tokens,
	}, nil
}

// refuse generates the Socratic refusal for a blocked message. The refusal
// call sees only the blocked message and the concept names; on any failure a
// canned refusal keeps the turn answerable.
func (s *service) refuse(ctx context.Context, in services.TutorInput, sink services.StreamSink) (exam.TutorReply, error) {
	req := &domainllm.CompletionRequest{
		System:   refusalSystemPrompt(in.Verdict, in.Problem),
		Messages: []domainllm.Message{{Role: "user", Content: in.UserMessage}},
	}

	completion, err := s.generate(ctx, req, sink)
	if err != nil {
		if ctx.Err() != nil {
			return exam.TutorReply{Status: exam.TutorFailedTechnical}, err
		}
		content := refusalFallback(in.Verdict.BlockReason)
		if sink != nil {
			_ = sink.Delta(content)
		}
		s.logger.Warn("refusal generation failed, using canned refusal",
			"turn", in.Turn,
			"block_reason", in.Verdict.BlockReason,
			"error", err)
		return exam.TutorReply{Status: exam.TutorFailedGuardrail, Content: content}, nil
	}

	s.logger.Info("blocked message refused",
		"turn", in.Turn,
		"block_reason", in.Verdict.BlockReason)

	return exam.TutorReply{
		Status:  exam.TutorFailedGuardrail,
		Content: completion.Text,
		Tokens:  completion.Tokens,
	}, nil
}

func (s *service) generate(ctx context.Context, req *domainllm.CompletionRequest, sink services.StreamSink) (*domainllm.Completion, error) {
	if sink == nil {
		return s.gateway.Complete(ctx, evalconfig.NodeTutor, req)
	}
	return s.gateway.Stream(ctx, evalconfig.NodeTutor, req, sink.Delta)
}

// failureStatus maps a gateway failure onto the status the orchestrator
// routes on.
func failureStatus(err error) exam.TutorStatus {
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		return exam.TutorFailedRateLimit
	case errors.Is(err, domain.ErrContextOverflow):
		return exam.TutorFailedThreshold
	default:
		return exam.TutorFailedTechnical
	}
}
