// Package guardrail screens user messages before any tutoring happens.
// Layer 1 is deterministic keyword and context matching and costs no tokens;
// layer 2 is a structured model call. A block at either layer short-circuits.
package guardrail

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
	"proctor/internal/domain/services"
	domainllm "proctor/internal/domain/services/llm"
)

// nodeName selects the gateway's model config for the classifier call.
const nodeName = "guardrail"

// contextTurnWindow is how far back the context-sensitive rule looks for a
// code-generation request.
const contextTurnWindow = 3

type service struct {
	gateway domainllm.Gateway
	logger  *slog.Logger
}

// NewService creates the two-layer filter over the given gateway.
func NewService(gateway domainllm.Gateway, logger *slog.Logger) services.Guardrail {
	return &service{
		gateway: gateway,
		logger:  logger,
	}
}

// Check runs layer 1, then layer 2. Layer-1 blocks cost no tokens. Rate
// limiting from the model layer surfaces as a typed error so the caller can
// tell the user, never as a silent block.
func (s *service) Check(ctx context.Context, in services.GuardrailInput) (exam.GuardrailVerdict, exam.TokenTriple, error) {
	if verdict, blocked := s.layer1(in); blocked {
		s.logger.Info("guardrail layer-1 block",
			"turn", in.Turn,
			"keywords", verdict.Keywords,
		)
		return verdict, exam.TokenTriple{}, nil
	}

	return s.layer2(ctx, in)
}

// layer1 applies the deterministic rules to the lowercased message.
func (s *service) layer1(in services.GuardrailInput) (exam.GuardrailVerdict, bool) {
	msg := strings.ToLower(in.Content)
	_, hasHint := containsAny(msg, hintKeywords)

	// Direct solution requests, unless hint intent co-occurs.
	if kw, ok := containsAny(msg, directAnswerKeywords); ok && !hasHint {
		return blockVerdict(kw, "direct solution request"), true
	}

	// "Full code" reads as confirming an edit only when the user recently
	// asked for code; cold it is a solution request.
	if kw, ok := containsAny(msg, contextKeywords); ok && !s.recentCodeRequest(in) {
		return blockVerdict(kw, "full-code request with no code-generation context"), true
	}

	// A problem keyword next to an answer-shaped word, unless hint intent.
	if in.Problem != nil && !hasHint {
		if pk, ok := containsAny(msg, lowerAll(in.Problem.BlockKeywords)); ok {
			if ak, ok := containsAny(msg, answerContextKeywords); ok {
				return blockVerdict(pk+" + "+ak, "problem keyword in answer context"), true
			}
		}
	}

	return exam.GuardrailVerdict{}, false
}

// recentCodeRequest reports whether a user message in the prior
// contextTurnWindow turns asked the tutor to produce code.
func (s *service) recentCodeRequest(in services.GuardrailInput) bool {
	for _, m := range in.History {
		if m.Role != exam.RoleUser {
			continue
		}
		if m.Turn < in.Turn-contextTurnWindow || m.Turn >= in.Turn {
			continue
		}
		if _, ok := containsAny(strings.ToLower(m.Content), codeGenKeywords); ok {
			return true
		}
	}
	return false
}

// layer2 asks the classifier model and normalizes its verdict.
func (s *service) layer2(ctx context.Context, in services.GuardrailInput) (exam.GuardrailVerdict, exam.TokenTriple, error) {
	completion, err := s.gateway.Complete(ctx, nodeName, &domainllm.CompletionRequest{
		System:   classifierSystemPrompt + problemContext(in.Problem),
		Messages: classifierMessages(in),
		Schema:   json.RawMessage(verdictSchema),
	})
	if err != nil {
		return exam.GuardrailVerdict{}, exam.TokenTriple{}, fmt.Errorf("guardrail classification: %w", err)
	}

	var verdict exam.GuardrailVerdict
	if err := json.Unmarshal(completion.JSON, &verdict); err != nil {
		return exam.GuardrailVerdict{}, completion.Tokens,
			domain.NewCoreError(domain.CodeFatal, "guardrail reply did not match schema", err)
	}

	normalize(&verdict)

	s.logger.Debug("guardrail verdict",
		"turn", in.Turn,
		"status", verdict.Status,
		"request_type", verdict.RequestType,
		"strategy", verdict.Strategy,
	)

	return verdict, completion.Tokens, nil
}

// normalize applies the verdict hygiene rules: a BLOCKED verdict always
// carries a reason, a SAFE one never does, and request type and strategy are
// set to something downstream can act on.
func normalize(v *exam.GuardrailVerdict) {
	v.Status = exam.GuardrailStatus(strings.ToUpper(string(v.Status)))

	if v.Status == exam.GuardrailBlocked {
		if v.BlockReason == "" {
			v.BlockReason = exam.BlockOffTopic
		}
		v.Strategy = ""
	} else {
		// Anything not explicitly BLOCKED reads as SAFE.
		v.Status = exam.GuardrailSafe
		v.BlockReason = ""
		if v.Strategy == "" {
			v.Strategy = exam.GuideLogic
		}
	}

	if v.RequestType == "" {
		v.RequestType = exam.RequestChat
	}
}

// blockVerdict is the fixed shape of a layer-1 block.
func blockVerdict(keyword, reasoning string) exam.GuardrailVerdict {
	return exam.GuardrailVerdict{
		Status:      exam.GuardrailBlocked,
		BlockReason: exam.BlockDirectAnswer,
		RequestType: exam.RequestChat,
		Keywords:    []string{keyword},
		Reasoning:   reasoning,
	}
}
