package services

import (
	"context"

	"proctor/internal/domain/models/exam"
)

// GuardrailInput is one user message with the context both filter layers
// need. History is a read-only view of the recent dialogue tail.
type GuardrailInput struct {
	Content string
	Turn    int
	History []exam.Message
	Problem *exam.ProblemSpec
}

// Guardrail screens a user message before any tutoring happens. Layer 1 is
// deterministic keyword/context matching; layer 2 is a structured model
// call. A block at either layer short-circuits.
type Guardrail interface {
	// Check returns the normalized verdict and the tokens spent (zero when
	// layer 1 decides). Rate limiting surfaces as a typed error, never as a
	// silent block.
	Check(ctx context.Context, in GuardrailInput) (exam.GuardrailVerdict, exam.TokenTriple, error)
}
