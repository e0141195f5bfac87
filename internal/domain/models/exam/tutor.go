package exam

// TutorStatus is the outcome of one tutor reply attempt. The orchestrator
// routes on it. SUCCESS carries the generated reply, FAILED_GUARDRAIL the
// refusal text; the other failures carry no content.
type TutorStatus string

const (
	TutorSuccess         TutorStatus = "SUCCESS"
	TutorFailedRateLimit TutorStatus = "FAILED_RATE_LIMIT"
	// TutorFailedThreshold means the context no longer fits the model
	// window; the orchestrator takes the memory-summary path and retries.
	TutorFailedThreshold TutorStatus = "FAILED_THRESHOLD"
	TutorFailedTechnical TutorStatus = "FAILED_TECHNICAL"
	TutorFailedGuardrail TutorStatus = "FAILED_GUARDRAIL"
)

// TutorReply is the generator's result for one turn.
type TutorReply struct {
	Status  TutorStatus `json:"status"`
	Content string      `json:"content"`
	Tokens  TokenTriple `json:"tokens"`
}
