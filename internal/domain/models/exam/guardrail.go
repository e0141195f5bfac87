package exam

// GuardrailStatus is the verdict of the two-layer filter.
type GuardrailStatus string

const (
	GuardrailSafe    GuardrailStatus = "SAFE"
	GuardrailBlocked GuardrailStatus = "BLOCKED"
)

// BlockReason explains a BLOCKED verdict.
type BlockReason string

const (
	BlockDirectAnswer BlockReason = "DIRECT_ANSWER"
	BlockJailbreak    BlockReason = "JAILBREAK"
	BlockOffTopic     BlockReason = "OFF_TOPIC"
)

// RequestType distinguishes a chat turn from a submission attempt.
type RequestType string

const (
	RequestChat       RequestType = "CHAT"
	RequestSubmission RequestType = "SUBMISSION"
)

// GuideStrategy is the permitted shape of the tutor's reply.
type GuideStrategy string

const (
	GuideSyntax  GuideStrategy = "SYNTAX_GUIDE"
	GuideLogic   GuideStrategy = "LOGIC_HINT"
	GuideRoadmap GuideStrategy = "ROADMAP"
	// GuideGeneration is only selected when the dialogue unambiguously shows
	// a previously negotiated approach the user now asks to materialize.
	GuideGeneration GuideStrategy = "GENERATION"
)

// GuardrailVerdict is the normalized output of the filter. After
// normalization: a BLOCKED verdict always has a reason (OFF_TOPIC default),
// a SAFE verdict never does.
type GuardrailVerdict struct {
	Status      GuardrailStatus `json:"status"`
	BlockReason BlockReason     `json:"block_reason,omitempty"`
	RequestType RequestType     `json:"request_type"`
	Strategy    GuideStrategy   `json:"guide_strategy,omitempty"`
	Keywords    []string        `json:"keywords,omitempty"`
	Reasoning   string          `json:"reasoning,omitempty"`
}

// Blocked reports whether the verdict refuses the message.
func (v GuardrailVerdict) Blocked() bool {
	return v.Status == GuardrailBlocked
}

// IsSubmission reports whether the orchestrator should take the submit path.
func (v GuardrailVerdict) IsSubmission() bool {
	return v.RequestType == RequestSubmission
}
