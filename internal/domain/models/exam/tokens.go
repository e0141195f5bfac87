package exam

// TokenKind selects which per-session accumulator a usage report lands in.
type TokenKind string

const (
	// TokenKindChat covers guardrail and tutor calls.
	TokenKindChat TokenKind = "chat"
	// TokenKindEval covers turn and holistic evaluator calls.
	TokenKindEval TokenKind = "eval"
)

// TokenTriple is a prompt/completion/total usage report. Accumulators built
// from triples are monotonically non-decreasing.
type TokenTriple struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Add accumulates another triple into this one.
func (t *TokenTriple) Add(other TokenTriple) {
	t.Prompt += other.Prompt
	t.Completion += other.Completion
	t.Total += other.Total
}

// IsZero reports whether no tokens have been recorded.
func (t TokenTriple) IsZero() bool {
	return t.Prompt == 0 && t.Completion == 0 && t.Total == 0
}
