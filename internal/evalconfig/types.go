package evalconfig

import (
	"proctor/internal/domain/models/exam"
)

// Node names the gateway resolves config for. Each maps to one YAML entry.
const (
	NodeGuardrail = "guardrail"
	NodeTutor     = "tutor"
	NodeIntent    = "intent"
	NodeRubric    = "rubric"
	NodeHolistic  = "holistic"
	NodeSummary   = "summary"
	NodeMemory    = "memory"
)

// NodeConfig is the per-node LLM call configuration. Zero values inherit the
// registry defaults (LLM_MODEL_DEFAULT and friends).
type NodeConfig struct {
	Model       string  `yaml:"model" json:"model"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens"`

	// temperatureSet distinguishes an explicit 0.0 from an absent value.
	temperatureSet bool
}

// UnmarshalYAML tracks whether temperature was given explicitly, since 0.0
// is a meaningful setting for classifier nodes.
func (n *NodeConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		Model       string   `yaml:"model"`
		Temperature *float64 `yaml:"temperature"`
		MaxTokens   int      `yaml:"max_tokens"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	n.Model = raw.Model
	n.MaxTokens = raw.MaxTokens
	if raw.Temperature != nil {
		n.Temperature = *raw.Temperature
		n.temperatureSet = true
	}
	return nil
}

// Weights is one intent's rubric weight vector. Rows sum to 1.0.
type Weights struct {
	Rules            float64 `yaml:"rules" json:"rules"`
	Clarity          float64 `yaml:"clarity" json:"clarity"`
	Examples         float64 `yaml:"examples" json:"examples"`
	ProblemRelevance float64 `yaml:"problem_relevance" json:"problem_relevance"`
	Context          float64 `yaml:"context" json:"context"`
}

// Sum returns the row total, 1.0 for a well-formed vector.
func (w Weights) Sum() float64 {
	return w.Rules + w.Clarity + w.Examples + w.ProblemRelevance + w.Context
}

// Apply computes the dot product of the vector with an evaluation's rubric
// scores. Missing rubric entries contribute zero.
func (w Weights) Apply(eval *exam.TurnEvaluation) float64 {
	return w.Rules*eval.RubricScore(exam.CriterionRules) +
		w.Clarity*eval.RubricScore(exam.CriterionClarity) +
		w.Examples*eval.RubricScore(exam.CriterionExamples) +
		w.ProblemRelevance*eval.RubricScore(exam.CriterionProblemRel) +
		w.Context*eval.RubricScore(exam.CriterionContext)
}
