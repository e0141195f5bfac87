package evaluation

import (
	"encoding/json"
	"fmt"
	"strings"

	"proctor/internal/domain/models/exam"
)

// intentSystemPrompt drives single-intent classification. The deterministic
// post-processing in intent.go handles turn-1 remapping, priority resolution
// and marker promotion, so the model is free to return several candidates.
var intentSystemPrompt = `You classify the intent of a user prompt sent to an AI coding tutor during a programming exam.

Intents:
- SYSTEM_PROMPT: sets up the assistant's persona or output format, typically with <Role> or <Content> markers.
- RULE_SETTING: establishes rules or constraints for the whole session.
- GENERATION: asks the assistant to produce code.
- OPTIMIZATION: asks to improve the performance or complexity of existing code.
- DEBUGGING: asks to find or fix a defect in provided code.
- TEST_CASE: asks for test inputs, edge cases, or validation data.
- HINT_OR_QUERY: asks for a hint, a concept explanation, or information.
- FOLLOW_UP: continues the immediately preceding exchange without adding a new request.

Return every intent that plausibly applies, most likely first, with one confidence for the classification as a whole.

Output JSON only:
{"intents": ["GENERATION"], "confidence": 0.9, "reasoning": "one sentence"}`

// intentSchema is the structured-output contract for classification.
var intentSchema = []byte(`{
  "type": "object",
  "properties": {
    "intents": {
      "type": "array",
      "items": {"type": "string", "enum": ["SYSTEM_PROMPT", "RULE_SETTING", "GENERATION", "OPTIMIZATION", "DEBUGGING", "TEST_CASE", "HINT_OR_QUERY", "FOLLOW_UP"]}
    },
    "confidence": {"type": "number"},
    "reasoning": {"type": "string"}
  },
  "required": ["intents", "confidence"]
}`)

// rubricSchema is the structured-output contract for rubric evaluation.
var rubricSchema = []byte(`{
  "type": "object",
  "properties": {
    "score": {"type": "number"},
    "rubrics": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "criterion": {"type": "string", "enum": ["clarity", "examples", "rules", "context", "problem_relevance"]},
          "score": {"type": "number"},
          "reasoning": {"type": "string"}
        },
        "required": ["criterion", "score", "reasoning"]
      }
    },
    "final_reasoning": {"type": "string"}
  },
  "required": ["score", "rubrics", "final_reasoning"]
}`)

// rubricSystemPrompt scores the user's prompt, not the assistant's answer.
var rubricSystemPrompt = `You grade the quality of a user's prompt to an AI coding tutor during a programming exam. You grade the PROMPT the user wrote, never the assistant's reply; the reply is advisory context only.

Score each of the five criteria from 0 to 100 with a brief reasoning:
- clarity: is the request unambiguous and well structured?
- examples: does the prompt give concrete examples, inputs, or expected outputs where they would help?
- rules: does the prompt state constraints, requirements, or acceptance rules?
- context: does the prompt carry the dialogue and code context the assistant needs?
- problem_relevance: does the prompt advance solving the exam problem?

Deterministic metrics computed from the prompt are provided for corroboration only. Do NOT derive scores from the raw counts; judge the content.

Output JSON only:
{"score": 72, "rubrics": [{"criterion": "clarity", "score": 80, "reasoning": "..."}], "final_reasoning": "..."}`

// summarySystemPrompt compresses the assistant reply for the turn log.
var summarySystemPrompt = `Summarize the assistant's reply in at most 3 sentences. Keep what the reply taught or decided; drop greetings and filler. Reply with the summary only.`

// holisticSystemPrompt scores the whole dialogue as a prompting strategy.
var holisticSystemPrompt = `You assess how well an exam participant chained their prompts across a whole tutoring session. The input is a JSON list of per-turn evaluation records.

Score the session flow from 0 to 100 and each sub-quality from 0 to 100:
- problem_decomposition: did the participant break the problem into addressable parts?
- feedback_integration: did later prompts build on earlier answers?
- proactiveness: did the participant drive the session rather than wander?
- strategic_exploration: did they probe alternatives and edge cases deliberately?

Output JSON only:
{"flow_score": 70, "analysis": "2-4 sentences", "qualities": [{"name": "problem_decomposition", "score": 75, "note": "..."}]}`

// holisticSchema is the structured-output contract for the flow verdict.
var holisticSchema = []byte(`{
  "type": "object",
  "properties": {
    "flow_score": {"type": "number"},
    "analysis": {"type": "string"},
    "qualities": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string", "enum": ["problem_decomposition", "feedback_integration", "proactiveness", "strategic_exploration"]},
          "score": {"type": "number"},
          "note": {"type": "string"}
        },
        "required": ["name", "score"]
      }
    }
  },
  "required": ["flow_score", "analysis"]
}`)

// rubricUserMessage renders the material the rubric model grades.
func rubricUserMessage(turn int, userMessage, assistantReply string, intent exam.Intent, metrics PromptMetrics, problem *exam.ProblemSpec) string {
	metricsJSON, _ := json.Marshal(metrics)

	var b strings.Builder
	fmt.Fprintf(&b, "Turn %d, classified intent: %s\n\n", turn, intent)
	fmt.Fprintf(&b, "User prompt to grade:\n%s\n\n", userMessage)
	if assistantReply != "" {
		fmt.Fprintf(&b, "Assistant reply (advisory context only):\n%s\n\n", assistantReply)
	}
	b.WriteString(problemSection(problem))
	fmt.Fprintf(&b, "Reference metrics (corroboration only): %s\n", metricsJSON)
	return b.String()
}

// problemSection renders the shared problem context block.
func problemSection(p *exam.ProblemSpec) string {
	if p == nil {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Exam problem: %s\n", p.Title)
	if len(p.KeyAlgorithms) > 0 {
		fmt.Fprintf(&b, "Key algorithms: %s\n", strings.Join(p.KeyAlgorithms, ", "))
	}
	b.WriteString("\n")
	return b.String()
}
