package evaluation

import (
	"regexp"
	"strings"

	"proctor/internal/domain/models/exam"
)

// PromptMetrics are deterministic counters over the user's prompt. They go
// into the rubric prompt as corroborating reference only; the model is told
// not to score on raw counts.
type PromptMetrics struct {
	Words          int `json:"words"`
	Sentences      int `json:"sentences"`
	CodeBlocks     int `json:"code_blocks"`
	XMLTags        int `json:"xml_tags"`
	Constraints    int `json:"constraints"`
	BackReferences int `json:"back_references"`
	TechTerms      int `json:"tech_terms"`
}

// xmlTagPattern matches XML-like markers such as <Role> or </Content>.
var xmlTagPattern = regexp.MustCompile(`</?[A-Za-z][A-Za-z0-9_]*>`)

// constraintKeywords mark imperative constraints the prompt puts on the
// assistant.
var constraintKeywords = []string{
	"must", "should", "never", "always", "only", "do not", "don't",
	"반드시", "해야", "하지 마", "금지", "절대",
}

// backRefKeywords mark references to earlier turns.
var backRefKeywords = []string{
	"earlier", "previous", "before", "you said", "as above", "last time",
	"아까", "이전", "위에서", "앞서", "지난번",
}

// ComputeMetrics counts the reference metrics for one user prompt against
// its problem context.
func ComputeMetrics(text string, problem *exam.ProblemSpec) PromptMetrics {
	lower := strings.ToLower(text)

	m := PromptMetrics{
		Words:          len(strings.Fields(text)),
		Sentences:      countSentences(text),
		CodeBlocks:     strings.Count(text, "```") / 2,
		XMLTags:        len(xmlTagPattern.FindAllString(text, -1)),
		Constraints:    countAny(lower, constraintKeywords),
		BackReferences: countAny(lower, backRefKeywords),
	}

	if problem != nil {
		for _, term := range problem.KeyAlgorithms {
			m.TechTerms += strings.Count(lower, strings.ToLower(term))
		}
	}

	return m
}

// countSentences counts runs of sentence-ending punctuation. A non-empty
// text with no terminator counts as one sentence.
func countSentences(text string) int {
	count := 0
	inRun := false
	for _, r := range text {
		switch r {
		case '.', '!', '?':
			if !inRun {
				count++
				inRun = true
			}
		default:
			inRun = false
		}
	}
	if count == 0 && len(strings.TrimSpace(text)) > 0 {
		return 1
	}
	return count
}

// countAny sums the occurrences of every keyword in text.
func countAny(text string, keywords []string) int {
	total := 0
	for _, k := range keywords {
		total += strings.Count(text, k)
	}
	return total
}
