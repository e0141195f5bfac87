package guardrail

import (
	"strings"
)

// Pattern lists for the deterministic layer. Matching is plain substring
// search over the lowercased message, so entries must be lowercase and carry
// their common spacing variants. Korean entries match exam-hall usage.

// directAnswerKeywords are outright solution requests. Blocked unless a hint
// keyword co-occurs in the same message.
var directAnswerKeywords = []string{
	"정답 코드",
	"정답코드",
	"정답 알려",
	"답 알려줘",
	"답을 알려",
	"대신 풀어",
	"코드 전부",
	"complete solution",
	"full solution",
	"entire code",
	"entire solution",
	"whole solution",
	"solution code",
	"answer code",
	"recurrence relation",
	"solve it for me",
	"give me the answer",
}

// hintKeywords mark hint-seeking intent and soften an otherwise blocked
// request down to the model layer.
var hintKeywords = []string{
	"힌트",
	"가이드",
	"조언",
	"방향",
	"hint",
	"guide",
	"tip",
	"nudge",
	"approach",
}

// contextKeywords block only when the recent dialogue shows no
// code-generation request the user could be iterating on.
var contextKeywords = []string{
	"full code",
	"전체 코드",
	"전체코드",
}

// codeGenKeywords mark a user turn that asked the tutor to produce code.
var codeGenKeywords = []string{
	"작성해",
	"생성해",
	"만들어",
	"구현해",
	"짜줘",
	"짜 줘",
	"write",
	"implement",
	"generate",
	"draft",
}

// answerContextKeywords pair with the problem's own block keywords: naming a
// key algorithm is fine, asking for its answer form is not.
var answerContextKeywords = []string{
	"점화식",
	"핵심 로직",
	"핵심로직",
	"정답",
	"풀이",
	"recurrence",
	"core logic",
	"answer",
	"solution",
}

// containsAny returns the first pattern found in text.
func containsAny(text string, patterns []string) (string, bool) {
	for _, p := range patterns {
		if strings.Contains(text, p) {
			return p, true
		}
	}
	return "", false
}

// lowerAll lowercases a keyword list coming from problem data, which is not
// guaranteed to be normalized.
func lowerAll(keywords []string) []string {
	out := make([]string, len(keywords))
	for i, k := range keywords {
		out[i] = strings.ToLower(k)
	}
	return out
}
