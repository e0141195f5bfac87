package config

import "time"

const (
	// ChatRequestTimeout is the end-to-end deadline for one chat turn,
	// covering guardrail, tutor generation, and state writes. On expiry the
	// caller receives a gateway timeout and the turn may be left without an
	// assistant message; the submission guard reconciles such turns later.
	ChatRequestTimeout = 120 * time.Second

	// SandboxPhaseTimeout caps how long the code evaluator polls one sandbox
	// task (per phase). A task still pending at the cap scores zero.
	SandboxPhaseTimeout = 30 * time.Second

	// SandboxPollInterval is the delay between sandbox status polls.
	SandboxPollInterval = 500 * time.Millisecond

	// MaxChatRateLimitRetries is how many times the chat path re-runs a
	// rate-limited request before giving up with a throttling notice.
	MaxChatRateLimitRetries = 3

	// MaxSummarizePerRequest bounds the summarize-then-retry loop for
	// context-overflow failures. A second overflow in the same request is
	// terminal.
	MaxSummarizePerRequest = 1

	// MaxBufferedMessages is the dialogue buffer soft cap. Beyond it the
	// orchestrator folds the older prefix into a memory summary. Turn
	// numbering is unaffected.
	MaxBufferedMessages = 40

	// SummaryKeepTail is how many recent messages survive a memory summary.
	SummaryKeepTail = 6

	// MaxUserMessageLength is the maximum accepted chat message size in
	// bytes. Exam prompts are short; anything larger is rejected up front.
	MaxUserMessageLength = 32768

	// MaxSubmissionCodeLength is the maximum accepted final-code size in
	// bytes, matching the sandbox service's own payload ceiling.
	MaxSubmissionCodeLength = 65536

	// MaxRawReplyLogLength truncates raw model replies in diagnostic logs.
	MaxRawReplyLogLength = 2000

	// SandboxQueueCapacity bounds the in-memory sandbox queue. Submissions
	// block the HTTP request anyway, so a deep backlog only means slow
	// responses; enqueue fails fast once the buffer is full.
	SandboxQueueCapacity = 64
)
