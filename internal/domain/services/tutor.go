package services

import (
	"context"

	"proctor/internal/domain/models/exam"
)

// StreamSink receives tutor token deltas in order. Implementations must be
// safe to call from the generating goroutine; a nil sink disables streaming.
type StreamSink interface {
	// Delta delivers one text fragment. Returning an error cancels the
	// generation.
	Delta(text string) error
}

// StreamSinkFunc adapts a function to the StreamSink interface.
type StreamSinkFunc func(text string) error

func (f StreamSinkFunc) Delta(text string) error { return f(text) }

// TutorInput carries everything reply generation needs. Verdict selects the
// guide strategy; on a blocked verdict the reply is a refusal with a
// concept-level redirection.
type TutorInput struct {
	UserMessage string
	Turn        int
	Messages    []exam.Message
	Summary     string
	Problem     *exam.ProblemSpec
	Verdict     exam.GuardrailVerdict
}

// Tutor produces the assistant message for one turn under the selected
// guide strategy, streaming tokens to sink when one is given. The reply
// always carries a routable Status; a non-nil error is the cause behind a
// failure status.
type Tutor interface {
	Reply(ctx context.Context, in TutorInput, sink StreamSink) (exam.TutorReply, error)
}
