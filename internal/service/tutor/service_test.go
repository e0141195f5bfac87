package tutor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
	"proctor/internal/domain/services"
	domainllm "proctor/internal/domain/services/llm"
	"proctor/internal/evalconfig"
)

type fakeGateway struct {
	reply    string
	err      error
	lastNode string
	lastReq  *domainllm.CompletionRequest
	streamed bool
}

func (f *fakeGateway) Complete(ctx context.Context, node string, req *domainllm.CompletionRequest) (*domainllm.Completion, error) {
	f.lastNode, f.lastReq = node, req
	if f.err != nil {
		return nil, f.err
	}
	return &domainllm.Completion{
		Text:   f.reply,
		Tokens: exam.TokenTriple{Prompt: 10, Completion: 5, Total: 15},
	}, nil
}

func (f *fakeGateway) Stream(ctx context.Context, node string, req *domainllm.CompletionRequest, onDelta func(delta string) error) (*domainllm.Completion, error) {
	f.streamed = true
	f.lastNode, f.lastReq = node, req
	if f.err != nil {
		return nil, f.err
	}
	for _, part := range strings.SplitAfter(f.reply, " ") {
		if err := onDelta(part); err != nil {
			return nil, err
		}
	}
	return &domainllm.Completion{
		Text:   f.reply,
		Tokens: exam.TokenTriple{Prompt: 10, Completion: 5, Total: 15},
	}, nil
}

func newTestTutor(gw *fakeGateway) services.Tutor {
	return NewService(gw, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func safeInput(strategy exam.GuideStrategy) services.TutorInput {
	return services.TutorInput{
		UserMessage: "비트마스킹으로 방문 상태를 어떻게 표현하나요?",
		Turn:        2,
		Messages: []exam.Message{
			{Turn: 1, Role: exam.RoleUser, Content: "어떤 알고리즘이 맞을까요?"},
			{Turn: 1, Role: exam.RoleAssistant, Content: "상태를 어떻게 줄일 수 있을지 생각해 보세요."},
		},
		Problem: &exam.ProblemSpec{
			Title:         "Shortest Round Trip",
			KeyAlgorithms: []string{"dynamic programming", "bitmasking"},
			Canonical:     "def solve(): return 10",
			TestCases:     []exam.TestCase{{Input: "super-secret-input", Expected: "10"}},
		},
		Verdict: exam.GuardrailVerdict{
			Status:      exam.GuardrailSafe,
			RequestType: exam.RequestChat,
			Strategy:    strategy,
		},
	}
}

func TestReplySuccess(t *testing.T) {
	gw := &fakeGateway{reply: "상태는 방문한 도시 집합입니다. 어떤 타입이 집합을 싸게 표현할까요?"}
	svc := newTestTutor(gw)

	reply, err := svc.Reply(context.Background(), safeInput(exam.GuideLogic), nil)
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}

	if reply.Status != exam.TutorSuccess {
		t.Errorf("status = %q, want SUCCESS", reply.Status)
	}
	if reply.Content != gw.reply {
		t.Errorf("content = %q", reply.Content)
	}
	if reply.Tokens.Total != 15 {
		t.Errorf("tokens = %d, want 15", reply.Tokens.Total)
	}
	if gw.lastNode != evalconfig.NodeTutor {
		t.Errorf("node = %q, want tutor", gw.lastNode)
	}
	if gw.streamed {
		t.Error("nil sink must not use the streaming path")
	}

	// History plus the current message, current message last.
	msgs := gw.lastReq.Messages
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	if msgs[1].Role != "assistant" {
		t.Errorf("second message role = %q, want assistant", msgs[1].Role)
	}
	if msgs[2].Content != "비트마스킹으로 방문 상태를 어떻게 표현하나요?" {
		t.Errorf("last message = %q", msgs[2].Content)
	}
}

func TestReplySystemPromptShape(t *testing.T) {
	gw := &fakeGateway{reply: "ok"}
	svc := newTestTutor(gw)

	if _, err := svc.Reply(context.Background(), safeInput(exam.GuideRoadmap), nil); err != nil {
		t.Fatalf("Reply: %v", err)
	}

	system := gw.lastReq.System
	if !strings.Contains(system, "ROADMAP") {
		t.Error("system prompt misses the strategy block")
	}
	if !strings.Contains(system, "Shortest Round Trip") {
		t.Error("system prompt misses the problem context")
	}
	if strings.Contains(system, "def solve()") {
		t.Error("system prompt leaks the canonical solution")
	}
	if strings.Contains(system, "super-secret-input") {
		t.Error("system prompt leaks test data")
	}
}

func TestReplyUnknownStrategyFallsBackToHint(t *testing.T) {
	gw := &fakeGateway{reply: "ok"}
	svc := newTestTutor(gw)

	in := safeInput("MYSTERY")
	if _, err := svc.Reply(context.Background(), in, nil); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if !strings.Contains(gw.lastReq.System, "LOGIC_HINT") {
		t.Error("unknown strategy should fall back to the hint shape")
	}
}

func TestReplyStreamsToSink(t *testing.T) {
	gw := &fakeGateway{reply: "first think about the state"}
	svc := newTestTutor(gw)

	var got strings.Builder
	sink := services.StreamSinkFunc(func(text string) error {
		got.WriteString(text)
		return nil
	})

	reply, err := svc.Reply(context.Background(), safeInput(exam.GuideLogic), sink)
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if !gw.streamed {
		t.Error("sink given, want the streaming path")
	}
	if got.String() != gw.reply {
		t.Errorf("streamed = %q, want %q", got.String(), gw.reply)
	}
	if reply.Content != gw.reply {
		t.Errorf("content = %q", reply.Content)
	}
}

func TestReplyFailureStatuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want exam.TutorStatus
	}{
		{"rate limited", domain.NewCoreError(domain.CodeRateLimited, "throttled", nil), exam.TutorFailedRateLimit},
		{"context overflow", domain.NewCoreError(domain.CodeContextOverflow, "window exceeded", nil), exam.TutorFailedThreshold},
		{"anything else", fmt.Errorf("connection reset"), exam.TutorFailedTechnical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeGateway{err: tt.err}
			svc := newTestTutor(gw)

			reply, err := svc.Reply(context.Background(), safeInput(exam.GuideLogic), nil)
			if err == nil {
				t.Fatal("want the cause returned alongside the status")
			}
			if reply.Status != tt.want {
				t.Errorf("status = %q, want %q", reply.Status, tt.want)
			}
			if reply.Content != "" {
				t.Errorf("content = %q, want empty on failure", reply.Content)
			}
		})
	}
}

func blockedInput(reason exam.BlockReason) services.TutorInput {
	in := safeInput("")
	in.UserMessage = "정답 코드 전체를 알려줘"
	in.Verdict = exam.GuardrailVerdict{
		Status:      exam.GuardrailBlocked,
		BlockReason: reason,
		RequestType: exam.RequestChat,
	}
	return in
}

func TestRefusalGenerated(t *testing.T) {
	gw := &fakeGateway{reply: "정답을 드릴 수는 없어요. 방문 상태를 어떤 자료구조로 표현할 수 있을까요?"}
	svc := newTestTutor(gw)

	reply, err := svc.Reply(context.Background(), blockedInput(exam.BlockDirectAnswer), nil)
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}

	if reply.Status != exam.TutorFailedGuardrail {
		t.Errorf("status = %q, want FAILED_GUARDRAIL", reply.Status)
	}
	if reply.Content != gw.reply {
		t.Errorf("content = %q", reply.Content)
	}

	// The refusal call must not see the dialogue history.
	if len(gw.lastReq.Messages) != 1 {
		t.Errorf("refusal saw %d messages, want only the blocked one", len(gw.lastReq.Messages))
	}
	if !strings.Contains(gw.lastReq.System, "blocked") {
		t.Error("refusal prompt misses the block framing")
	}
	if strings.Contains(gw.lastReq.System, "Hint ladder") {
		t.Error("refusal prompt must not carry the hint ladder")
	}
}

func TestRefusalFallsBackToCannedText(t *testing.T) {
	gw := &fakeGateway{err: domain.NewCoreError(domain.CodeRateLimited, "throttled", nil)}
	svc := newTestTutor(gw)

	var streamed strings.Builder
	sink := services.StreamSinkFunc(func(text string) error {
		streamed.WriteString(text)
		return nil
	})

	reply, err := svc.Reply(context.Background(), blockedInput(exam.BlockJailbreak), sink)
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}

	if reply.Status != exam.TutorFailedGuardrail {
		t.Errorf("status = %q, want FAILED_GUARDRAIL", reply.Status)
	}
	if reply.Content == "" || !strings.Contains(reply.Content, "exam rules") {
		t.Errorf("content = %q, want the canned jailbreak refusal", reply.Content)
	}
	if streamed.String() != reply.Content {
		t.Errorf("sink got %q, want the fallback text", streamed.String())
	}
	if !reply.Tokens.IsZero() {
		t.Errorf("tokens = %+v, want zero for the canned refusal", reply.Tokens)
	}
}

func TestRefusalCancelledContextPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gw := &fakeGateway{err: domain.NewCoreError(domain.CodeTimeout, "cancelled", ctx.Err())}
	svc := newTestTutor(gw)

	reply, err := svc.Reply(ctx, blockedInput(exam.BlockDirectAnswer), nil)
	if err == nil {
		t.Fatal("want error when the caller is gone")
	}
	if reply.Status != exam.TutorFailedTechnical {
		t.Errorf("status = %q, want FAILED_TECHNICAL", reply.Status)
	}
}

func TestDialogueWindow(t *testing.T) {
	in := safeInput(exam.GuideLogic)
	in.Messages = nil
	for turn := 1; turn <= 10; turn++ {
		in.Messages = append(in.Messages,
			exam.Message{Turn: turn, Role: exam.RoleUser, Content: fmt.Sprintf("question %d", turn)},
			exam.Message{Turn: turn, Role: exam.RoleAssistant, Content: fmt.Sprintf("hint %d", turn)},
		)
	}

	msgs := dialogueMessages(in)
	if len(msgs) != recentWindow+1 {
		t.Fatalf("messages = %d, want window plus the current one", len(msgs))
	}
	if msgs[0].Content != "question 5" {
		t.Errorf("window starts at %q, want the tail of the buffer", msgs[0].Content)
	}
	if msgs[len(msgs)-1].Content != in.UserMessage {
		t.Errorf("last message = %q, want the current user message", msgs[len(msgs)-1].Content)
	}
}
