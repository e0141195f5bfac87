package session

import (
	"context"
	"fmt"
	"strings"

	"proctor/internal/config"
	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
	domainllm "proctor/internal/domain/services/llm"
	"proctor/internal/evalconfig"
)

const memorySystemPrompt = `You maintain a running summary of a tutoring dialogue from a coding exam.
Rewrite the summary so it covers both the current summary and the new
messages. Keep what matters for continuing the conversation: the approaches
discussed, decisions made, constraints established, and anything the student
was asked to try. Drop pleasantries and repetition. Never include complete
solution code. Reply with the summary text only.`

// summarizeMemory folds the older prompt view into MemorySummary through
// the memory node, keeping a recent tail verbatim. The buffer itself is
// never pruned; only the view index moves, so past turn pairs stay
// reconstructable until the session expires.
func (o *Orchestrator) summarizeMemory(ctx context.Context, f *flow) (node, error) {
	if f.state.SummarizeCount >= config.MaxSummarizePerRequest {
		f.stepErr = domain.NewCoreError(domain.CodeContextOverflow,
			"conversation still exceeds the context window after summarizing", f.stepErr)
		return nodeHandleFailure, nil
	}

	active := f.state.ActiveMessages()
	cut := len(active) - config.SummaryKeepTail
	// The in-flight turn's input never folds away mid-request.
	for cut > 0 && active[cut-1].Turn >= f.turn {
		cut--
	}
	if cut <= 0 {
		f.stepErr = domain.NewCoreError(domain.CodeContextOverflow,
			"conversation does not fit the context window and cannot be summarized further", f.stepErr)
		return nodeHandleFailure, nil
	}

	summary, tokens, err := o.foldIntoSummary(ctx, f.state.MemorySummary, active[:cut])
	o.spendChatTokens(ctx, f, tokens)
	if err != nil {
		f.stepErr = fmt.Errorf("memory summarization: %w", err)
		return nodeHandleFailure, nil
	}

	f.state.MemorySummary = summary
	f.state.SummarizedUpTo += cut
	f.state.SummarizeCount++
	if err := o.store.Save(ctx, f.state); err != nil {
		return nodeEnd, fmt.Errorf("persist memory summary: %w", err)
	}
	o.logger.Info("dialogue folded into memory summary",
		"session_id", f.state.SessionID, "folded", cut, "active_left", len(f.state.ActiveMessages()))
	return nodeHandleRequest, nil
}

// foldIntoSummary asks the memory node for a replacement summary covering
// the previous summary plus the folded messages.
func (o *Orchestrator) foldIntoSummary(ctx context.Context, previous string, folded []exam.Message) (string, exam.TokenTriple, error) {
	var b strings.Builder
	if previous != "" {
		b.WriteString("Current summary:\n")
		b.WriteString(previous)
		b.WriteString("\n\n")
	}
	b.WriteString("Messages to fold in:\n")
	for _, m := range folded {
		role := "Student"
		if m.Role == exam.RoleAssistant {
			role = "Tutor"
		}
		fmt.Fprintf(&b, "[turn %d] %s: %s\n", m.Turn, role, m.Content)
	}

	completion, err := o.gateway.Complete(ctx, evalconfig.NodeMemory, &domainllm.CompletionRequest{
		System:   memorySystemPrompt,
		Messages: []domainllm.Message{{Role: "user", Content: b.String()}},
	})
	if err != nil {
		return "", exam.TokenTriple{}, err
	}
	return strings.TrimSpace(completion.Text), completion.Tokens, nil
}
