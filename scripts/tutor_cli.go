package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"proctor/internal/config"
	"proctor/internal/domain/models/exam"
	"proctor/internal/evalconfig"
	"proctor/internal/repository/memory"
	"proctor/internal/repository/sessionstore"
	"proctor/internal/service/evaluation"
	"proctor/internal/service/guardrail"
	"proctor/internal/service/llm"
	"proctor/internal/service/llm/providers/lorem"
	"proctor/internal/service/sandbox"
	"proctor/internal/service/session"
	"proctor/internal/service/tutor"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorBlue   = "\033[34m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

// The REPL runs fully in memory against the lorem provider: no database, no
// redis, no sandbox service, no API key. Tutor replies are lorem ipsum and
// every sandbox run passes; what it demonstrates is the turn loop, the
// background evaluations, and the grading pipeline end to end.
const (
	replSessionID   int64 = 9001
	replExamID            = "exam-repl"
	replParticipant       = "participant-repl"
)

type CLI struct {
	ctx          context.Context
	orchestrator *session.Orchestrator
	world        *memory.Store
	spec         *exam.ProblemSpec
	scanner      *bufio.Scanner
	logger       *slog.Logger
	submissions  int
}

// setupLogger writes DEBUG logs to a timestamped file so the terminal stays
// readable for the conversation itself.
func setupLogger() (*slog.Logger, string, error) {
	logsDir := "logs"
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return nil, "", fmt.Errorf("failed to create logs directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logFilename := filepath.Join(logsDir, fmt.Sprintf("tutor_cli_%s.log", timestamp))

	logFile, err := os.Create(logFilename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create log file: %w", err)
	}

	fileHandler := slog.NewTextHandler(logFile, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.Format("2006-01-02 15:04:05"))
				}
			}
			if a.Key == slog.SourceKey {
				if src, ok := a.Value.Any().(*slog.Source); ok {
					return slog.String(slog.SourceKey, fmt.Sprintf("%s:%d", filepath.Base(src.File), src.Line))
				}
			}
			return a
		},
	})

	return slog.New(fileHandler), logFilename, nil
}

// echoExecutor stands in for the external sandbox: every run succeeds and
// echoes the expected output, so correctness always scores 100.
type echoExecutor struct{}

func (echoExecutor) Execute(_ context.Context, task *exam.Task) (*exam.ExecutionResult, error) {
	output := ""
	if len(task.TestCases) > 0 {
		output = task.TestCases[0].Expected
	}
	return &exam.ExecutionResult{
		Status:           exam.ExecSuccess,
		Output:           output,
		ExecutionTimeSec: 0.05,
		MemoryUsedBytes:  32 << 20,
	}, nil
}

func main() {
	logger, logFile, err := setupLogger()
	if err != nil {
		fmt.Printf("Failed to setup logger: %v\n", err)
		os.Exit(1)
	}
	logger.Info("session started", "log_file", logFile)

	ctx := context.Background()

	// In-memory world: durable repos, checkpoint store, one spec, one session
	world := memory.NewStore()
	spec := replSpec()
	if err := world.Problems().Create(ctx, spec); err != nil {
		fmt.Printf("%s❌ Failed to seed problem spec: %v%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}
	if err := world.Sessions().Create(ctx, &exam.Session{
		ID:            replSessionID,
		ExamID:        replExamID,
		ParticipantID: replParticipant,
		ProblemID:     spec.ProblemID,
		SpecID:        spec.SpecID,
		Language:      "python",
		Status:        exam.SessionOpen,
	}); err != nil {
		fmt.Printf("%s❌ Failed to seed session: %v%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}

	// Lorem-only LLM stack
	nodes, err := evalconfig.NewRegistry()
	if err != nil {
		fmt.Printf("%s❌ Failed to load evaluation configs: %v%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}
	nodes.SetDefaults("lorem-fast", 0.3, 60)

	providers := llm.NewProviderRegistry()
	providers.Register(lorem.NewProvider())
	gateway := llm.NewGateway(providers, nodes, llm.GatewayConfig{
		RatePerSecond: 20,
		Burst:         20,
		Retry:         llm.RetryPolicy{MaxAttempts: 2, InitialDelay: 100 * time.Millisecond, Backoff: "fixed"},
	}, logger)

	// Sandbox: in-memory queue drained by one worker over the echo executor
	queue := sandbox.NewMemoryQueue(config.SandboxQueueCapacity)
	pool := sandbox.NewPool(queue, echoExecutor{}, 1, logger)
	workerCtx, stopWorkers := context.WithCancel(ctx)
	pool.Start(workerCtx)

	orchestrator := session.New(session.Deps{
		Store:       sessionstore.NewMemoryStore(),
		Sessions:    world.Sessions(),
		Problems:    world.Problems(),
		Messages:    world.Messages(),
		Evaluations: world.Evaluations(),
		Submissions: world.Submissions(),
		Tx:          world.Tx(),
		Guardrail:   guardrail.NewService(gateway, logger),
		Tutor:       tutor.NewService(gateway, logger),
		TurnEval:    evaluation.NewTurnEvaluator(gateway, nodes, logger),
		Holistic:    evaluation.NewHolisticEvaluator(gateway, logger),
		CodeEval:    sandbox.NewCodeEvaluator(queue, 2, logger),
		Gateway:     gateway,
		Logger:      logger,
	})
	defer func() {
		orchestrator.Close()
		stopWorkers()
		pool.Wait()
	}()

	cli := &CLI{
		ctx:          ctx,
		orchestrator: orchestrator,
		world:        world,
		spec:         spec,
		scanner:      bufio.NewScanner(os.Stdin),
		logger:       logger,
	}
	cli.scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	cli.run()
}

func (cli *CLI) run() {
	cli.logger.Info("CLI started", "session_id", replSessionID)

	fmt.Printf("\n%s╔══════════════════════════════════════╗%s\n", colorCyan, colorReset)
	fmt.Printf("%s║    Proctor Tutor REPL                ║%s\n", colorCyan, colorReset)
	fmt.Printf("%s╚══════════════════════════════════════╝%s\n", colorCyan, colorReset)
	fmt.Printf("%sSession: %d | Problem: %s (%s)%s\n", colorBlue, replSessionID, cli.spec.ProblemID, cli.spec.Title, colorReset)
	fmt.Printf("%sProvider: lorem (mock replies), sandbox: echo (all tests pass)%s\n\n", colorBlue, colorReset)

	for {
		fmt.Println("\n" + strings.Repeat("─", 40))
		fmt.Println("Main Menu:")
		fmt.Println("1. Chat with the tutor")
		fmt.Println("2. Show dialogue")
		fmt.Println("3. Show evaluations")
		fmt.Println("4. Submit final code")
		fmt.Println("5. Exit")
		fmt.Print("\nSelect option (1-5): ")

		choice := cli.readLine()
		fmt.Println()

		cli.logger.Debug("menu selection", "choice", choice)

		switch choice {
		case "1":
			cli.chatFlow()
		case "2":
			cli.showDialogue()
		case "3":
			cli.showEvaluations()
		case "4":
			cli.submitFlow()
		case "5":
			cli.logger.Info("CLI exiting")
			fmt.Printf("%s✓ Goodbye!%s\n", colorGreen, colorReset)
			return
		default:
			cli.logger.Warn("invalid menu choice", "choice", choice)
			fmt.Printf("%s⚠ Invalid choice. Please enter 1-5.%s\n", colorYellow, colorReset)
		}
	}
}

func (cli *CLI) chatFlow() {
	fmt.Print("Your message: ")
	message := cli.readLine()
	if message == "" {
		fmt.Printf("%s⚠ Message cannot be empty%s\n", colorYellow, colorReset)
		return
	}

	fmt.Printf("\n%s⏳ Asking the tutor...%s\n", colorBlue, colorReset)
	res, err := cli.orchestrator.HandleChat(cli.ctx, session.ChatInput{
		SessionID: replSessionID,
		Content:   message,
		ProblemID: cli.spec.ProblemID,
		SpecID:    cli.spec.SpecID,
	}, nil)
	if err != nil {
		cli.logger.Error("chat failed", "error", err)
		fmt.Printf("%s❌ Error: %v%s\n", colorRed, err, colorReset)
		return
	}

	label := "Tutor"
	if res.Blocked {
		label = "Guardrail"
	}
	fmt.Printf("\n%s[turn %d] %s:%s %s\n", colorGreen, res.Turn, label, colorReset, res.Content)
	fmt.Printf("%stokens: %d this turn, %d total%s\n",
		colorBlue, res.TurnTokens.Total, res.TotalTokens.Total, colorReset)

	if res.Submission != nil {
		cli.printVerdict(res.Submission)
	}
}

func (cli *CLI) showDialogue() {
	messages, err := cli.world.Messages().ListBySession(cli.ctx, replSessionID)
	if err != nil {
		fmt.Printf("%s❌ Error: %v%s\n", colorRed, err, colorReset)
		return
	}
	if len(messages) == 0 {
		fmt.Printf("%s(no messages yet)%s\n", colorYellow, colorReset)
		return
	}
	for _, msg := range messages {
		color := colorCyan
		if msg.Role == exam.RoleAssistant {
			color = colorGreen
		}
		fmt.Printf("%s[turn %d] %s:%s %s\n", color, msg.Turn, msg.Role, colorReset, msg.Content)
	}
}

func (cli *CLI) showEvaluations() {
	// Turn evaluations land in the background; freshly ended turns may not
	// be here yet.
	logs, err := cli.world.Evaluations().ListTurnEvals(cli.ctx, replSessionID)
	if err != nil {
		fmt.Printf("%s❌ Error: %v%s\n", colorRed, err, colorReset)
		return
	}
	if len(logs) == 0 {
		fmt.Printf("%s(no turn evaluations yet - they run in the background after each turn)%s\n", colorYellow, colorReset)
	}
	for _, log := range logs {
		fmt.Printf("%s[turn %d]%s intent=%s (%.2f) weighted=%.1f guardrail_failed=%v\n",
			colorCyan, log.Turn, colorReset, log.Intent, log.IntentConfidence, log.WeightedScore, log.GuardrailFailed)
		for _, r := range log.Rubrics {
			fmt.Printf("    %-28s %.1f\n", r.Criterion, r.Score)
		}
	}

	holistic, err := cli.world.Evaluations().GetHolistic(cli.ctx, replSessionID)
	if err == nil {
		fmt.Printf("%s[holistic]%s flow=%.1f %s\n", colorCyan, colorReset, holistic.FlowScore, holistic.Analysis)
	}
}

func (cli *CLI) submitFlow() {
	fmt.Println("Paste final code, end with a single '.' line:")
	var lines []string
	for {
		line, ok := cli.readLineRaw()
		if !ok || line == "." {
			break
		}
		lines = append(lines, line)
	}
	code := strings.Join(lines, "\n")
	if strings.TrimSpace(code) == "" {
		fmt.Printf("%s⚠ No code entered%s\n", colorYellow, colorReset)
		return
	}

	cli.submissions++
	submissionID := fmt.Sprintf("sub-repl-%d", cli.submissions)

	fmt.Printf("\n%s⏳ Grading (sandbox runs + holistic review)...%s\n", colorBlue, colorReset)
	result, err := cli.orchestrator.HandleSubmit(cli.ctx, session.SubmitInput{
		ExamID:        replExamID,
		ParticipantID: replParticipant,
		ProblemID:     cli.spec.ProblemID,
		SubmissionID:  submissionID,
		FinalCode:     code,
		Language:      "python",
	})
	if err != nil {
		cli.logger.Error("submit failed", "error", err)
		fmt.Printf("%s❌ Error: %v%s\n", colorRed, err, colorReset)
		return
	}

	cli.printVerdict(result)
	fmt.Printf("%sNote: the session is now SUBMITTED; further chat will be rejected.%s\n", colorYellow, colorReset)
}

func (cli *CLI) printVerdict(result *exam.SubmissionResult) {
	fmt.Printf("\n%s═══ Verdict %s ═══%s\n", colorGreen, result.SubmissionID, colorReset)
	fmt.Printf("  total:       %.2f (grade %s)\n", result.TotalScore, result.Grade)
	fmt.Printf("  correctness: %.1f\n", result.CorrectnessScore)
	fmt.Printf("  performance: %.1f\n", result.PerformanceScore)
	fmt.Printf("  prompting:   %.1f\n", result.PromptScore)
	if result.SkipReason != "" {
		fmt.Printf("  skip reason: %s\n", result.SkipReason)
	}
	for _, outcome := range result.TestOutcomes {
		mark := colorGreen + "PASS" + colorReset
		if !outcome.Passed {
			mark = colorRed + "FAIL" + colorReset
		}
		fmt.Printf("  test %d: %s (%s)\n", outcome.Index, mark, outcome.Status)
	}
}

func (cli *CLI) readLine() string {
	line, _ := cli.readLineRaw()
	return strings.TrimSpace(line)
}

func (cli *CLI) readLineRaw() (string, bool) {
	if !cli.scanner.Scan() {
		return "", false
	}
	return cli.scanner.Text(), true
}

func replSpec() *exam.ProblemSpec {
	return &exam.ProblemSpec{
		SpecID:        "spec-repl-v1",
		ProblemID:     "prob-sum",
		Title:         "Sum of a Sequence",
		InputFormat:   "The first line holds n. The second line holds n integers.",
		OutputFormat:  "A single integer: the sum of the n integers.",
		TimeLimitSec:  1.0,
		MemoryLimitMB: 128,
		KeyAlgorithms: []string{"running total"},
		HintRoadmap: []string{
			"What do you need to keep while walking through the numbers once?",
			"A single accumulator variable is enough; think about its starting value.",
			"Read all tokens, convert each to an integer, and add it to the accumulator.",
			"Sum the integer list from the second input line and print the accumulator.",
		},
		Pitfalls: []string{
			"Reading n but then summing every remaining token including stray whitespace",
			"Printing the list instead of the single total",
		},
		Canonical: "import sys\n\ndata = sys.stdin.read().split()\nn = int(data[0])\nprint(sum(int(x) for x in data[1:1+n]))\n",
		TestCases: []exam.TestCase{
			{Input: "3\n1 2 3\n", Expected: "6"},
			{Input: "1\n7\n", Expected: "7"},
		},
		BlockKeywords: []string{"complete solution", "entire program"},
	}
}
