package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
	"proctor/internal/domain/services"
)

const (
	// defaultPollInterval is how often the evaluator checks task status.
	defaultPollInterval = 500 * time.Millisecond
	// defaultPhaseCap bounds each phase; the orchestrator is never blocked
	// longer than this per phase.
	defaultPhaseCap = 30 * time.Second
)

type codeEvaluator struct {
	queue         services.SandboxQueue
	testCaseLimit int
	logger        *slog.Logger

	// Overridable in tests; production uses the defaults.
	poll     time.Duration
	phaseCap time.Duration
}

// NewCodeEvaluator creates the two-phase evaluator. testCaseLimit bounds how
// many of the problem's test cases Phase 1 runs (the external executor is
// metered per case); zero or negative means one.
func NewCodeEvaluator(queue services.SandboxQueue, testCaseLimit int, logger *slog.Logger) services.CodeEvaluator {
	if testCaseLimit <= 0 {
		testCaseLimit = 1
	}
	return &codeEvaluator{
		queue:         queue,
		testCaseLimit: testCaseLimit,
		logger:        logger,
		poll:          defaultPollInterval,
		phaseCap:      defaultPhaseCap,
	}
}

// Evaluate runs correctness, then performance only on a perfect correctness
// score. Sandbox failures and timeouts degrade to zero scores with a skip
// reason; only caller cancellation returns an error.
func (s *codeEvaluator) Evaluate(ctx context.Context, code, language string, problem *exam.ProblemSpec) (*services.CodeResult, error) {
	result := &services.CodeResult{}

	outcomes, lastRun, err := s.runCorrectness(ctx, code, language, problem)
	result.TestOutcomes = outcomes
	if lastRun != nil {
		result.ExecutionTimeSec = lastRun.ExecutionTimeSec
		result.MemoryUsedBytes = lastRun.MemoryUsedBytes
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		result.SkipReason = fmt.Sprintf("correctness phase failed: %v", err)
		s.logger.Warn("correctness phase failed", "error", err)
		return result, nil
	}

	if !allPassed(outcomes) {
		result.SkipReason = "performance skipped: correctness below 100"
		return result, nil
	}
	result.CorrectnessScore = 100

	perf, err := s.runPerformance(ctx, code, language, problem)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		// Phase 1 measurements stay reportable.
		result.SkipReason = fmt.Sprintf("performance phase failed: %v", err)
		s.logger.Warn("performance phase failed", "error", err)
		return result, nil
	}

	result.ExecutionTimeSec = perf.ExecutionTimeSec
	result.MemoryUsedBytes = perf.MemoryUsedBytes

	if perf.Status != exam.ExecSuccess {
		result.SkipReason = "performance run ended " + string(perf.Status)
		return result, nil
	}

	if perf.ExecutionTimeSec < problem.TimeLimitSec {
		result.PerformanceScore += 50
	}
	if memoryMB(perf.MemoryUsedBytes) < float64(problem.MemoryLimitMB) {
		result.PerformanceScore += 50
	}

	return result, nil
}

// runCorrectness executes the bounded test cases one task each under a
// shared phase budget, stopping at the first failure.
func (s *codeEvaluator) runCorrectness(ctx context.Context, code, language string, problem *exam.ProblemSpec) ([]exam.TestOutcome, *exam.ExecutionResult, error) {
	phaseCtx, cancel := context.WithTimeout(ctx, s.phaseCap)
	defer cancel()

	cases := problem.BoundedTestCases(s.testCaseLimit)
	outcomes := make([]exam.TestOutcome, 0, len(cases))
	var lastRun *exam.ExecutionResult

	for i, tc := range cases {
		run, err := s.runTask(phaseCtx, &exam.Task{
			Code:            code,
			Language:        language,
			TestCases:       []exam.TestCase{tc},
			CPUTimeLimitSec: problem.TimeLimitSec,
			MemoryLimitMB:   problem.MemoryLimitMB,
			Meta:            map[string]string{"phase": "correctness", "case": strconv.Itoa(i)},
		})
		if err != nil {
			return outcomes, lastRun, err
		}
		lastRun = run

		passed := run.Status == exam.ExecSuccess && outputMatches(run.Output, tc.Expected)
		outcomes = append(outcomes, exam.TestOutcome{
			Index:    i,
			Passed:   passed,
			Status:   string(run.Status),
			Stdout:   run.Output,
			Expected: tc.Expected,
		})
		if !passed {
			break
		}
	}

	return outcomes, lastRun, nil
}

// runPerformance executes a measuring run with no test cases.
func (s *codeEvaluator) runPerformance(ctx context.Context, code, language string, problem *exam.ProblemSpec) (*exam.ExecutionResult, error) {
	phaseCtx, cancel := context.WithTimeout(ctx, s.phaseCap)
	defer cancel()

	return s.runTask(phaseCtx, &exam.Task{
		Code:            code,
		Language:        language,
		CPUTimeLimitSec: problem.TimeLimitSec,
		MemoryLimitMB:   problem.MemoryLimitMB,
		Meta:            map[string]string{"phase": "performance"},
	})
}

// runTask enqueues one task and polls until it is terminal or the phase
// budget runs out.
func (s *codeEvaluator) runTask(ctx context.Context, task *exam.Task) (*exam.ExecutionResult, error) {
	id, err := s.queue.Enqueue(ctx, task)
	if err != nil {
		return nil, err
	}

	tick := time.NewTicker(s.poll)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, domain.NewCoreError(domain.CodeTimeout, "sandbox wait aborted", ctx.Err())
		case <-tick.C:
			status, err := s.queue.Status(ctx, id)
			if err != nil {
				return nil, err
			}
			if !status.Terminal() {
				continue
			}

			result, err := s.queue.Result(ctx, id)
			if err != nil {
				return nil, err
			}
			if status == exam.TaskFailed {
				msg := "sandbox task failed"
				if result != nil && result.Error != "" {
					msg = result.Error
				}
				return nil, domain.NewCoreError(domain.CodeSandboxFailure, msg, nil)
			}
			if result == nil {
				return nil, domain.NewCoreError(domain.CodeSandboxFailure, "task done without result", nil)
			}
			return result, nil
		}
	}
}

// allPassed reports whether the outcome list is non-empty and fully green.
func allPassed(outcomes []exam.TestOutcome) bool {
	if len(outcomes) == 0 {
		return false
	}
	for _, o := range outcomes {
		if !o.Passed {
			return false
		}
	}
	return true
}

// outputMatches compares sandbox stdout with the expected output, ignoring
// leading and trailing whitespace.
func outputMatches(got, expected string) bool {
	return strings.TrimSpace(got) == strings.TrimSpace(expected)
}

// memoryMB converts the reported byte count for the limit comparison.
func memoryMB(bytes int64) float64 {
	return float64(bytes) / (1024 * 1024)
}
