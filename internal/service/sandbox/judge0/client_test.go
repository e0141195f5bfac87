package judge0

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
)

// fakeJudge0 serves the submission endpoints: one canned token on create,
// then the scripted fetch responses in order (the last one repeats).
type fakeJudge0 struct {
	mu        sync.Mutex
	fetches   []map[string]any
	fetchIdx  int
	createReq map[string]any
	authSeen  string
}

func (f *fakeJudge0) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		f.authSeen = r.Header.Get("X-Auth-Token")
		w.Header().Set("Content-Type", "application/json")

		switch r.Method {
		case http.MethodPost:
			if err := json.NewDecoder(r.Body).Decode(&f.createReq); err != nil {
				t.Errorf("decode create payload: %v", err)
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok-1"})
		case http.MethodGet:
			resp := f.fetches[f.fetchIdx]
			if f.fetchIdx < len(f.fetches)-1 {
				f.fetchIdx++
			}
			_ = json.NewEncoder(w).Encode(resp)
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	}
}

func fetchResponse(statusID int, fields map[string]any) map[string]any {
	resp := map[string]any{
		"token":  "tok-1",
		"status": map[string]any{"id": statusID, "description": "status"},
	}
	for k, v := range fields {
		resp[k] = v
	}
	return resp
}

func sampleTask() *exam.Task {
	return &exam.Task{
		Code:            "print(sum(map(int, input().split())))",
		Language:        "python",
		TestCases:       []exam.TestCase{{Input: "3 7", Expected: "10"}},
		CPUTimeLimitSec: 2,
		MemoryLimitMB:   256,
	}
}

func TestExecuteAccepted(t *testing.T) {
	fake := &fakeJudge0{fetches: []map[string]any{
		fetchResponse(3, map[string]any{
			"stdout": "10\n", "time": "0.012", "memory": 2048, "exit_code": 0,
		}),
	}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	client := NewClient(srv.URL, "secret")
	result, err := client.Execute(context.Background(), sampleTask())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.Status != exam.ExecSuccess {
		t.Errorf("status = %q, want SUCCESS", result.Status)
	}
	if result.Output != "10\n" {
		t.Errorf("output = %q", result.Output)
	}
	if result.ExecutionTimeSec != 0.012 {
		t.Errorf("time = %v, want 0.012", result.ExecutionTimeSec)
	}
	if result.MemoryUsedBytes != 2048*1024 {
		t.Errorf("memory = %d, want %d", result.MemoryUsedBytes, 2048*1024)
	}
	if fake.authSeen != "secret" {
		t.Errorf("auth header = %q", fake.authSeen)
	}

	// Creation payload carries the first test case and the KB memory limit.
	if got := fake.createReq["language_id"].(float64); got != 71 {
		t.Errorf("language_id = %v, want 71", got)
	}
	if got := fake.createReq["stdin"].(string); got != "3 7" {
		t.Errorf("stdin = %q", got)
	}
	if got := fake.createReq["expected_output"].(string); got != "10" {
		t.Errorf("expected_output = %q", got)
	}
	if got := fake.createReq["memory_limit"].(float64); got != 256*1024 {
		t.Errorf("memory_limit = %v, want %d KB", got, 256*1024)
	}
}

func TestExecuteWrongAnswerStillSucceeds(t *testing.T) {
	fake := &fakeJudge0{fetches: []map[string]any{
		fetchResponse(4, map[string]any{"stdout": "11\n"}),
	}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	result, err := NewClient(srv.URL, "").Execute(context.Background(), sampleTask())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != exam.ExecSuccess {
		t.Errorf("status = %q, want SUCCESS for a healthy run with wrong output", result.Status)
	}
	if result.Output != "11\n" {
		t.Errorf("output = %q", result.Output)
	}
}

func TestExecutePollsUntilTerminal(t *testing.T) {
	fake := &fakeJudge0{fetches: []map[string]any{
		fetchResponse(2, nil),
		fetchResponse(3, map[string]any{"stdout": "done"}),
	}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	result, err := NewClient(srv.URL, "").Execute(context.Background(), sampleTask())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Output != "done" {
		t.Errorf("output = %q", result.Output)
	}
	if fake.fetchIdx != 1 {
		t.Errorf("stopped after %d fetch advances, want to reach the second response", fake.fetchIdx)
	}
}

func TestExecuteCompileError(t *testing.T) {
	fake := &fakeJudge0{fetches: []map[string]any{
		fetchResponse(6, map[string]any{"compile_output": "SyntaxError: invalid syntax"}),
	}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	result, err := NewClient(srv.URL, "").Execute(context.Background(), sampleTask())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != exam.ExecCompileError {
		t.Errorf("status = %q, want COMPILE_ERROR", result.Status)
	}
	if result.Error != "SyntaxError: invalid syntax" {
		t.Errorf("error = %q", result.Error)
	}
}

func TestExecuteTimeLimitExceeded(t *testing.T) {
	fake := &fakeJudge0{fetches: []map[string]any{
		fetchResponse(5, map[string]any{"time": "2.001"}),
	}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	result, err := NewClient(srv.URL, "").Execute(context.Background(), sampleTask())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != exam.ExecTimeout {
		t.Errorf("status = %q, want TIMEOUT", result.Status)
	}
}

func TestExecuteInternalErrorSurfaces(t *testing.T) {
	fake := &fakeJudge0{fetches: []map[string]any{
		fetchResponse(13, nil),
	}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").Execute(context.Background(), sampleTask())
	if !errors.Is(err, domain.ErrSandboxFailure) {
		t.Errorf("err = %v, want sandbox-failure kind", err)
	}
}

func TestExecuteUnsupportedLanguage(t *testing.T) {
	task := sampleTask()
	task.Language = "brainfuck"

	_, err := NewClient("http://localhost:1", "").Execute(context.Background(), task)
	if !errors.Is(err, domain.ErrFatal) {
		t.Errorf("err = %v, want fatal kind", err)
	}
}

func TestExecuteServerErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		sentinel error
	}{
		{"rate limited", http.StatusTooManyRequests, domain.ErrRateLimited},
		{"server error", http.StatusBadGateway, domain.ErrTransient},
		{"bad request", http.StatusBadRequest, domain.ErrSandboxFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "").Execute(context.Background(), sampleTask())
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("err = %v, want %v kind", err, tt.sentinel)
			}
		})
	}
}

func TestLanguageID(t *testing.T) {
	tests := []struct {
		language string
		want     int
	}{
		{"python", 71},
		{"Python3", 71},
		{" go ", 60},
		{"C++", 54},
		{"node", 63},
	}
	for _, tt := range tests {
		got, err := LanguageID(tt.language)
		if err != nil {
			t.Errorf("LanguageID(%q): %v", tt.language, err)
			continue
		}
		if got != tt.want {
			t.Errorf("LanguageID(%q) = %d, want %d", tt.language, got, tt.want)
		}
	}

	if _, err := LanguageID("cobol"); err == nil {
		t.Error("want error for unsupported language")
	}
}
