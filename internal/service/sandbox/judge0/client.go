// Package judge0 adapts the Judge0 code-execution API to the sandbox
// executor interface. One Execute call creates a submission and polls it to
// completion.
package judge0

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
)

const (
	// DefaultBaseURL matches a self-hosted Judge0 CE instance.
	DefaultBaseURL = "http://localhost:2358"
	// DefaultTimeout is the HTTP timeout per API call.
	DefaultTimeout = 30 * time.Second
	// pollInterval is how often a created submission is re-fetched.
	pollInterval = 250 * time.Millisecond
)

// Client talks to one Judge0 deployment.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Judge0 client. An empty baseURL falls back to
// DefaultBaseURL; the key is optional for unauthenticated deployments.
func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// submissionRequest is the Judge0 creation payload. Memory limit is in KB.
type submissionRequest struct {
	SourceCode     string  `json:"source_code"`
	LanguageID     int     `json:"language_id"`
	Stdin          string  `json:"stdin,omitempty"`
	ExpectedOutput string  `json:"expected_output,omitempty"`
	CPUTimeLimit   float64 `json:"cpu_time_limit,omitempty"`
	MemoryLimit    int     `json:"memory_limit,omitempty"`
}

// submissionResponse is the Judge0 submission view. Time is a decimal
// string in seconds; memory is in KB.
type submissionResponse struct {
	Token         string  `json:"token"`
	Stdout        *string `json:"stdout"`
	Stderr        *string `json:"stderr"`
	CompileOutput *string `json:"compile_output"`
	Message       *string `json:"message"`
	Time          *string `json:"time"`
	Memory        *int64  `json:"memory"`
	ExitCode      *int    `json:"exit_code"`
	Status        struct {
		ID          int    `json:"id"`
		Description string `json:"description"`
	} `json:"status"`
}

// Execute creates one submission and polls it until terminal. Execution uses
// the task's first test case for stdin and expected output; a task without
// test cases is a bare measuring run.
func (c *Client) Execute(ctx context.Context, task *exam.Task) (*exam.ExecutionResult, error) {
	languageID, err := LanguageID(task.Language)
	if err != nil {
		return nil, domain.NewCoreError(domain.CodeFatal, err.Error(), nil)
	}

	payload := submissionRequest{
		SourceCode:   task.Code,
		LanguageID:   languageID,
		CPUTimeLimit: task.CPUTimeLimitSec,
		MemoryLimit:  task.MemoryLimitMB * 1024,
	}
	if len(task.TestCases) > 0 {
		payload.Stdin = task.TestCases[0].Input
		payload.ExpectedOutput = task.TestCases[0].Expected
	}

	token, err := c.create(ctx, payload)
	if err != nil {
		return nil, err
	}

	for {
		sub, err := c.fetch(ctx, token)
		if err != nil {
			return nil, err
		}
		if terminal(sub.Status.ID) {
			return convertResult(sub)
		}

		select {
		case <-ctx.Done():
			return nil, domain.NewCoreError(domain.CodeTimeout, "judge0 wait aborted", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// create POSTs the submission and returns its token.
func (c *Client) create(ctx context.Context, payload submissionRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal submission: %w", err)
	}

	url := c.baseURL + "/submissions?base64_encoded=false&wait=false"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	respBody, err := c.do(req)
	if err != nil {
		return "", err
	}

	var created submissionResponse
	if err := json.Unmarshal(respBody, &created); err != nil {
		return "", fmt.Errorf("parse creation response: %w", err)
	}
	if created.Token == "" {
		return "", domain.NewCoreError(domain.CodeSandboxFailure, "judge0 returned no submission token", nil)
	}
	return created.Token, nil
}

// fetch GETs the submission state.
func (c *Client) fetch(ctx context.Context, token string) (*submissionResponse, error) {
	url := c.baseURL + "/submissions/" + token + "?base64_encoded=false"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	respBody, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var sub submissionResponse
	if err := json.Unmarshal(respBody, &sub); err != nil {
		return nil, fmt.Errorf("parse submission: %w", err)
	}
	return &sub, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Auth-Token", c.apiKey)
	}
}

// do executes the request and classifies transport-level failures.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewCoreError(domain.CodeTransient, "judge0 unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }() // Error ignored: response consumed

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.NewCoreError(domain.CodeRateLimited, "judge0 rate limited", nil)
	case resp.StatusCode >= 500:
		return nil, domain.NewCoreError(domain.CodeTransient,
			fmt.Sprintf("judge0 error (status %d)", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return nil, domain.NewCoreError(domain.CodeSandboxFailure,
			fmt.Sprintf("judge0 rejected request (status %d): %s", resp.StatusCode, string(body)), nil)
	}

	return body, nil
}

// convertResult maps a terminal Judge0 submission to the platform's result.
func convertResult(sub *submissionResponse) (*exam.ExecutionResult, error) {
	status, ok := execStatus(sub.Status.ID)
	if !ok {
		return nil, domain.NewCoreError(domain.CodeSandboxFailure,
			fmt.Sprintf("judge0 internal failure: %s", sub.Status.Description), nil)
	}

	result := &exam.ExecutionResult{
		Status: status,
		Output: deref(sub.Stdout),
	}

	if msg := firstNonEmpty(deref(sub.CompileOutput), deref(sub.Stderr), deref(sub.Message)); msg != "" {
		result.Error = msg
	}
	if sub.Time != nil {
		if sec, err := strconv.ParseFloat(*sub.Time, 64); err == nil {
			result.ExecutionTimeSec = sec
		}
	}
	if sub.Memory != nil {
		result.MemoryUsedBytes = *sub.Memory * 1024
	}
	if sub.ExitCode != nil {
		result.ExitCode = *sub.ExitCode
	}

	return result, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
