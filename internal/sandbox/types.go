// Package sandbox runs generated code in an isolated environment and
// classifies each outcome so callers know whether a retry can help.
package sandbox

import (
	"context"
	"time"
)

// Phase is the step of the build/test/run cycle an execution belongs to
type Phase string

const (
	PhaseBuild Phase = "build"
	PhaseTest  Phase = "test"
	PhaseRun   Phase = "run"
)

// FailureClass says whether a failed execution is worth retrying. It is
// decided from exit status, timeout and backend errors, never from output
// text.
type FailureClass string

const (
	ClassNone      FailureClass = ""
	ClassRetryable FailureClass = "retryable"
	ClassTerminal  FailureClass = "terminal"
)

// Standard exit codes for executions stopped by the sandbox
const (
	ExitTimeout = 124
	ExitKilled  = 137
	// ExitEnvironment marks a result synthesized from a backend error; the
	// program never ran.
	ExitEnvironment = -1
)

// ExecutionRequest describes one sandboxed execution
type ExecutionRequest struct {
	ProjectID string `json:"project_id"`
	Language  string `json:"language"`
	// Files maps relative paths to contents
	Files        map[string]string `json:"files"`
	EntryPoint   string            `json:"entry_point,omitempty"`
	Phase        Phase             `json:"phase"`
	Timeout      time.Duration     `json:"timeout,omitempty"`
	AllowNetwork bool              `json:"allow_network,omitempty"`
	Stdin        string            `json:"stdin,omitempty"`
}

// ExecutionResult is the immutable outcome of one attempt. Retries produce
// new results.
type ExecutionResult struct {
	ID        string        `json:"id"`
	Language  string        `json:"language"`
	Phase     Phase         `json:"phase"`
	Success   bool          `json:"success"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	TimedOut  bool          `json:"timed_out"`
	Killed    bool          `json:"killed,omitempty"`
	Attempt   int           `json:"attempt"`
	Class     FailureClass  `json:"class,omitempty"`
	Backend   string        `json:"backend"`
	StartedAt time.Time     `json:"started_at"`
	// EnvError is set when the backend itself failed (no program ran)
	EnvError string `json:"env_error,omitempty"`
}

// Retryable reports whether another attempt could change the outcome
func (r *ExecutionResult) Retryable() bool {
	return r != nil && r.Class == ClassRetryable
}

// Output returns stdout and stderr joined, for diagnostics parsing.
func (r *ExecutionResult) Output() string {
	if r == nil {
		return ""
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Backend runs a normalized request once. A returned error means the backend
// could not run the program at all (daemon down, workspace not writable); a
// program that ran and failed is reported through the result.
type Backend interface {
	Name() string
	Run(ctx context.Context, req *ExecutionRequest, cmd []string) (*ExecutionResult, error)
}

// Classify assigns the failure class for a finished attempt.
func Classify(r *ExecutionResult) FailureClass {
	switch {
	case r.EnvError != "":
		return ClassRetryable
	case r.TimedOut, r.Killed:
		return ClassRetryable
	case r.ExitCode == ExitTimeout || r.ExitCode == ExitKilled:
		return ClassRetryable
	case r.ExitCode == 0:
		return ClassNone
	default:
		return ClassTerminal
	}
}
