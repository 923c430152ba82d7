// Package agents provides the specialist agents that carry out pipeline
// tasks: planning, research, development, test design, execution,
// debugging, verification and error analysis.
package agents

import (
	"context"
	"errors"

	"github.com/Richard1990h/KING-V3-sub001/internal/ai"
	"github.com/Richard1990h/KING-V3-sub001/internal/jobs"
	"github.com/Richard1990h/KING-V3-sub001/internal/sandbox"
)

// Type identifies an agent strategy
type Type string

const (
	TypePlanner       Type = "planner"
	TypeResearcher    Type = "researcher"
	TypeDeveloper     Type = "developer"
	TypeTestDesigner  Type = "test_designer"
	TypeExecutor      Type = "executor"
	TypeDebugger      Type = "debugger"
	TypeVerifier      Type = "verifier"
	TypeErrorAnalyzer Type = "error_analyzer"
)

// ErrUnknownAgent is returned when no agent is registered for a type
var ErrUnknownAgent = errors.New("unknown agent type")

// Info describes an agent for clients
type Info struct {
	ID          Type   `json:"id"`
	Name        string `json:"name"`
	Color       string `json:"color"`
	Icon        string `json:"icon"`
	Description string `json:"description"`
}

var catalogue = []Info{
	{TypePlanner, "Planner", "#D946EF", "LayoutGrid", "Analyzes requirements and creates detailed execution plans with job breakdown"},
	{TypeResearcher, "Researcher", "#06B6D4", "Search", "Gathers relevant knowledge, documentation, and best practices"},
	{TypeDeveloper, "Developer", "#10B981", "Code", "Writes clean, efficient code with best practices"},
	{TypeTestDesigner, "Test Designer", "#F59E0B", "TestTube", "Creates comprehensive test cases and test files"},
	{TypeExecutor, "Executor", "#3B82F6", "Play", "Runs code in isolated sandbox and captures results"},
	{TypeDebugger, "Debugger", "#EF4444", "Bug", "Identifies and fixes errors systematically"},
	{TypeVerifier, "Verifier", "#8B5CF6", "CheckCircle", "Validates output against requirements"},
	{TypeErrorAnalyzer, "Error Analyzer", "#EC4899", "AlertTriangle", "Analyzes build/runtime errors and dispatches fixes"},
}

// Catalogue returns the info for every agent type in pipeline order
func Catalogue() []Info {
	return append([]Info(nil), catalogue...)
}

// InfoFor returns the catalogue entry for t
func InfoFor(t Type) (Info, bool) {
	for _, info := range catalogue {
		if info.ID == t {
			return info, true
		}
	}
	return Info{}, false
}

// File is a generated or existing project file
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// PreviousOutput is a condensed earlier task result passed as context
type PreviousOutput struct {
	Agent   Type   `json:"agent"`
	Summary string `json:"summary"`
}

// Input is everything an agent needs for one task
type Input struct {
	// AI is the model client chosen for the job's owner
	AI        ai.Client
	JobID     string
	ProjectID string
	UserID    string
	Prompt    string
	Language  string
	Task      *jobs.Task
	// Files holds the current project files, path to content
	Files           map[string]string
	PreviousOutputs []PreviousOutput
	// Errors carries failure details for corrective tasks
	Errors    []string
	BuildLogs string
	// TargetFiles narrows a corrective task to the failing file set
	TargetFiles []string
	// EntryPoint is used by the executor agent
	EntryPoint string
}

// PlannedTask is one step proposed by the planner
type PlannedTask struct {
	Title           string `json:"title"`
	Description     string `json:"description"`
	AgentType       Type   `json:"agent_type"`
	EstimatedTokens int    `json:"estimated_tokens"`
}

// FixTask is a corrective step proposed by the error analyzer. Lower
// Priority values come first.
type FixTask struct {
	AgentType     Type     `json:"agent"`
	Priority      int      `json:"priority"`
	Description   string   `json:"description"`
	FilesAffected []string `json:"files_affected"`
}

// Result is the outcome of one agent run
type Result struct {
	Success bool   `json:"success"`
	Content string `json:"content"`
	Summary string `json:"summary"`
	Tokens  int    `json:"tokens"`
	Files   []File `json:"files,omitempty"`
	// Plan is set by the planner
	Plan         []PlannedTask `json:"plan,omitempty"`
	FallbackPlan bool          `json:"fallback_plan,omitempty"`
	// FixTasks is set by the error analyzer, best first
	FixTasks []FixTask `json:"fix_tasks,omitempty"`
	// Passed is the verifier's verdict
	Passed *bool `json:"passed,omitempty"`
	// Execution is set by the executor agent
	Execution *sandbox.ExecutionResult `json:"execution,omitempty"`
	Errors    []string                 `json:"errors,omitempty"`
}

// FilePaths returns the paths of the produced files
func (r *Result) FilePaths() []string {
	paths := make([]string, 0, len(r.Files))
	for _, f := range r.Files {
		paths = append(paths, f.Path)
	}
	return paths
}

// Agent is implemented by every strategy
type Agent interface {
	Type() Type
	Execute(ctx context.Context, in *Input) (*Result, error)
}
