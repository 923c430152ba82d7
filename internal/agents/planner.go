package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const plannerSystem = `You are an expert project planner and software architect.
Break the request into clear, ordered tasks, each completable by a single agent.
Include file creation, testing and verification tasks and estimate token usage
for each.

Available agents:
- researcher: gathers documentation and best practices
- developer: writes code and creates files
- test_designer: creates test cases and test files
- executor: runs the code in a sandbox
- debugger: fixes errors and bugs
- verifier: validates the result against the requirements

Respond with a single JSON object:
{"project_summary": "...", "tasks": [{"title": "...", "description": "...",
"agent_type": "developer", "estimated_tokens": 1000}]}`

// maxPlanTasks bounds how many tasks one plan may contain
const maxPlanTasks = 20

// Planner breaks a request into tasks. It never fails: an unusable reply or
// a model error produces the fallback plan.
type Planner struct {
	base
	defaultTokens int
}

type planReply struct {
	ProjectSummary string `json:"project_summary"`
	Tasks          []struct {
		Title           string `json:"title"`
		Description     string `json:"description"`
		AgentType       string `json:"agent_type"`
		EstimatedTokens int    `json:"estimated_tokens"`
	} `json:"tasks"`
}

// Execute implements Agent
func (p *Planner) Execute(ctx context.Context, in *Input) (*Result, error) {
	prompt := buildPrompt(in, "Create the execution plan for this request.")
	resp, err := p.generate(ctx, in, plannerSystem, prompt, true)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		p.logger.Warn("planner failed, using fallback plan", zap.String("job_id", in.JobID), zap.Error(err))
		return p.fallback(in, "", 0, err.Error()), nil
	}

	var reply planReply
	if err := decodeJSON(resp.Content, &reply); err != nil || len(reply.Tasks) == 0 {
		p.logger.Info("planner reply unusable, using fallback plan", zap.String("job_id", in.JobID))
		return p.fallback(in, resp.Content, resp.Usage.TotalTokens, "planner reply contained no tasks"), nil
	}

	plan := make([]PlannedTask, 0, len(reply.Tasks))
	for _, t := range reply.Tasks {
		if len(plan) == maxPlanTasks {
			break
		}
		title := strings.TrimSpace(t.Title)
		if title == "" {
			title = clip(strings.TrimSpace(t.Description), 80)
		}
		if title == "" {
			continue
		}
		plan = append(plan, PlannedTask{
			Title:           title,
			Description:     strings.TrimSpace(t.Description),
			AgentType:       plannableType(t.AgentType),
			EstimatedTokens: p.estimate(t.EstimatedTokens),
		})
	}
	if len(plan) == 0 {
		return p.fallback(in, resp.Content, resp.Usage.TotalTokens, "planner tasks had no titles"), nil
	}

	return &Result{
		Success: true,
		Content: resp.Content,
		Summary: orDefault(reply.ProjectSummary, fmt.Sprintf("%d tasks planned", len(plan))),
		Tokens:  resp.Usage.TotalTokens,
		Plan:    plan,
	}, nil
}

func (p *Planner) estimate(tokens int) int {
	if tokens <= 0 {
		return p.defaultTokens
	}
	return tokens
}

func (p *Planner) fallback(in *Input, content string, tokens int, reason string) *Result {
	return &Result{
		Success:      true,
		Content:      content,
		Summary:      "fallback plan",
		Tokens:       tokens,
		Plan:         FallbackPlan(in.Prompt, in.Language),
		FallbackPlan: true,
		Errors:       []string{reason},
	}
}

// plannableType maps a planner-supplied agent name onto a task agent.
// Planning and error analysis are orchestrator steps, not plan tasks.
func plannableType(s string) Type {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TypeResearcher, TypeDeveloper, TypeTestDesigner, TypeExecutor, TypeDebugger, TypeVerifier:
		return t
	case "tester", "test":
		return TypeTestDesigner
	default:
		return TypeDeveloper
	}
}

// FallbackPlan is the fixed five-step plan used when planning fails.
func FallbackPlan(prompt, language string) []PlannedTask {
	language = orDefault(language, "project")
	return []PlannedTask{
		{
			Title:           "Research Requirements",
			Description:     "Research best practices and patterns for: " + clip(prompt, 100),
			AgentType:       TypeResearcher,
			EstimatedTokens: 800,
		},
		{
			Title:           "Create Project Structure",
			Description:     fmt.Sprintf("Create the initial %s project structure and main files", language),
			AgentType:       TypeDeveloper,
			EstimatedTokens: 1500,
		},
		{
			Title:           "Implement Core Logic",
			Description:     "Implement the main functionality as requested",
			AgentType:       TypeDeveloper,
			EstimatedTokens: 2000,
		},
		{
			Title:           "Create Tests",
			Description:     "Create test cases for the implementation",
			AgentType:       TypeTestDesigner,
			EstimatedTokens: 1000,
		},
		{
			Title:           "Verify Implementation",
			Description:     "Verify the implementation meets all requirements",
			AgentType:       TypeVerifier,
			EstimatedTokens: 500,
		},
	}
}
