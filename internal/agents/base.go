package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/ai"
	"github.com/Richard1990h/KING-V3-sub001/internal/metrics"
)

// ErrNoModel is returned when an agent that needs a model has none
var ErrNoModel = errors.New("no model client configured")

var capabilities = map[Type]ai.Capability{
	TypePlanner:       ai.CapabilityPlanning,
	TypeResearcher:    ai.CapabilityResearch,
	TypeDeveloper:     ai.CapabilityCodeGeneration,
	TypeTestDesigner:  ai.CapabilityTesting,
	TypeExecutor:      ai.CapabilityCodeGeneration,
	TypeDebugger:      ai.CapabilityDebugging,
	TypeVerifier:      ai.CapabilityCodeReview,
	TypeErrorAnalyzer: ai.CapabilityErrorAnalysis,
}

// base holds what every model-backed agent shares
type base struct {
	typ     Type
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func newBase(t Type, logger *zap.Logger) base {
	return base{typ: t, logger: logger.With(zap.String("agent", string(t))), metrics: metrics.Get()}
}

func (b *base) Type() Type { return b.typ }

// generate sends prompt to the job's model client and records usage.
func (b *base) generate(ctx context.Context, in *Input, system, prompt string, jsonOut bool) (*ai.Response, error) {
	if in.AI == nil {
		return nil, ErrNoModel
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := &ai.Request{
		ID:         taskID(in),
		Capability: capabilities[b.typ],
		System:     system,
		Prompt:     prompt,
		Language:   in.Language,
		UserID:     in.UserID,
		ProjectID:  in.ProjectID,
		JSONOutput: jsonOut,
	}
	resp, err := in.AI.Generate(ctx, req)
	provider := string(in.AI.Provider())
	if err != nil {
		b.metrics.RecordAIRequest(provider, string(b.typ), "error", 0, 0)
		b.logger.Warn("model request failed", zap.String("job_id", in.JobID), zap.Error(err))
		return nil, fmt.Errorf("%s: %w", b.typ, err)
	}
	b.metrics.RecordAIRequest(provider, string(b.typ), "ok", resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return resp, nil
}

func taskID(in *Input) string {
	if in.Task != nil {
		return in.Task.ID
	}
	return in.JobID
}

// buildPrompt assembles the shared context sections followed by the task.
func buildPrompt(in *Input, extra ...string) string {
	var sb strings.Builder

	sb.WriteString("## Project Context\n")
	fmt.Fprintf(&sb, "Language: %s\n", orDefault(in.Language, "unspecified"))
	if in.Prompt != "" {
		fmt.Fprintf(&sb, "Request: %s\n", in.Prompt)
	}
	sb.WriteString("\n")

	if n := len(in.PreviousOutputs); n > 0 {
		sb.WriteString("## Previous Agent Outputs\n")
		start := 0
		if n > 3 {
			start = n - 3
		}
		for _, o := range in.PreviousOutputs[start:] {
			fmt.Fprintf(&sb, "[%s]: %s\n", o.Agent, clip(o.Summary, 500))
		}
		sb.WriteString("\n")
	}

	if len(in.Files) > 0 {
		sb.WriteString("## Existing Files\n")
		for i, p := range sortedPaths(in.Files) {
			if i == 20 {
				fmt.Fprintf(&sb, "- ... and %d more\n", len(in.Files)-20)
				break
			}
			fmt.Fprintf(&sb, "- %s\n", p)
		}
		sb.WriteString("\n")
	}

	if len(in.Errors) > 0 {
		sb.WriteString("## Errors to Address\n")
		for _, e := range in.Errors {
			fmt.Fprintf(&sb, "- %s\n", e)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Task\n")
	if in.Task != nil {
		sb.WriteString(in.Task.Title)
		if in.Task.Description != "" {
			sb.WriteString("\n")
			sb.WriteString(in.Task.Description)
		}
	} else {
		sb.WriteString(in.Prompt)
	}

	for _, e := range extra {
		if e == "" {
			continue
		}
		sb.WriteString("\n\n")
		sb.WriteString(e)
	}
	return sb.String()
}

// fileSection renders files as "### path" blocks, clipping each to limit
// bytes. Only paths in only are included when it is non-empty.
func fileSection(title string, files map[string]string, only []string, limit int) string {
	if len(files) == 0 {
		return ""
	}
	want := map[string]bool{}
	for _, p := range only {
		want[p] = true
	}

	var sb strings.Builder
	sb.WriteString("## ")
	sb.WriteString(title)
	sb.WriteString("\n")
	for _, p := range sortedPaths(files) {
		if len(want) > 0 && !want[p] {
			continue
		}
		fmt.Fprintf(&sb, "\n### %s\n```\n%s\n```\n", p, clip(files[p], limit))
	}
	return sb.String()
}

func sortedPaths(files map[string]string) []string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func summarize(content string) string {
	content = strings.TrimSpace(content)
	if i := strings.Index(content, "\n\n"); i > 0 && i < 400 {
		return content[:i]
	}
	return clip(content, 400)
}
