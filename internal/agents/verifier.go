package agents

import (
	"context"
	"strings"
)

const verifierSystem = `You are a code reviewer and QA specialist. Compare the
implementation with the original requirements, check completeness and
quality, and give a clear verdict.

Respond with a single JSON object:
{"passed": true, "issues": ["..."], "summary": "..."}`

// Verifier reviews the project against the request. A failing verdict fails
// the task so a fix cycle can follow.
type Verifier struct {
	base
}

type verdictReply struct {
	Passed  *bool    `json:"passed"`
	Issues  []string `json:"issues"`
	Summary string   `json:"summary"`
}

// Execute implements Agent
func (v *Verifier) Execute(ctx context.Context, in *Input) (*Result, error) {
	prompt := buildPrompt(in,
		"## Original Requirements\n"+in.Prompt,
		fileSection("Current Implementation", in.Files, nil, 2000),
		"Verify the implementation and give your verdict.")

	resp, err := v.generate(ctx, in, verifierSystem, prompt, true)
	if err != nil {
		return nil, err
	}

	passed, issues, summary := parseVerdict(resp.Content)
	res := &Result{
		Success: passed,
		Content: resp.Content,
		Summary: summary,
		Tokens:  resp.Usage.TotalTokens,
		Passed:  &passed,
	}
	if !passed {
		res.Errors = issues
		if len(res.Errors) == 0 {
			res.Errors = []string{"verifier rejected the implementation"}
		}
	}
	return res, nil
}

// parseVerdict reads the JSON verdict, falling back to a "**PASS**" or
// "Verdict: PASS" marker in free text.
func parseVerdict(content string) (bool, []string, string) {
	var reply verdictReply
	if err := decodeJSON(content, &reply); err == nil && reply.Passed != nil {
		return *reply.Passed, reply.Issues, orDefault(reply.Summary, summarize(content))
	}
	upper := strings.ToUpper(content)
	passed := strings.Contains(upper, "**PASS**") || strings.Contains(upper, "VERDICT: PASS")
	return passed, nil, summarize(content)
}
