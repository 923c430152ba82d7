package agents

import (
	"context"
	"strings"
)

const researcherSystem = `You are an expert technical researcher. Gather what the
implementation needs: the recommended approach, libraries with versions, best
practices, common pitfalls and a suggested file structure. Be concise and
actionable. Use "## " headings for each section.`

// Researcher produces notes for later agents; it writes no files.
type Researcher struct {
	base
}

// Execute implements Agent
func (r *Researcher) Execute(ctx context.Context, in *Input) (*Result, error) {
	resp, err := r.generate(ctx, in, researcherSystem, buildPrompt(in), false)
	if err != nil {
		return nil, err
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return &Result{Tokens: resp.Usage.TotalTokens, Errors: []string{"researcher returned an empty reply"}}, nil
	}
	return &Result{
		Success: true,
		Content: content,
		Summary: summarize(content),
		Tokens:  resp.Usage.TotalTokens,
	}, nil
}
