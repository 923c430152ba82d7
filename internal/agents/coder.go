package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const filesFormat = `Return a single JSON object:
{"files": [{"path": "relative/path.ext", "content": "complete file content"}],
 "summary": "one paragraph describing the change"}
Always return COMPLETE files, never snippets or placeholders.`

const developerSystem = `You are an expert %s developer. Write clean, working,
well-structured code with proper imports and error handling. Create every
file the task needs, including configuration files.

` + filesFormat

const testDesignerSystem = `You are an expert test engineer for %s. Write
automated tests covering happy paths, edge cases and error handling, using the
language's standard test runner. Test files must follow the runner's naming
conventions.

` + filesFormat

const debuggerSystem = `You are an expert debugger. Analyze the errors, find the
root cause and return the corrected files. Fix the cause, not the symptom, and
do not introduce new behavior.

` + filesFormat

// Coder is the file-producing strategy shared by the developer, test
// designer and debugger agents.
type Coder struct {
	base
	guard     *PathGuard
	protected []string
	// requireFiles fails the task when the reply contains no files
	requireFiles bool
}

func newCoder(t Type, logger *zap.Logger, guard *PathGuard, protected []string) *Coder {
	return &Coder{
		base:         newBase(t, logger),
		guard:        guard,
		protected:    protected,
		requireFiles: t != TypeTestDesigner,
	}
}

func (c *Coder) system(language string) string {
	language = orDefault(language, "software")
	switch c.typ {
	case TypeTestDesigner:
		return fmt.Sprintf(testDesignerSystem, language)
	case TypeDebugger:
		return debuggerSystem
	default:
		return fmt.Sprintf(developerSystem, language)
	}
}

func (c *Coder) prompt(in *Input) string {
	switch c.typ {
	case TypeTestDesigner:
		return buildPrompt(in,
			fileSection("Files to Test", in.Files, in.TargetFiles, 1000),
			"Create tests for the code above.")
	case TypeDebugger:
		logs := ""
		if in.BuildLogs != "" {
			logs = "## Build Logs\n```\n" + clip(in.BuildLogs, 4000) + "\n```"
		}
		return buildPrompt(in,
			logs,
			fileSection("Current Code", in.Files, in.TargetFiles, 0),
			"Analyze the errors and return the COMPLETE fixed file(s).")
	default:
		return buildPrompt(in, "Create all files needed for this task.")
	}
}

// Execute implements Agent
func (c *Coder) Execute(ctx context.Context, in *Input) (*Result, error) {
	resp, err := c.generate(ctx, in, c.system(in.Language), c.prompt(in), true)
	if err != nil {
		return nil, err
	}

	parsed, summary := ParseFiles(resp.Content)
	files, rejected := c.guard.Filter(parsed, c.protected)
	for _, r := range rejected {
		c.logger.Warn("dropped generated file", zap.String("job_id", in.JobID), zap.String("reason", r))
	}

	res := &Result{
		Success: true,
		Content: resp.Content,
		Summary: orDefault(summary, fmt.Sprintf("%d files", len(files))),
		Tokens:  resp.Usage.TotalTokens,
		Files:   files,
		Errors:  rejected,
	}
	if len(files) == 0 && c.requireFiles {
		res.Success = false
		res.Errors = append(res.Errors, fmt.Sprintf("%s produced no files", c.typ))
	}
	if strings.TrimSpace(resp.Content) == "" {
		res.Success = false
		res.Errors = append(res.Errors, "empty reply")
	}
	return res, nil
}
