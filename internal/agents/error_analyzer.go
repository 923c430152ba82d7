package agents

import (
	"context"
	"sort"
	"strings"
)

const errorAnalyzerSystem = `You are an expert error analyst. Parse the errors and
logs, categorize them (SYNTAX, IMPORT, RUNTIME, LOGIC, DEPENDENCY, CONFIG),
identify root causes and create fix tasks for other agents.

Respond with a single JSON object:
{"errors_found": [{"category": "SYNTAX", "file": "main.py", "line": 42,
"message": "...", "root_cause": "..."}],
"fix_tasks": [{"agent": "debugger", "priority": 1,
"description": "Fix syntax error in main.py", "files_affected": ["main.py"]}]}`

// ErrorAnalyzer turns a failure into corrective tasks
type ErrorAnalyzer struct {
	base
}

type analysisReply struct {
	FixTasks []struct {
		Agent         string   `json:"agent"`
		Priority      int      `json:"priority"`
		Description   string   `json:"description"`
		FilesAffected []string `json:"files_affected"`
	} `json:"fix_tasks"`
}

// Execute implements Agent. An unparseable reply is still a success with no
// fix tasks; the caller falls back to a debugger task.
func (a *ErrorAnalyzer) Execute(ctx context.Context, in *Input) (*Result, error) {
	logs := ""
	if in.BuildLogs != "" {
		logs = "## Build Logs\n```\n" + clip(in.BuildLogs, 4000) + "\n```"
	}
	prompt := buildPrompt(in, logs, "Analyze all errors and respond with the JSON analysis.")

	resp, err := a.generate(ctx, in, errorAnalyzerSystem, prompt, true)
	if err != nil {
		return nil, err
	}

	res := &Result{Success: true, Content: resp.Content, Tokens: resp.Usage.TotalTokens}

	var reply analysisReply
	if err := decodeJSON(resp.Content, &reply); err != nil {
		res.Summary = "analysis returned no structured fix tasks"
		return res, nil
	}
	for _, t := range reply.FixTasks {
		desc := strings.TrimSpace(t.Description)
		if desc == "" {
			continue
		}
		res.FixTasks = append(res.FixTasks, FixTask{
			AgentType:     fixAgentType(t.Agent),
			Priority:      t.Priority,
			Description:   desc,
			FilesAffected: t.FilesAffected,
		})
	}
	sort.SliceStable(res.FixTasks, func(i, j int) bool {
		return priorityRank(res.FixTasks[i].Priority) < priorityRank(res.FixTasks[j].Priority)
	})
	res.Summary = summarize(resp.Content)
	return res, nil
}

// priorityRank orders priorities ascending with unset (0) last
func priorityRank(p int) int {
	if p <= 0 {
		return int(^uint(0) >> 1)
	}
	return p
}

// fixAgentType restricts corrective work to agents that can change files
func fixAgentType(s string) Type {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeDeveloper, TypeTestDesigner, TypeDebugger:
		return t
	default:
		return TypeDebugger
	}
}
