// Package analysis checks generated code without running it, derives smoke
// tests from it and decides whether a build is acceptable.
package analysis

import (
	"path"
	"strings"
)

// Severity of a diagnostic. Only blocking diagnostics fail the gate.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityBlocking Severity = "blocking"
)

// Diagnostic is one finding about a file or a build log
type Diagnostic struct {
	Path       string   `json:"path,omitempty"`
	Line       int      `json:"line,omitempty"`
	Column     int      `json:"column,omitempty"`
	Severity   Severity `json:"severity"`
	Rule       string   `json:"rule"`
	Message    string   `json:"message"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// Report is the result of analyzing a file set
type Report struct {
	ProjectID     string       `json:"project_id"`
	Language      string       `json:"language"`
	FilesAnalyzed int          `json:"files_analyzed"`
	Skipped       []string     `json:"skipped,omitempty"`
	Diagnostics   []Diagnostic `json:"diagnostics"`
	// Partial is set when at least one file could not be fully parsed
	Partial bool `json:"partial"`
}

// Blocking returns the blocking diagnostics
func (r Report) Blocking() []Diagnostic {
	var out []Diagnostic
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityBlocking {
			out = append(out, d)
		}
	}
	return out
}

// HasBlocking reports whether any diagnostic is blocking
func (r Report) HasBlocking() bool {
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityBlocking {
			return true
		}
	}
	return false
}

// File is a generated file
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// fileLanguage maps an extension onto the analyzer's language families
func fileLanguage(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".mjs", ".cjs", ".jsx":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".java":
		return "java"
	case ".rs":
		return "rust"
	case ".rb":
		return "ruby"
	case ".sh", ".bash":
		return "shell"
	case ".c", ".h", ".cpp", ".cc", ".hpp", ".cs", ".kt", ".swift", ".php":
		return "c-like"
	case ".json":
		return "json"
	default:
		return ""
	}
}

func normalizeLanguage(language string) string {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "golang":
		return "go"
	case "py", "python3":
		return "python"
	case "js", "node", "nodejs":
		return "javascript"
	case "ts":
		return "typescript"
	case "rs":
		return "rust"
	case "rb":
		return "ruby"
	case "sh", "bash":
		return "shell"
	default:
		return strings.ToLower(strings.TrimSpace(language))
	}
}
