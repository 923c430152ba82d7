package analysis

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/logging"
	"github.com/Richard1990h/KING-V3-sub001/internal/sandbox"
)

// ReasonKind groups gate failure reasons
type ReasonKind string

const (
	ReasonBuild    ReasonKind = "build"
	ReasonTest     ReasonKind = "test"
	ReasonAnalysis ReasonKind = "analysis"
)

// Reason is one itemized cause of a failing verdict
type Reason struct {
	Kind    ReasonKind `json:"kind"`
	Message string     `json:"message"`
	Path    string     `json:"path,omitempty"`
	Line    int        `json:"line,omitempty"`
}

// Verdict is the gate's decision. It is always definitive.
type Verdict struct {
	Passed  bool     `json:"passed"`
	Reasons []Reason `json:"reasons,omitempty"`
	Report  Report   `json:"report"`
}

func (r Reason) String() string {
	loc := ""
	if r.Path != "" {
		loc = r.Path
		if r.Line > 0 {
			loc = fmt.Sprintf("%s:%d", r.Path, r.Line)
		}
		loc += ": "
	}
	return fmt.Sprintf("[%s] %s%s", r.Kind, loc, r.Message)
}

// Summary renders the reasons for logs and agent prompts
func (v Verdict) Summary() string {
	if v.Passed {
		return "verification passed"
	}
	return strings.Join(v.Errors(), "\n")
}

// Errors returns one string per reason
func (v Verdict) Errors() []string {
	if v.Passed {
		return nil
	}
	out := make([]string, 0, len(v.Reasons))
	for _, r := range v.Reasons {
		out = append(out, r.String())
	}
	return out
}

// BuildOutput carries the sandbox results the gate judges. Nil steps were
// not run.
type BuildOutput struct {
	Build *sandbox.ExecutionResult
	Test  *sandbox.ExecutionResult
}

// Gate is the single authority deciding whether generated code is accepted
type Gate struct {
	analyzer *Analyzer
	logger   *zap.Logger
}

// NewGate builds a gate around an analyzer
func NewGate(analyzer *Analyzer, logger *zap.Logger) *Gate {
	return &Gate{analyzer: analyzer, logger: logging.OrNop(logger).Named("gate")}
}

// Validate fails when the build or run failed, when tests failed or when
// the analyzer reports a blocking diagnostic.
func (g *Gate) Validate(projectID, language string, files map[string]string, out *BuildOutput) Verdict {
	v := Verdict{Report: g.analyzer.Analyze(projectID, language, files)}

	if out != nil {
		v.Reasons = append(v.Reasons, stepReasons(ReasonBuild, language, out.Build)...)
		v.Reasons = append(v.Reasons, stepReasons(ReasonTest, language, out.Test)...)
	}
	for _, d := range v.Report.Blocking() {
		v.Reasons = append(v.Reasons, Reason{
			Kind:    ReasonAnalysis,
			Message: fmt.Sprintf("%s: %s", d.Rule, d.Message),
			Path:    d.Path,
			Line:    d.Line,
		})
	}
	v.Passed = len(v.Reasons) == 0

	g.logger.Info("verification",
		zap.String("project_id", projectID),
		zap.Bool("passed", v.Passed),
		zap.Int("reasons", len(v.Reasons)))
	return v
}

func stepReasons(kind ReasonKind, language string, r *sandbox.ExecutionResult) []Reason {
	if r == nil || r.Success {
		return nil
	}
	step := "build"
	if kind == ReasonTest {
		step = "tests"
	}

	var head string
	switch {
	case r.EnvError != "":
		head = fmt.Sprintf("%s could not run: %s", step, r.EnvError)
	case r.TimedOut:
		head = fmt.Sprintf("%s timed out after %s", step, r.Duration.Round(time.Millisecond))
	case r.Killed:
		head = fmt.Sprintf("%s was killed (exit %d)", step, r.ExitCode)
	default:
		head = fmt.Sprintf("%s failed (exit %d)", step, r.ExitCode)
	}
	reasons := []Reason{{Kind: kind, Message: head}}

	diags := ParseBuildOutput(language, r.Output())
	for _, d := range diags {
		if d.Severity != SeverityBlocking {
			continue
		}
		reasons = append(reasons, Reason{Kind: kind, Message: d.Message, Path: d.Path, Line: d.Line})
	}
	if len(diags) == 0 {
		if tail := lastLines(r.Output(), 15); tail != "" {
			reasons[0].Message += "\n" + tail
		}
	}
	return reasons
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
