package analysis

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/logging"
)

const maxSyntaxErrorsPerFile = 10

// Options configures an Analyzer. Include, when set, limits analysis to
// matching paths. Exclude always wins.
type Options struct {
	Include []string
	Exclude []string
	// MaxFileSize skips larger files, marking the report partial
	MaxFileSize int
	Logger      *zap.Logger
}

// DefaultExclude skips vendored and generated trees
var DefaultExclude = []string{
	"**/node_modules/**",
	"**/vendor/**",
	"**/.git/**",
	"**/dist/**",
	"**/__pycache__/**",
	"**/*.min.js",
}

// Analyzer performs static checks on a file set
type Analyzer struct {
	opts   Options
	logger *zap.Logger
}

// NewAnalyzer validates the glob patterns up front
func NewAnalyzer(opts Options) (*Analyzer, error) {
	if opts.Exclude == nil {
		opts.Exclude = DefaultExclude
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = 512 * 1024
	}
	for _, p := range append(append([]string{}, opts.Include...), opts.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid glob pattern %q", p)
		}
	}
	return &Analyzer{opts: opts, logger: logging.OrNop(opts.Logger).Named("analysis")}, nil
}

type rule struct {
	id       string
	severity Severity
	pattern  *regexp.Regexp
	message  string
	langs    []string
}

var lineRules = []rule{
	{id: "hardcoded_aws_key", severity: SeverityBlocking, pattern: regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`), message: "hardcoded AWS access key id"},
	{id: "private_key", severity: SeverityBlocking, pattern: regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY( BLOCK)?-----`), message: "embedded private key"},
	{id: "dangerous_eval", severity: SeverityWarning, pattern: regexp.MustCompile(`\beval\s*\(`), message: "use of eval", langs: []string{"python", "javascript", "typescript", "ruby"}},
	{id: "dangerous_exec", severity: SeverityWarning, pattern: regexp.MustCompile(`\bos\.system\s*\(|\bshell\s*=\s*True\b|\bchild_process\b|\bexecSync\s*\(`), message: "shell command execution", langs: []string{"python", "javascript", "typescript"}},
	{id: "dangerous_exec", severity: SeverityWarning, pattern: regexp.MustCompile(`\bexec\.Command\(\s*"(sh|bash)"`), message: "shell command execution", langs: []string{"go"}},
	{id: "dangerous_pickle", severity: SeverityWarning, pattern: regexp.MustCompile(`\bpickle\.loads?\(`), message: "unpickling untrusted data", langs: []string{"python"}},
	{id: "dangerous_rm", severity: SeverityWarning, pattern: regexp.MustCompile(`\brm\s+-rf\s+/(\s|$)`), message: "recursive delete of filesystem root"},
	{id: "todo", severity: SeverityInfo, pattern: regexp.MustCompile(`\b(TODO|FIXME|XXX)\b`), message: "unfinished work marker"},
}

// Analyze checks every file and returns a report. It never fails: files
// that cannot be parsed produce blocking diagnostics and mark the report
// partial.
func (a *Analyzer) Analyze(projectID, language string, files map[string]string) Report {
	report := Report{ProjectID: projectID, Language: normalizeLanguage(language)}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if !a.selected(p) {
			report.Skipped = append(report.Skipped, p)
			continue
		}
		content := files[p]
		if len(content) > a.opts.MaxFileSize {
			report.Skipped = append(report.Skipped, p)
			report.Partial = true
			continue
		}
		report.FilesAnalyzed++
		diags, partial := a.analyzeFile(p, content)
		report.Diagnostics = append(report.Diagnostics, diags...)
		if partial {
			report.Partial = true
		}
	}

	a.logger.Debug("analysis complete",
		zap.String("project_id", projectID),
		zap.Int("files", report.FilesAnalyzed),
		zap.Int("diagnostics", len(report.Diagnostics)),
		zap.Bool("partial", report.Partial))
	return report
}

func (a *Analyzer) selected(p string) bool {
	for _, pattern := range a.opts.Exclude {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return false
		}
	}
	if len(a.opts.Include) == 0 {
		return true
	}
	for _, pattern := range a.opts.Include {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return true
		}
	}
	return false
}

func (a *Analyzer) analyzeFile(p, content string) ([]Diagnostic, bool) {
	if strings.TrimSpace(content) == "" {
		return []Diagnostic{{Path: p, Severity: SeverityWarning, Rule: "empty_file", Message: "file is empty"}}, false
	}

	lang := fileLanguage(p)
	var diags []Diagnostic
	partial := false

	switch lang {
	case "go":
		d, ok := checkGo(p, content)
		diags = append(diags, d...)
		partial = !ok
	case "python", "javascript", "typescript", "java", "rust", "c-like", "ruby":
		if d := checkDelimiters(p, content, lang); d != nil {
			diags = append(diags, *d)
			partial = true
		}
	}

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		for _, r := range lineRules {
			if len(r.langs) > 0 && !contains(r.langs, lang) {
				continue
			}
			if r.pattern.MatchString(line) {
				diags = append(diags, Diagnostic{
					Path:     p,
					Line:     i + 1,
					Severity: r.severity,
					Rule:     r.id,
					Message:  r.message,
				})
			}
		}
	}
	return diags, partial
}

// checkGo parses Go source and reports syntax errors plus calls to
// os.Exit outside package main.
func checkGo(p, content string) ([]Diagnostic, bool) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, p, content, parser.AllErrors)
	var diags []Diagnostic
	if err != nil {
		var list scanner.ErrorList
		if errors.As(err, &list) {
			for i, e := range list {
				if i == maxSyntaxErrorsPerFile {
					break
				}
				diags = append(diags, Diagnostic{
					Path:     p,
					Line:     e.Pos.Line,
					Column:   e.Pos.Column,
					Severity: SeverityBlocking,
					Rule:     "syntax_error",
					Message:  e.Msg,
				})
			}
		} else {
			diags = append(diags, Diagnostic{Path: p, Severity: SeverityBlocking, Rule: "syntax_error", Message: err.Error()})
		}
	}
	if file == nil {
		return diags, false
	}
	if file.Name != nil && file.Name.Name != "main" {
		ast.Inspect(file, func(n ast.Node) bool {
			call, ok := n.(*ast.CallExpr)
			if !ok {
				return true
			}
			sel, ok := call.Fun.(*ast.SelectorExpr)
			if !ok {
				return true
			}
			if id, ok := sel.X.(*ast.Ident); ok && id.Name == "os" && sel.Sel.Name == "Exit" {
				pos := fset.Position(call.Pos())
				diags = append(diags, Diagnostic{
					Path:     p,
					Line:     pos.Line,
					Column:   pos.Column,
					Severity: SeverityWarning,
					Rule:     "library_exit",
					Message:  "os.Exit called outside package main",
				})
			}
			return true
		})
	}
	return diags, err == nil
}

var closers = map[rune]rune{')': '(', ']': '[', '}': '{'}

// checkDelimiters verifies bracket balance, skipping strings and comments.
// It returns the first imbalance found.
func checkDelimiters(p, content, lang string) *Diagnostic {
	type open struct {
		r    rune
		line int
	}
	var stack []open
	hashComments := lang == "python" || lang == "ruby"
	slashComments := !hashComments
	singleQuoteStrings := lang != "rust"
	backtickStrings := lang == "javascript" || lang == "typescript"

	runes := []rune(content)
	line := 1
	fail := func(msg string, at int) *Diagnostic {
		return &Diagnostic{Path: p, Line: at, Severity: SeverityBlocking, Rule: "unbalanced_delimiters", Message: msg}
	}

	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '\n':
			line++
		case hashComments && c == '#':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			i--
		case slashComments && c == '/' && i+1 < len(runes) && runes[i+1] == '/':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			i--
		case slashComments && c == '/' && i+1 < len(runes) && runes[i+1] == '*':
			start := line
			i += 2
			for i < len(runes) && !(runes[i] == '*' && i+1 < len(runes) && runes[i+1] == '/') {
				if runes[i] == '\n' {
					line++
				}
				i++
			}
			if i >= len(runes) {
				return fail("unterminated block comment", start)
			}
			i++
		case c == '"' || (c == '\'' && singleQuoteStrings) || (c == '`' && backtickStrings):
			start := line
			triple := lang == "python" && i+2 < len(runes) && runes[i+1] == c && runes[i+2] == c
			if triple {
				i += 3
				for i < len(runes) && !(runes[i] == c && i+2 < len(runes) && runes[i+1] == c && runes[i+2] == c) {
					if runes[i] == '\n' {
						line++
					}
					i++
				}
				if i >= len(runes) {
					return fail("unterminated triple-quoted string", start)
				}
				i += 2
				continue
			}
			multiline := c == '`'
			i++
			for i < len(runes) && runes[i] != c {
				if runes[i] == '\\' {
					i++
				} else if runes[i] == '\n' {
					if !multiline {
						return fail("unterminated string literal", start)
					}
					line++
				}
				i++
			}
			if i >= len(runes) {
				return fail("unterminated string literal", start)
			}
		case c == '(' || c == '[' || c == '{':
			stack = append(stack, open{c, line})
		case c == ')' || c == ']' || c == '}':
			if len(stack) == 0 || stack[len(stack)-1].r != closers[c] {
				return fail("unexpected "+strconv.QuoteRune(c), line)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		top := stack[len(stack)-1]
		return fail("unclosed "+strconv.QuoteRune(top.r), top.line)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
