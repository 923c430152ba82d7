package analysis

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const maxBuildDiagnostics = 50

var (
	goErrorPattern     = regexp.MustCompile(`^(.+\.go):(\d+):(\d+):\s*(.+)$`)
	tsErrorPattern     = regexp.MustCompile(`^(.+)\((\d+),(\d+)\):\s*(error|warning)\s+(TS\d+):\s*(.+)$`)
	tscColonPattern    = regexp.MustCompile(`^(.+\.tsx?):(\d+):(\d+)\s*-\s*(error|warning)\s+(TS\d+):\s*(.+)$`)
	nodeLocPattern     = regexp.MustCompile(`^(/?[^\s:]+\.[cm]?[jt]sx?):(\d+)$`)
	nodeErrPattern     = regexp.MustCompile(`^(\w*Error|\w*Exception):\s*(.*)$`)
	pyFramePattern     = regexp.MustCompile(`File "(.+)", line (\d+)`)
	pyMypyPattern      = regexp.MustCompile(`^(.+\.py):(\d+):\s*(error|warning|note):\s*(.+)$`)
	pyFinalPattern     = regexp.MustCompile(`^([A-Za-z_][\w.]*(?:Error|Exception|Exit|Interrupt)):?\s*(.*)$`)
	rustErrorPattern   = regexp.MustCompile(`^(error|warning)(?:\[(E\d+)\])?:\s*(.+)$`)
	rustLocPattern     = regexp.MustCompile(`^\s*-->\s*(.+):(\d+):(\d+)$`)
	javaErrorPattern   = regexp.MustCompile(`^(.+\.java):(\d+):\s*(error|warning):\s*(.+)$`)
	rubyErrorPattern   = regexp.MustCompile(`^(.+\.rb):(\d+):in .*?:\s*(.+)$`)
	rubySyntaxPattern  = regexp.MustCompile(`^(.+\.rb):(\d+):\s*(syntax error.*)$`)
	shellErrorPattern  = regexp.MustCompile(`^(.+\.sh):\s*line (\d+):\s*(.+)$`)
	genericLinePattern = regexp.MustCompile(`^([^\s:]+):(\d+):(?:(\d+):)?\s*(.+)$`)
)

// ParseBuildOutput extracts located diagnostics from compiler, interpreter
// or test runner output. Unknown formats fall back to file:line:col parsing.
func ParseBuildOutput(language, output string) []Diagnostic {
	if strings.TrimSpace(output) == "" {
		return nil
	}
	var diags []Diagnostic
	switch normalizeLanguage(language) {
	case "go":
		diags = parseGoOutput(output)
	case "typescript", "javascript":
		diags = parseJSOutput(output)
	case "python":
		diags = parsePythonOutput(output)
	case "rust":
		diags = parseRustOutput(output)
	case "java":
		diags = parseJavaOutput(output)
	case "ruby":
		diags = parseLines(output, func(line string) *Diagnostic {
			if m := rubySyntaxPattern.FindStringSubmatch(line); m != nil {
				return located(m[1], m[2], "", SeverityBlocking, "syntax_error", m[3])
			}
			if m := rubyErrorPattern.FindStringSubmatch(line); m != nil {
				return located(m[1], m[2], "", SeverityBlocking, "runtime_error", m[3])
			}
			return nil
		})
	case "shell":
		diags = parseLines(output, func(line string) *Diagnostic {
			if m := shellErrorPattern.FindStringSubmatch(line); m != nil {
				return located(m[1], m[2], "", SeverityBlocking, "shell_error", m[3])
			}
			return nil
		})
	default:
		diags = parseGenericOutput(output)
	}
	if len(diags) > maxBuildDiagnostics {
		diags = diags[:maxBuildDiagnostics]
	}
	return diags
}

func parseLines(output string, fn func(line string) *Diagnostic) []Diagnostic {
	var diags []Diagnostic
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if d := fn(strings.TrimRight(scanner.Text(), "\r")); d != nil {
			diags = append(diags, *d)
		}
	}
	return diags
}

func located(file, line, col string, sev Severity, rule, msg string) *Diagnostic {
	d := &Diagnostic{
		Path:     trimWorkspace(file),
		Severity: sev,
		Rule:     rule,
		Message:  strings.TrimSpace(msg),
	}
	d.Line, _ = strconv.Atoi(line)
	if col != "" {
		d.Column, _ = strconv.Atoi(col)
	}
	return d
}

// trimWorkspace strips sandbox mount prefixes so paths match project paths
func trimWorkspace(p string) string {
	p = strings.TrimSpace(p)
	for _, prefix := range []string{"/workspace/", "./"} {
		p = strings.TrimPrefix(p, prefix)
	}
	if i := strings.Index(p, "/exec-"); i >= 0 {
		rest := p[i+1:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			p = rest[j+1:]
		}
	}
	return p
}

func severityOf(s string) Severity {
	switch strings.ToLower(s) {
	case "warning":
		return SeverityWarning
	case "note", "info":
		return SeverityInfo
	default:
		return SeverityBlocking
	}
}

// parseGoOutput handles `go build` and `go vet` output. "# pkg" headers
// prefix the messages that follow them.
func parseGoOutput(output string) []Diagnostic {
	var pkg string
	return parseLines(output, func(line string) *Diagnostic {
		if strings.HasPrefix(line, "# ") {
			pkg = strings.TrimPrefix(line, "# ")
			return nil
		}
		m := goErrorPattern.FindStringSubmatch(line)
		if m == nil {
			return nil
		}
		msg := m[4]
		d := located(m[1], m[2], m[3], SeverityBlocking, classifyGoError(msg), msg)
		d.Suggestion = suggestGoFix(msg)
		if pkg != "" {
			d.Message = fmt.Sprintf("[%s] %s", pkg, d.Message)
		}
		return d
	})
}

func classifyGoError(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "undefined"):
		return "undefined_symbol"
	case strings.Contains(lower, "imported and not used"):
		return "unused_import"
	case strings.Contains(lower, "declared and not used"), strings.Contains(lower, "declared but not used"):
		return "unused_variable"
	case strings.Contains(lower, "cannot use"):
		return "type_mismatch"
	case strings.Contains(lower, "not enough arguments"), strings.Contains(lower, "too many arguments"):
		return "argument_count"
	case strings.Contains(lower, "missing return"):
		return "missing_return"
	default:
		return "compilation_error"
	}
}

func suggestGoFix(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "undefined:"):
		parts := strings.SplitN(msg, "undefined:", 2)
		return fmt.Sprintf("Symbol '%s' is not defined. Check that the file declaring it exists and that it is exported", strings.TrimSpace(parts[1]))
	case strings.Contains(lower, "imported and not used"):
		return "Remove the unused import or use it in the code"
	case strings.Contains(lower, "declared and not used"), strings.Contains(lower, "declared but not used"):
		return "Use the variable or assign it to _"
	case strings.Contains(lower, "has no field or method"):
		return "The type has no such field or method. Check spelling and exported names"
	default:
		return ""
	}
}

// parseJSOutput handles tsc diagnostics and node stack traces. A node trace
// prints the failing location first and the error line later.
func parseJSOutput(output string) []Diagnostic {
	var pending *Diagnostic
	diags := parseLines(output, func(line string) *Diagnostic {
		if m := tsErrorPattern.FindStringSubmatch(line); m != nil {
			d := located(m[1], m[2], m[3], severityOf(m[4]), m[5], m[6])
			d.Suggestion = suggestTSFix(m[5])
			return d
		}
		if m := tscColonPattern.FindStringSubmatch(line); m != nil {
			d := located(m[1], m[2], m[3], severityOf(m[4]), m[5], m[6])
			d.Suggestion = suggestTSFix(m[5])
			return d
		}
		if m := nodeLocPattern.FindStringSubmatch(line); m != nil && pending == nil {
			pending = located(m[1], m[2], "", SeverityBlocking, "runtime_error", "")
			return nil
		}
		if m := nodeErrPattern.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			d := pending
			pending = nil
			if d == nil {
				d = &Diagnostic{Severity: SeverityBlocking}
			}
			d.Rule = strings.ToLower(m[1])
			d.Message = strings.TrimSpace(m[1] + ": " + m[2])
			return d
		}
		return nil
	})
	return diags
}

func suggestTSFix(code string) string {
	switch code {
	case "TS2304":
		return "The name is not defined. Check imports or declare it"
	case "TS2322":
		return "Type mismatch. Adjust the value or the declared type"
	case "TS2339":
		return "Property not found on type. Check spelling or extend the interface"
	case "TS2345":
		return "Wrong argument type. Check the function signature"
	case "TS7006":
		return "Add an explicit type annotation to the parameter"
	default:
		return ""
	}
}

// parsePythonOutput reports mypy lines directly and collapses each traceback
// into one diagnostic at its innermost frame.
func parsePythonOutput(output string) []Diagnostic {
	var frame *Diagnostic
	return parseLines(output, func(line string) *Diagnostic {
		if m := pyMypyPattern.FindStringSubmatch(line); m != nil {
			return located(m[1], m[2], "", severityOf(m[3]), "mypy", m[4])
		}
		if m := pyFramePattern.FindStringSubmatch(line); m != nil {
			frame = located(m[1], m[2], "", SeverityBlocking, "python_error", "")
			return nil
		}
		if frame == nil || strings.HasPrefix(line, " ") {
			return nil
		}
		if m := pyFinalPattern.FindStringSubmatch(line); m != nil {
			d := frame
			frame = nil
			d.Rule = pythonRule(m[1])
			d.Message = strings.TrimSpace(strings.TrimSuffix(m[1]+": "+m[2], ": "))
			return d
		}
		return nil
	})
}

func pythonRule(exc string) string {
	switch exc {
	case "SyntaxError", "IndentationError", "TabError":
		return "syntax_error"
	case "ModuleNotFoundError", "ImportError":
		return "import_error"
	case "NameError", "AttributeError":
		return "undefined_symbol"
	case "AssertionError":
		return "assertion_failed"
	default:
		return "runtime_error"
	}
}

func parseRustOutput(output string) []Diagnostic {
	var diags []Diagnostic
	var current *Diagnostic
	flush := func() {
		if current != nil {
			diags = append(diags, *current)
			current = nil
		}
	}
	parseLines(output, func(line string) *Diagnostic {
		if m := rustErrorPattern.FindStringSubmatch(line); m != nil {
			flush()
			// summary lines such as "error: could not compile" carry no location
			if strings.HasPrefix(m[3], "could not compile") || strings.HasPrefix(m[3], "aborting due to") {
				return nil
			}
			rule := m[2]
			if rule == "" {
				rule = "rustc"
			}
			current = &Diagnostic{Severity: severityOf(m[1]), Rule: rule, Message: m[3]}
			return nil
		}
		if m := rustLocPattern.FindStringSubmatch(line); m != nil && current != nil && current.Path == "" {
			current.Path = trimWorkspace(m[1])
			current.Line, _ = strconv.Atoi(m[2])
			current.Column, _ = strconv.Atoi(m[3])
		}
		return nil
	})
	flush()
	return diags
}

func parseJavaOutput(output string) []Diagnostic {
	return parseLines(output, func(line string) *Diagnostic {
		if m := javaErrorPattern.FindStringSubmatch(line); m != nil {
			return located(m[1], m[2], "", severityOf(m[3]), "javac", m[4])
		}
		return nil
	})
}

func parseGenericOutput(output string) []Diagnostic {
	return parseLines(output, func(line string) *Diagnostic {
		m := genericLinePattern.FindStringSubmatch(line)
		if m == nil {
			return nil
		}
		return located(m[1], m[2], m[3], SeverityBlocking, "build", m[4])
	})
}
