package analysis

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"path"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/logging"
)

var pyIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// TestGenerator derives smoke tests from generated sources. Generated tests
// only prove that modules load; behavioural tests are the test designer's
// job.
type TestGenerator struct {
	logger *zap.Logger
}

// NewTestGenerator returns a generator
func NewTestGenerator(logger *zap.Logger) *TestGenerator {
	return &TestGenerator{logger: logging.OrNop(logger).Named("testgen")}
}

// Generate returns new test files for the project. Existing paths are never
// overwritten and unparseable sources are skipped. Output is sorted by path.
func (g *TestGenerator) Generate(projectID, language string, files map[string]string) []File {
	var out []File
	switch normalizeLanguage(language) {
	case "python":
		out = g.python(files)
	case "go":
		out = g.golang(files)
	case "javascript":
		out = g.javascript(files)
	default:
		return nil
	}
	kept := out[:0]
	for _, f := range out {
		if _, exists := files[f.Path]; !exists {
			kept = append(kept, f)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Path < kept[j].Path })
	g.logger.Debug("generated smoke tests",
		zap.String("project_id", projectID),
		zap.Int("sources", len(files)),
		zap.Int("tests", len(kept)))
	return kept
}

func isTestPath(p string) bool {
	base := path.Base(p)
	return strings.HasPrefix(base, "test_") ||
		strings.HasSuffix(base, "_test.py") ||
		strings.HasSuffix(base, "_test.go") ||
		strings.Contains(base, ".test.") ||
		strings.Contains(base, ".spec.") ||
		base == "conftest.py"
}

func (g *TestGenerator) python(files map[string]string) []File {
	var out []File
	for p, content := range files {
		if path.Ext(p) != ".py" || isTestPath(p) || path.Base(p) == "setup.py" {
			continue
		}
		if checkDelimiters(p, content, "python") != nil {
			continue
		}
		module, ok := pythonModule(p)
		if !ok {
			continue
		}
		name := strings.ReplaceAll(module, ".", "_")
		body := fmt.Sprintf(`import importlib
import unittest


class Test%sSmoke(unittest.TestCase):
    def test_import(self):
        importlib.import_module(%q)


if __name__ == "__main__":
    unittest.main()
`, pascal(name), module)
		out = append(out, File{Path: "test_" + name + "_smoke.py", Content: body})
	}
	return out
}

// pythonModule converts "pkg/mod.py" into "pkg.mod"
func pythonModule(p string) (string, bool) {
	parts := strings.Split(strings.TrimSuffix(p, ".py"), "/")
	if parts[len(parts)-1] == "__init__" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) == 0 {
		return "", false
	}
	for _, part := range parts {
		if !pyIdent.MatchString(part) {
			return "", false
		}
	}
	return strings.Join(parts, "."), true
}

// golang adds one test file per package referencing its exported,
// non-generic top-level functions, which catches missing symbols at compile
// time.
func (g *TestGenerator) golang(files map[string]string) []File {
	type pkgInfo struct {
		name    string
		funcs   []string
		invalid bool
	}
	pkgs := map[string]*pkgInfo{}
	for p, content := range files {
		if path.Ext(p) != ".go" || isTestPath(p) {
			continue
		}
		dir := path.Dir(p)
		f, err := parser.ParseFile(token.NewFileSet(), p, content, parser.SkipObjectResolution)
		info := pkgs[dir]
		if info == nil {
			info = &pkgInfo{}
			pkgs[dir] = info
		}
		if err != nil {
			info.invalid = true
			continue
		}
		if info.name != "" && info.name != f.Name.Name {
			info.invalid = true
			continue
		}
		info.name = f.Name.Name
		for _, decl := range f.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || fn.Recv != nil || !fn.Name.IsExported() {
				continue
			}
			if fn.Type.TypeParams != nil && fn.Type.TypeParams.NumFields() > 0 {
				continue
			}
			info.funcs = append(info.funcs, fn.Name.Name)
		}
	}

	var out []File
	for dir, info := range pkgs {
		if info.invalid || info.name == "" {
			continue
		}
		sort.Strings(info.funcs)
		var b strings.Builder
		fmt.Fprintf(&b, "package %s\n\nimport \"testing\"\n\nfunc TestGeneratedSmoke(t *testing.T) {\n", info.name)
		for _, fn := range info.funcs {
			fmt.Fprintf(&b, "\t_ = %s\n", fn)
		}
		b.WriteString("}\n")
		out = append(out, File{Path: path.Join(dir, "generated_smoke_test.go"), Content: b.String()})
	}
	return out
}

func (g *TestGenerator) javascript(files map[string]string) []File {
	var out []File
	for p, content := range files {
		ext := path.Ext(p)
		if (ext != ".js" && ext != ".mjs") || isTestPath(p) || strings.Contains(p, "node_modules/") {
			continue
		}
		if checkDelimiters(p, content, "javascript") != nil {
			continue
		}
		dir, base := path.Split(p)
		stem := strings.TrimSuffix(base, ext)
		body := fmt.Sprintf(`const test = require('node:test');
const assert = require('node:assert');
const path = require('node:path');

test('%s loads', async () => {
  await assert.doesNotReject(() => import(path.join(__dirname, %q)));
});
`, base, base)
		out = append(out, File{Path: dir + stem + ".smoke.test.cjs", Content: body})
	}
	return out
}

func pascal(s string) string {
	var b strings.Builder
	upper := true
	for _, r := range s {
		if r == '_' {
			upper = true
			continue
		}
		if upper {
			b.WriteString(strings.ToUpper(string(r)))
			upper = false
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
