package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paths(files []File) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Path)
	}
	return out
}

func TestGenerate_Python(t *testing.T) {
	files := map[string]string{
		"main.py":         "def add(a, b):\n    return a + b\n",
		"pkg/__init__.py": "",
		"pkg/util.py":     "X = 1\n",
		"test_main.py":    "import unittest\n",
		"broken.py":       "def f(:\n",
		"my-script.py":    "x = 1\n",
	}
	out := NewTestGenerator(nil).Generate("p1", "python", files)

	assert.Equal(t, []string{"test_main_smoke.py", "test_pkg_smoke.py", "test_pkg_util_smoke.py"}, paths(out))
	assert.Contains(t, out[0].Content, "class TestMainSmoke(unittest.TestCase):")
	assert.Contains(t, out[0].Content, `importlib.import_module("main")`)
	assert.Contains(t, out[2].Content, `importlib.import_module("pkg.util")`)
}

func TestGenerate_NeverOverwrites(t *testing.T) {
	files := map[string]string{
		"main.py":            "print(1)\n",
		"test_main_smoke.py": "# hand written\n",
	}
	assert.Empty(t, NewTestGenerator(nil).Generate("p1", "python", files))
}

func TestGenerate_Go(t *testing.T) {
	files := map[string]string{
		"go.mod":       "module example.com/app\n\ngo 1.22\n",
		"main.go":      "package main\n\nfunc main() {}\n",
		"calc/calc.go": "package calc\n\nfunc Add(a, b int) int { return a + b }\n\nfunc Map[T any](x T) T { return x }\n\nfunc helper() {}\n\ntype S struct{}\n\nfunc (S) Method() {}\n",
		"bad/bad.go":   "package bad\n\nfunc Broken( {\n",
	}
	out := NewTestGenerator(nil).Generate("p1", "go", files)

	require.Equal(t, []string{"calc/generated_smoke_test.go", "generated_smoke_test.go"}, paths(out))
	assert.Equal(t, "package calc\n\nimport \"testing\"\n\nfunc TestGeneratedSmoke(t *testing.T) {\n\t_ = Add\n}\n", out[0].Content)
	assert.Contains(t, out[1].Content, "package main\n")
}

func TestGenerate_JavaScript(t *testing.T) {
	files := map[string]string{
		"src/index.js":      "module.exports = { add: (a, b) => a + b };\n",
		"src/index.test.js": "require('node:test');\n",
		"node_modules/x.js": "module.exports = 1;\n",
	}
	out := NewTestGenerator(nil).Generate("p1", "javascript", files)

	require.Equal(t, []string{"src/index.smoke.test.cjs"}, paths(out))
	assert.Contains(t, out[0].Content, "require('node:test')")
	assert.Contains(t, out[0].Content, `"index.js"`)
}

func TestGenerate_UnsupportedLanguage(t *testing.T) {
	assert.Nil(t, NewTestGenerator(nil).Generate("p1", "rust", map[string]string{"src/main.rs": "fn main() {}\n"}))
}

func TestGenerate_Deterministic(t *testing.T) {
	files := map[string]string{"a.py": "A = 1\n", "b.py": "B = 2\n", "c.py": "C = 3\n"}
	g := NewTestGenerator(nil)
	first := g.Generate("p1", "python", files)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, g.Generate("p1", "python", files))
	}
}
