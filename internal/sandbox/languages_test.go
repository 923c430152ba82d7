package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLanguages(t *testing.T) {
	l := DefaultLanguages()
	assert.Equal(t, []string{"go", "java", "javascript", "python", "ruby", "rust", "shell", "typescript"}, l.Names())

	for alias, want := range map[string]string{
		"py": "python", "node": "javascript", "ts": "typescript", "golang": "go",
		"bash": "shell", ".rs": "rust", "Python": "python",
	} {
		lang, ok := l.Get(alias)
		require.True(t, ok, alias)
		assert.Equal(t, want, lang.Name, alias)
	}

	_, ok := l.Get("cobol")
	assert.False(t, ok)
}

func TestResolveEntryPoint(t *testing.T) {
	py, _ := DefaultLanguages().Get("python")

	entry, err := py.ResolveEntryPoint("", map[string]string{"main.py": "", "util.py": ""})
	require.NoError(t, err)
	assert.Equal(t, "main.py", entry)

	entry, err = py.ResolveEntryPoint("", map[string]string{"app/main.py": "", "app/util.py": ""})
	require.NoError(t, err)
	assert.Equal(t, "app/main.py", entry)

	entry, err = py.ResolveEntryPoint("", map[string]string{"hello.py": "", "README.md": ""})
	require.NoError(t, err)
	assert.Equal(t, "hello.py", entry)

	_, err = py.ResolveEntryPoint("", map[string]string{"a.py": "", "b.py": ""})
	assert.Error(t, err)

	_, err = py.ResolveEntryPoint("missing.py", map[string]string{"a.py": ""})
	assert.Error(t, err)
}

func TestCommandSubstitution(t *testing.T) {
	rs, _ := DefaultLanguages().Get("rust")
	assert.Equal(t, []string{"rustc", "-o", "app", "src/main.rs"}, rs.Command(PhaseBuild, "src/main.rs"))

	java, _ := DefaultLanguages().Get("java")
	assert.Nil(t, java.Command(PhaseTest, "Main.java"))
}

func TestParseLanguages_RejectsMissingRun(t *testing.T) {
	_, err := ParseLanguages([]byte("python:\n  extension: .py\n"))
	assert.Error(t, err)
}

func TestCleanPath(t *testing.T) {
	for in, want := range map[string]string{
		"main.py":     "main.py",
		"./src/a.go":  "src/a.go",
		"src\\win.js": "src/win.js",
		"a/../b/c.py": "b/c.py",
	} {
		got, err := cleanPath(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	for _, bad := range []string{"", "/etc/passwd", "../x", "a/../../x", ".."} {
		_, err := cleanPath(bad)
		assert.Error(t, err, bad)
	}
}
