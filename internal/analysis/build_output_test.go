package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBuildOutput(t *testing.T) {
	tests := []struct {
		name     string
		language string
		output   string
		want     Diagnostic
	}{
		{
			name:     "go build",
			language: "go",
			output:   "# example/app\n./main.go:5:2: undefined: foo\n",
			want: Diagnostic{
				Path: "main.go", Line: 5, Column: 2, Severity: SeverityBlocking,
				Rule: "undefined_symbol", Message: "[example/app] undefined: foo",
				Suggestion: "Symbol 'foo' is not defined. Check that the file declaring it exists and that it is exported",
			},
		},
		{
			name:     "python traceback",
			language: "python",
			output: "Traceback (most recent call last):\n" +
				"  File \"/workspace/main.py\", line 3, in <module>\n" +
				"    print(x)\n" +
				"NameError: name 'x' is not defined\n",
			want: Diagnostic{
				Path: "main.py", Line: 3, Severity: SeverityBlocking,
				Rule: "undefined_symbol", Message: "NameError: name 'x' is not defined",
			},
		},
		{
			name:     "python syntax error",
			language: "python3",
			output: "  File \"/workspace/app.py\", line 2\n" +
				"    def f(:\n" +
				"          ^\n" +
				"SyntaxError: invalid syntax\n",
			want: Diagnostic{
				Path: "app.py", Line: 2, Severity: SeverityBlocking,
				Rule: "syntax_error", Message: "SyntaxError: invalid syntax",
			},
		},
		{
			name:     "tsc",
			language: "typescript",
			output:   "src/app.ts(4,7): error TS2322: Type 'string' is not assignable to type 'number'.\n",
			want: Diagnostic{
				Path: "src/app.ts", Line: 4, Column: 7, Severity: SeverityBlocking,
				Rule: "TS2322", Message: "Type 'string' is not assignable to type 'number'.",
				Suggestion: "Type mismatch. Adjust the value or the declared type",
			},
		},
		{
			name:     "node stack trace",
			language: "javascript",
			output: "/workspace/index.js:2\n" +
				"foo();\n" +
				"^\n\n" +
				"ReferenceError: foo is not defined\n" +
				"    at Object.<anonymous> (/workspace/index.js:2:1)\n",
			want: Diagnostic{
				Path: "index.js", Line: 2, Severity: SeverityBlocking,
				Rule: "referenceerror", Message: "ReferenceError: foo is not defined",
			},
		},
		{
			name:     "rustc",
			language: "rust",
			output: "error[E0425]: cannot find value `x` in this scope\n" +
				" --> src/main.rs:2:20\n" +
				"  |\n" +
				"error: aborting due to 1 previous error\n",
			want: Diagnostic{
				Path: "src/main.rs", Line: 2, Column: 20, Severity: SeverityBlocking,
				Rule: "E0425", Message: "cannot find value `x` in this scope",
			},
		},
		{
			name:     "javac",
			language: "java",
			output:   "Main.java:3: error: ';' expected\n",
			want: Diagnostic{
				Path: "Main.java", Line: 3, Severity: SeverityBlocking,
				Rule: "javac", Message: "';' expected",
			},
		},
		{
			name:     "generic",
			language: "cpp",
			output:   "main.cpp:10:5: error: expected ';'\n",
			want: Diagnostic{
				Path: "main.cpp", Line: 10, Column: 5, Severity: SeverityBlocking,
				Rule: "build", Message: "error: expected ';'",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diags := ParseBuildOutput(tt.language, tt.output)
			require.Len(t, diags, 1)
			assert.Equal(t, tt.want, diags[0])
		})
	}
}

func TestParseBuildOutput_Empty(t *testing.T) {
	assert.Nil(t, ParseBuildOutput("go", "  \n"))
	assert.Empty(t, ParseBuildOutput("go", "ok  \texample/app\t0.01s\n"))
}

func TestParseBuildOutput_RustWarningAndMypy(t *testing.T) {
	diags := ParseBuildOutput("rust", "warning: unused variable: `y`\n --> src/lib.rs:4:9\n")
	require.Len(t, diags, 1)
	assert.Equal(t, SeverityWarning, diags[0].Severity)
	assert.Equal(t, "src/lib.rs", diags[0].Path)

	diags = ParseBuildOutput("python", "app.py:7: note: See docs\napp.py:9: error: Incompatible types\n")
	require.Len(t, diags, 2)
	assert.Equal(t, SeverityInfo, diags[0].Severity)
	assert.Equal(t, SeverityBlocking, diags[1].Severity)
	assert.Equal(t, 9, diags[1].Line)
}

func TestClassifyGoError(t *testing.T) {
	tests := map[string]string{
		"undefined: foo":                         "undefined_symbol",
		"\"fmt\" imported and not used":          "unused_import",
		"declared and not used: x":               "unused_variable",
		"cannot use s (variable of type string)": "type_mismatch",
		"not enough arguments in call to f":      "argument_count",
		"missing return":                         "missing_return",
		"syntax error: unexpected newline":       "compilation_error",
	}
	for msg, want := range tests {
		assert.Equal(t, want, classifyGoError(msg), msg)
	}
}
