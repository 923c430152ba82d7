package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathGuard_CheckPath(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		patterns []string
		wantPat  string
		wantErr  bool
	}{
		{"*.env matches .env", ".env", []string{"*.env"}, "*.env", true},
		{"*.env matches nested by basename", "config/prod.env", []string{"*.env"}, "*.env", true},
		{"exact filename", "services/api/Makefile", []string{"Makefile"}, "Makefile", true},
		{"recursive prefix", "src/foo/bar.ts", []string{"src/**"}, "src/**", true},
		{"recursive prefix other dir", "lib/foo.ts", []string{"src/**"}, "", false},
		{"prefix with suffix nested", "config/prod/db.json", []string{"config/**/*.json"}, "config/**/*.json", true},
		{"prefix with suffix direct", "config/db.json", []string{"config/**/*.json"}, "config/**/*.json", true},
		{"prefix with suffix wrong ext", "config/db.yaml", []string{"config/**/*.json"}, "", false},
		{"double star alone", "deeply/nested/file.txt", []string{"**"}, "**", true},
		{"no match", "main.go", []string{"*.env", "*.secret"}, "", false},
		{"first pattern wins", ".env", []string{"*.env", ".*"}, "*.env", true},
		{"cleaned before match", "src/./foo.go", []string{"src/**"}, "src/**", true},
		{"double slash cleaned", "src//foo.go", []string{"src/**"}, "src/**", true},
		{"traversal rejected", "../outside.go", nil, "", true},
		{"absolute rejected", "/etc/passwd", nil, "", true},
		{"whitespace patterns skipped", "anything.go", []string{"", "  ", "\t"}, "", false},
	}

	pg := NewPathGuard()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := pg.CheckPath(tt.path, tt.patterns)
			if !tt.wantErr {
				assert.Nil(t, err)
				return
			}
			require.NotNil(t, err)
			assert.Equal(t, tt.wantPat, err.Pattern)
		})
	}
}

func TestPathGuard_CheckPaths(t *testing.T) {
	pg := NewPathGuard()

	err := pg.CheckPaths([]string{"main.go", ".env", "secret.key"}, []string{"*.env", "*.key"})
	require.NotNil(t, err)
	assert.Equal(t, ".env", err.Path)

	assert.Nil(t, pg.CheckPaths([]string{"main.go", "types.go"}, []string{"*.env"}))
	assert.Nil(t, pg.CheckPaths(nil, []string{"*.env"}))
}

func TestPathGuard_Filter(t *testing.T) {
	pg := NewPathGuard()
	kept, rejected := pg.Filter([]File{
		{Path: "./main.py", Content: "print(1)"},
		{Path: ".env", Content: "SECRET=1"},
		{Path: "../../etc/cron", Content: "x"},
		{Path: "pkg\\util.py", Content: "y"},
	}, DefaultProtectedPaths)

	assert.Equal(t, []File{{Path: "main.py", Content: "print(1)"}, {Path: "pkg/util.py", Content: "y"}}, kept)
	assert.Len(t, rejected, 2)
}

func TestPathGuard_ErrorMessage(t *testing.T) {
	assert.Equal(t, `path ".env" is protected by pattern "*.env"`, (&ErrProtectedPath{Path: ".env", Pattern: "*.env"}).Error())
	assert.Equal(t, `path "../x" escapes the project root`, (&ErrProtectedPath{Path: "../x"}).Error())
}
