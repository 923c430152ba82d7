package agents

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultProtectedPaths are never writable by agents
var DefaultProtectedPaths = []string{
	".git/**",
	"**/.env",
	"**/*.env",
	"**/*.pem",
	"**/*.key",
	"**/id_rsa*",
}

// ErrProtectedPath is returned when an agent tries to write a protected or
// out-of-tree file
type ErrProtectedPath struct {
	Path    string
	Pattern string
}

func (e *ErrProtectedPath) Error() string {
	if e.Pattern == "" {
		return fmt.Sprintf("path %q escapes the project root", e.Path)
	}
	return fmt.Sprintf("path %q is protected by pattern %q", e.Path, e.Pattern)
}

// PathGuard checks file paths produced by agents
type PathGuard struct{}

// NewPathGuard creates a new PathGuard
func NewPathGuard() *PathGuard {
	return &PathGuard{}
}

// Normalize cleans a relative project path. Absolute paths and paths that
// climb out of the project are rejected.
func (pg *PathGuard) Normalize(p string) (string, *ErrProtectedPath) {
	raw := p
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" || strings.HasPrefix(p, "/") || (len(p) > 1 && p[1] == ':') {
		return "", &ErrProtectedPath{Path: raw}
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", &ErrProtectedPath{Path: raw}
	}
	return clean, nil
}

// CheckPath checks a path against protected doublestar patterns. A pattern
// without a slash also matches the base name, so "*.env" catches
// "config/prod.env".
func (pg *PathGuard) CheckPath(p string, patterns []string) *ErrProtectedPath {
	clean, err := pg.Normalize(p)
	if err != nil {
		return err
	}
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if pg.matches(clean, pattern) {
			return &ErrProtectedPath{Path: p, Pattern: pattern}
		}
	}
	return nil
}

// CheckPaths returns the first protected path, or nil
func (pg *PathGuard) CheckPaths(paths []string, patterns []string) *ErrProtectedPath {
	for _, p := range paths {
		if err := pg.CheckPath(p, patterns); err != nil {
			return err
		}
	}
	return nil
}

// Filter normalizes files and drops the protected ones, returning the kept
// files and one message per rejection.
func (pg *PathGuard) Filter(files []File, patterns []string) ([]File, []string) {
	kept := make([]File, 0, len(files))
	var rejected []string
	for _, f := range files {
		clean, err := pg.Normalize(f.Path)
		if err == nil {
			err = pg.CheckPath(clean, patterns)
		}
		if err != nil {
			rejected = append(rejected, err.Error())
			continue
		}
		kept = append(kept, File{Path: clean, Content: f.Content})
	}
	return kept, rejected
}

func (pg *PathGuard) matches(p, pattern string) bool {
	if ok, _ := doublestar.Match(pattern, p); ok {
		return true
	}
	if !strings.Contains(pattern, "/") {
		ok, _ := doublestar.Match(pattern, path.Base(p))
		return ok
	}
	return false
}
