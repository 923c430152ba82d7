package sandbox

import (
	_ "embed"
	"fmt"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed languages.yaml
var languagesYAML []byte

// Language describes how to build, run and test one language
type Language struct {
	Name      string            `yaml:"-" json:"name"`
	Aliases   []string          `yaml:"aliases" json:"aliases,omitempty"`
	Extension string            `yaml:"extension" json:"extension"`
	MainFile  string            `yaml:"main_file" json:"main_file"`
	Runtime   string            `yaml:"runtime" json:"runtime"`
	Image     string            `yaml:"image" json:"image"`
	Build     []string          `yaml:"build" json:"-"`
	Run       []string          `yaml:"run" json:"-"`
	Test      []string          `yaml:"test" json:"-"`
	Scaffold  map[string]string `yaml:"scaffold" json:"-"`
}

// Languages is the table of supported languages keyed by canonical name
type Languages struct {
	byName  map[string]*Language
	aliases map[string]string
}

// DefaultLanguages parses the embedded language table.
func DefaultLanguages() *Languages {
	l, err := ParseLanguages(languagesYAML)
	if err != nil {
		panic(fmt.Sprintf("sandbox: embedded languages.yaml: %v", err))
	}
	return l
}

// ParseLanguages parses a YAML language table.
func ParseLanguages(data []byte) (*Languages, error) {
	raw := map[string]*Language{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse language table: %w", err)
	}

	l := &Languages{byName: make(map[string]*Language, len(raw)), aliases: map[string]string{}}
	for name, lang := range raw {
		if lang == nil || len(lang.Run) == 0 {
			return nil, fmt.Errorf("language %q has no run command", name)
		}
		lang.Name = name
		l.byName[name] = lang
		for _, a := range lang.Aliases {
			l.aliases[strings.ToLower(a)] = name
		}
	}
	return l, nil
}

// Get resolves a language by name, alias or file extension.
func (l *Languages) Get(language string) (*Language, bool) {
	key := strings.ToLower(strings.TrimSpace(language))
	if lang, ok := l.byName[key]; ok {
		return lang, true
	}
	if name, ok := l.aliases[key]; ok {
		return l.byName[name], true
	}
	if strings.HasPrefix(key, ".") {
		for _, lang := range l.byName {
			if lang.Extension == key {
				return lang, true
			}
		}
	}
	return nil, false
}

// Names returns canonical language names in sorted order
func (l *Languages) Names() []string {
	names := make([]string, 0, len(l.byName))
	for name := range l.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every language sorted by name
func (l *Languages) All() []*Language {
	out := make([]*Language, 0, len(l.byName))
	for _, name := range l.Names() {
		out = append(out, l.byName[name])
	}
	return out
}

// Detect guesses the language from a file path's extension.
func (l *Languages) Detect(filePath string) (*Language, bool) {
	ext := strings.ToLower(path.Ext(filePath))
	if ext == "" {
		return nil, false
	}
	return l.Get(ext)
}

// ResolveEntryPoint picks the file to run. An explicit entry point must exist
// in files; otherwise the language's main file is used, then the only file
// with the language's extension.
func (lang *Language) ResolveEntryPoint(entry string, files map[string]string) (string, error) {
	if entry != "" {
		if _, ok := files[entry]; !ok {
			return "", fmt.Errorf("entry point %q not found in files", entry)
		}
		return entry, nil
	}
	if _, ok := files[lang.MainFile]; ok {
		return lang.MainFile, nil
	}

	var candidates []string
	for p := range files {
		if strings.HasSuffix(p, lang.Extension) {
			candidates = append(candidates, p)
		}
	}
	sort.Strings(candidates)
	for _, p := range candidates {
		base := path.Base(p)
		if strings.TrimSuffix(base, lang.Extension) == strings.TrimSuffix(lang.MainFile, lang.Extension) {
			return p, nil
		}
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	return "", fmt.Errorf("no entry point for %s among %d files", lang.Name, len(files))
}

// Command returns the argv for phase with {entry} substituted. A nil result
// means the language has no step for that phase.
func (lang *Language) Command(phase Phase, entry string) []string {
	var tmpl []string
	switch phase {
	case PhaseBuild:
		tmpl = lang.Build
	case PhaseTest:
		tmpl = lang.Test
	default:
		tmpl = lang.Run
	}
	if len(tmpl) == 0 {
		return nil
	}
	out := make([]string, len(tmpl))
	for i, arg := range tmpl {
		out[i] = strings.ReplaceAll(arg, "{entry}", entry)
	}
	return out
}
