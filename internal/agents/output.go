package agents

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var errNoJSON = errors.New("no JSON object in response")

// structuredOutput is the reply format file-producing agents ask for
type structuredOutput struct {
	Files   []File `json:"files"`
	Summary string `json:"summary"`
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// decodeJSON extracts the first JSON object from a model reply: the whole
// reply, a fenced block, or the outermost braces, in that order.
func decodeJSON(content string, v any) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return errNoJSON
	}
	if err := json.Unmarshal([]byte(content), v); err == nil {
		return nil
	}
	if m := fencedJSON.FindStringSubmatch(content); m != nil {
		if err := json.Unmarshal([]byte(m[1]), v); err == nil {
			return nil
		}
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(content[start:end+1]), v); err == nil {
			return nil
		}
	}
	return errNoJSON
}

// Markdown fallbacks, most specific first
var (
	headingFence = regexp.MustCompile("(?m)^#{2,4}\\s*`?([\\w./\\-]+\\.\\w+)`?\\s*\\n```[\\w+\\-]*\\n((?s:.*?))\\n?```")
	labelFence   = regexp.MustCompile("(?m)^(?:File:\\s*|\\*\\*)`?([\\w./\\-]+\\.\\w+)`?(?:\\*\\*)?:?\\s*\\n```[\\w+\\-]*\\n((?s:.*?))\\n?```")
	commentFence = regexp.MustCompile("(?m)^```[\\w+\\-]*\\n(?://|#|<!--|/\\*)\\s*(?:File:\\s*)?([\\w./\\-]+\\.\\w+)[^\\n]*\\n((?s:.*?))\\n?```")
)

// ParseFiles extracts files from a model reply. The JSON form
// {"files":[{"path","content"}],"summary"} is preferred; "### path" headings
// followed by fenced code are the fallback, then "File: path" labels, then
// fenced blocks whose first line names the file.
func ParseFiles(content string) ([]File, string) {
	var out structuredOutput
	if err := decodeJSON(content, &out); err == nil && len(out.Files) > 0 {
		files := make([]File, 0, len(out.Files))
		for _, f := range out.Files {
			if strings.TrimSpace(f.Path) == "" {
				continue
			}
			files = append(files, File{Path: strings.TrimSpace(f.Path), Content: f.Content})
		}
		return dedupeFiles(files), out.Summary
	}

	for _, re := range []*regexp.Regexp{headingFence, labelFence, commentFence} {
		matches := re.FindAllStringSubmatch(content, -1)
		if len(matches) == 0 {
			continue
		}
		files := make([]File, 0, len(matches))
		for _, m := range matches {
			files = append(files, File{Path: strings.TrimSpace(m[1]), Content: strings.TrimSpace(m[2]) + "\n"})
		}
		return dedupeFiles(files), summarize(stripFences(content))
	}
	return nil, summarize(content)
}

// dedupeFiles keeps the last version of each path in first-seen order.
func dedupeFiles(files []File) []File {
	idx := map[string]int{}
	out := make([]File, 0, len(files))
	for _, f := range files {
		if i, ok := idx[f.Path]; ok {
			out[i] = f
			continue
		}
		idx[f.Path] = len(out)
		out = append(out, f)
	}
	return out
}

var anyFence = regexp.MustCompile("(?s)```.*?```")

func stripFences(s string) string {
	return strings.TrimSpace(anyFence.ReplaceAllString(s, ""))
}
