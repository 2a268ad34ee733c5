package backend

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/aristath/nexus/internal/scheduler"
)

var (
	fencedBlock = regexp.MustCompile("(?s)```[\\w+.#-]*[ \\t]*\\r?\\n(.*?)```")
	pathLine    = regexp.MustCompile(`^\s*(?:Path|File|Filename):\s*(.+?)\s*$`)
)

// ExtractFiles returns the files declared in fenced code blocks whose first
// line is "Path: <file>". Blocks without such a line are ignored.
func ExtractFiles(content string) []scheduler.GeneratedFile {
	var files []scheduler.GeneratedFile
	for _, m := range fencedBlock.FindAllStringSubmatch(content, -1) {
		body := m[1]
		first, rest, _ := strings.Cut(body, "\n")
		pm := pathLine.FindStringSubmatch(strings.TrimRight(first, "\r"))
		if pm == nil {
			continue
		}
		name := strings.Trim(pm[1], "'\"`")
		if name == "" {
			continue
		}
		files = append(files, scheduler.GeneratedFile{
			Filename: name,
			Content:  strings.TrimSpace(rest),
		})
	}
	return files
}

// ExtractJSON finds a JSON object in model output: the whole text, a fenced
// json block or the outermost braces.
func ExtractJSON(content string) (json.RawMessage, bool) {
	s := strings.TrimSpace(content)
	if json.Valid([]byte(s)) && strings.HasPrefix(s, "{") {
		return json.RawMessage(s), true
	}
	for _, m := range fencedBlock.FindAllStringSubmatch(content, -1) {
		block := strings.TrimSpace(m[1])
		if strings.HasPrefix(block, "{") && json.Valid([]byte(block)) {
			return json.RawMessage(block), true
		}
	}
	start, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		candidate := s[start : end+1]
		if json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), true
		}
	}
	return nil, false
}

// ParseReview reads a reviewer verdict from model output.
func ParseReview(content string) (*scheduler.Review, error) {
	raw, ok := ExtractJSON(content)
	if !ok {
		return nil, fmt.Errorf("no JSON verdict in reviewer output")
	}
	var v struct {
		Decision string `json:"decision"`
		Feedback string `json:"feedback"`
		Severity string `json:"severity"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}

	decision := strings.ToUpper(strings.TrimSpace(v.Decision))
	decision = strings.NewReplacer(" ", "_", "-", "_").Replace(decision)
	review := &scheduler.Review{
		Decision: scheduler.Decision(decision),
		Feedback: strings.TrimSpace(v.Feedback),
	}
	switch sev := scheduler.Severity(strings.ToLower(strings.TrimSpace(v.Severity))); sev {
	case scheduler.SeverityLow, scheduler.SeverityMedium, scheduler.SeverityCritical:
		review.Severity = sev
	}
	if !review.Valid() {
		return nil, fmt.Errorf("unknown decision %q", v.Decision)
	}
	return review, nil
}

// ParseOutput turns raw model output into a task output according to the
// agent's role.
func ParseOutput(role scheduler.Role, content string) scheduler.TaskOutput {
	out := scheduler.TaskOutput{Kind: scheduler.OutputText, Content: content}
	switch role {
	case scheduler.RoleWriter, scheduler.RoleDevOps:
		out.GeneratedFiles = ExtractFiles(content)
		if len(out.GeneratedFiles) > 0 {
			out.Kind = scheduler.OutputFile
		}
	case scheduler.RoleReviewer:
		if review, err := ParseReview(content); err == nil {
			out.Review = review
		}
	case scheduler.RoleResearcher:
		out.Kind = scheduler.OutputSearch
	case scheduler.RoleAnalyst:
		out.Kind = scheduler.OutputIssue
	}
	return out
}
