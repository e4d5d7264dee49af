package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/basket/go-drover/internal/persistence"
)

// Evidence is what the transcript proves about the work a task claims.
// The completion validator consumes it when judging implementation tasks.
type Evidence struct {
	ChangedFiles []string `json:"changed_files,omitempty"`
	CommandsRun  []string `json:"commands_run,omitempty"`
	Verification []string `json:"verification,omitempty"`
	HasEvidence  bool     `json:"has_evidence"`
}

// EvidencePatterns is the tunable scanning policy. The defaults encode
// heuristics over common tool and shell phrasing; callers can swap in a
// different table without touching the scan logic.
type EvidencePatterns struct {
	ChangedFile  *regexp.Regexp
	Command      *regexp.Regexp
	Verification *regexp.Regexp
}

// DefaultEvidencePatterns matches file paths with source-like extensions,
// shell invocations of common build tools, and verification phrasing.
var DefaultEvidencePatterns = EvidencePatterns{
	ChangedFile:  regexp.MustCompile(`(?m)\b[\w./-]+\.(?:go|ts|tsx|js|jsx|py|rs|java|rb|sh|sql|ya?ml|json|toml|md|css|html)\b`),
	Command:      regexp.MustCompile(`(?m)(?:^|\x60|\$ )((?:go|git|npm|npx|pnpm|yarn|make|cargo|pytest|python3?|curl|docker|kubectl)\s+[^\n\x60]+)`),
	Verification: regexp.MustCompile(`(?mi)^.*\b(?:verified|confirmed|tests? pass(?:ed|ing)?|build succeed(?:s|ed)|all (?:tests|checks) (?:pass|green)|lint(?:er)? (?:clean|passes))\b.*$`),
}

const maxEvidenceItems = 20

// ScanEvidence runs the pattern table over the given texts and collects
// deduplicated, order-stable evidence tokens.
func ScanEvidence(patterns EvidencePatterns, texts ...string) Evidence {
	var ev Evidence
	seenFile := make(map[string]bool)
	seenCmd := make(map[string]bool)
	seenVerify := make(map[string]bool)

	for _, text := range texts {
		for _, m := range patterns.ChangedFile.FindAllString(text, -1) {
			if len(ev.ChangedFiles) >= maxEvidenceItems || seenFile[m] {
				continue
			}
			seenFile[m] = true
			ev.ChangedFiles = append(ev.ChangedFiles, m)
		}
		for _, m := range patterns.Command.FindAllStringSubmatch(text, -1) {
			cmd := strings.TrimSpace(m[1])
			if len(ev.CommandsRun) >= maxEvidenceItems || seenCmd[cmd] {
				continue
			}
			seenCmd[cmd] = true
			ev.CommandsRun = append(ev.CommandsRun, cmd)
		}
		for _, m := range patterns.Verification.FindAllString(text, -1) {
			line := strings.TrimSpace(m)
			if len(ev.Verification) >= maxEvidenceItems || seenVerify[line] {
				continue
			}
			seenVerify[line] = true
			ev.Verification = append(ev.Verification, line)
		}
	}

	ev.HasEvidence = len(ev.ChangedFiles) > 0 || len(ev.CommandsRun) > 0 || len(ev.Verification) > 0
	return ev
}

// ReportPath returns the completion report location for a task.
func ReportPath(reportsDir, taskID string) string {
	return filepath.Join(reportsDir, taskID+".md")
}

// EnsureTaskCompletionReport scans the task result and transcript for
// evidence and writes a markdown completion report. The file is only
// rewritten when its rendered content changed, so repeated audit sweeps
// do not churn the reports directory.
func EnsureTaskCompletionReport(task *persistence.Task, messages []persistence.Message, reportsDir string) (Evidence, string, error) {
	texts := make([]string, 0, len(messages)+1)
	texts = append(texts, task.Result)
	for _, msg := range messages {
		if msg.Role == "assistant" || msg.Role == "tool" {
			texts = append(texts, msg.Content)
		}
	}
	ev := ScanEvidence(DefaultEvidencePatterns, texts...)
	res := ExtractTaskResult(messages, task.Result)

	content := renderReport(task, res, ev)
	path := ReportPath(reportsDir, task.ID)

	existing, err := os.ReadFile(path)
	if err == nil && string(existing) == content {
		return ev, path, nil
	}
	if err := os.MkdirAll(reportsDir, 0o755); err != nil {
		return ev, "", fmt.Errorf("create reports dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return ev, "", fmt.Errorf("write completion report: %w", err)
	}
	return ev, path, nil
}

func renderReport(task *persistence.Task, res Result, ev Evidence) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Task Completion Report\n\n")
	fmt.Fprintf(&sb, "- Task: %s\n", task.ID)
	fmt.Fprintf(&sb, "- Title: %s\n", task.Title)
	if task.AgentID != "" {
		fmt.Fprintf(&sb, "- Agent: %s\n", task.AgentID)
	}
	fmt.Fprintf(&sb, "- Attempts: %d\n\n", task.Attempts)

	sb.WriteString("## Result\n\n")
	if res.Summary != "" {
		sb.WriteString(res.Summary)
	} else {
		sb.WriteString("(no result text)")
	}
	sb.WriteString("\n\n")

	writeList := func(title string, items []string) {
		sb.WriteString("## " + title + "\n\n")
		if len(items) == 0 {
			sb.WriteString("(none detected)\n\n")
			return
		}
		sorted := append([]string(nil), items...)
		sort.Strings(sorted)
		for _, item := range sorted {
			sb.WriteString("- " + item + "\n")
		}
		sb.WriteString("\n")
	}
	writeList("Changed Files", ev.ChangedFiles)
	writeList("Commands Run", ev.CommandsRun)
	writeList("Verification", ev.Verification)

	if len(res.Artifacts) > 0 {
		sb.WriteString("## Artifacts\n\n")
		for _, a := range res.Artifacts {
			fmt.Fprintf(&sb, "- [%s](%s) (%s)\n", a.Name, a.URL, a.Type)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
