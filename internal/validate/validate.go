// Package validate decides whether a task's recorded result is credible
// evidence of completion. The decision is a pure function of the task and
// its evidence report: identical inputs always produce identical reasons,
// which lets the queue re-audit completed tasks after the fact.
//
// The checks are heuristic string matching. They live in declarative
// pattern tables so the policy can be tuned without touching the decision
// logic.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/basket/go-drover/internal/extract"
	"github.com/basket/go-drover/internal/persistence"
)

const (
	// minResultChars is the floor for conversational or investigative
	// tasks. minImplementationChars applies when the task title or
	// description reads like implementation work; one-line results are
	// not credible evidence that code was changed.
	minResultChars         = 10
	minImplementationChars = 40
)

// implementationVerbPattern marks a task as implementation work when its
// title or description uses a build-something verb.
var implementationVerbPattern = regexp.MustCompile(`(?i)\b(add|build|create|fix|implement|refactor|update|write)\b`)

// screenshotRequestPattern marks a task as a capture-and-deliver request.
var screenshotRequestPattern = regexp.MustCompile(`(?i)\b(screenshot|screen shot|screen capture|screencast|screen recording)\b`)

// deliveryConfirmationPattern accepts an explicit statement that an
// artifact was handed over, for results that carry no upload URL.
var deliveryConfirmationPattern = regexp.MustCompile(`(?i)\b(attached|uploaded|delivered|sent you|shared the|see the (?:attached|image|screenshot))\b`)

// executionEvidencePattern is the loose fallback when no structured
// evidence report is available: implementation results should at least
// talk about what ran or changed.
var executionEvidencePattern = regexp.MustCompile(`(?i)\b(changed|updated|modified|files?|commands?|tests?|build|built|verified|ran)\b`)

// placeholderPatterns is the denylist of planning or filler phrasing. A
// result that merely announces intent is not a completed task.
var placeholderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(i will|i'll|i am going to|i'm going to)\b`),
	regexp.MustCompile(`(?i)\b(let me (?:start|begin|first|now))\b`),
	regexp.MustCompile(`(?i)\bhere(?:'s| is) (?:my|the) plan\b`),
	regexp.MustCompile(`(?i)\bnext steps?:`),
	regexp.MustCompile(`(?i)\blorem ipsum\b`),
	regexp.MustCompile(`(?i)\b(placeholder|tbd|to be determined|coming soon)\b`),
	regexp.MustCompile(`(?i)\[(?:insert|your) [^\]]+\]`),
}

// IsImplementationTask reports whether the task reads like work that
// changes something, which triggers the stricter result floor.
func IsImplementationTask(title, description string) bool {
	return implementationVerbPattern.MatchString(title) || implementationVerbPattern.MatchString(description)
}

// TaskCompletion judges a finished attempt. All failing checks are
// accumulated so one audit pass surfaces every gap, not just the first.
func TaskCompletion(task *persistence.Task, ev extract.Evidence) persistence.TaskValidation {
	var reasons []string
	result := strings.TrimSpace(task.Result)
	implementation := IsImplementationTask(task.Title, task.Description)

	if strings.TrimSpace(task.Error) != "" {
		reasons = append(reasons, "task carries an error: "+strings.TrimSpace(task.Error))
	}

	if result == "" {
		reasons = append(reasons, "result is empty")
	} else {
		floor := minResultChars
		kind := "result"
		if implementation {
			floor = minImplementationChars
			kind = "implementation result"
		}
		if len(result) < floor {
			reasons = append(reasons, fmt.Sprintf("too short: %s has fewer than %d characters", kind, floor))
		}
		for _, p := range placeholderPatterns {
			if p.MatchString(result) {
				reasons = append(reasons, "result reads like planning or placeholder text: matched "+p.String())
				break
			}
		}
	}

	if implementation && result != "" {
		if !ev.HasEvidence && !executionEvidencePattern.MatchString(result) {
			reasons = append(reasons, "implementation task has no execution evidence (no files, commands, or verification mentioned)")
		}
	}

	if screenshotRequestPattern.MatchString(task.Title) || screenshotRequestPattern.MatchString(task.Description) {
		if !strings.Contains(result, "api/uploads/") && !deliveryConfirmationPattern.MatchString(result) {
			reasons = append(reasons, "screenshot task has no artifact URL or delivery confirmation")
		}
	}

	return persistence.TaskValidation{
		OK:        len(reasons) == 0,
		Reasons:   reasons,
		CheckedAt: time.Now().UTC(),
	}
}
