package validate

import (
	"strings"
	"testing"

	"github.com/basket/go-drover/internal/extract"
	"github.com/basket/go-drover/internal/persistence"
)

func TestTaskCompletion_ConversationalResultPasses(t *testing.T) {
	task := &persistence.Task{
		Title:  "Say hello",
		Result: "Hello! How can I help you today?",
	}
	v := TaskCompletion(task, extract.Evidence{})
	if !v.OK {
		t.Fatalf("ok = false, reasons = %v", v.Reasons)
	}
	if len(v.Reasons) != 0 {
		t.Fatalf("reasons = %v, want none", v.Reasons)
	}
}

func TestTaskCompletion_ImplementationResultTooShort(t *testing.T) {
	task := &persistence.Task{
		Title:  "Fix retry bug",
		Result: "Patched queue retry bug.",
	}
	v := TaskCompletion(task, extract.Evidence{})
	if v.OK {
		t.Fatal("ok = true, want rejection")
	}
	found := false
	for _, r := range v.Reasons {
		if strings.Contains(r, "too short") {
			found = true
		}
	}
	if !found {
		t.Fatalf("reasons = %v, want too-short", v.Reasons)
	}
}

func TestTaskCompletion_ErrorAlwaysRejects(t *testing.T) {
	task := &persistence.Task{
		Title:  "Say hello",
		Result: "Hello! How can I help you today?",
		Error:  "model backend unreachable",
	}
	v := TaskCompletion(task, extract.Evidence{})
	if v.OK {
		t.Fatal("ok = true despite task error")
	}
	if !strings.Contains(v.Reasons[0], "model backend unreachable") {
		t.Fatalf("reasons = %v, want error surfaced", v.Reasons)
	}
}

func TestTaskCompletion_EmptyResult(t *testing.T) {
	task := &persistence.Task{Title: "Investigate outage", Result: "   "}
	v := TaskCompletion(task, extract.Evidence{})
	if v.OK {
		t.Fatal("ok = true for empty result")
	}
	if v.Reasons[0] != "result is empty" {
		t.Fatalf("reasons = %v", v.Reasons)
	}
}

func TestTaskCompletion_PlaceholderLanguage(t *testing.T) {
	cases := []string{
		"I will start by reviewing the queue implementation and then apply the fix.",
		"Here's my plan for tackling the retry bug in the queue and lifecycle layer.",
		"Next steps: refactor the dequeue path, add coverage, then wire the sweep in.",
	}
	for _, result := range cases {
		task := &persistence.Task{Title: "Investigate queue behavior", Result: result}
		v := TaskCompletion(task, extract.Evidence{})
		if v.OK {
			t.Errorf("ok = true for planning text %q", result)
		}
	}
}

func TestTaskCompletion_ImplementationNeedsEvidence(t *testing.T) {
	task := &persistence.Task{
		Title:  "Implement the export endpoint",
		Result: "The export endpoint now exists and behaves exactly as the product brief described it.",
	}

	v := TaskCompletion(task, extract.Evidence{})
	if v.OK {
		t.Fatal("ok = true with no execution evidence")
	}

	// The same result passes once the evidence report vouches for it.
	v = TaskCompletion(task, extract.Evidence{CommandsRun: []string{"go test ./..."}, HasEvidence: true})
	if !v.OK {
		t.Fatalf("ok = false with evidence, reasons = %v", v.Reasons)
	}
}

func TestTaskCompletion_EvidenceLanguageInResultSuffices(t *testing.T) {
	task := &persistence.Task{
		Title:  "Update the parser",
		Result: "Updated the parser, changed two files, and verified the behavior with the existing tests.",
	}
	v := TaskCompletion(task, extract.Evidence{})
	if !v.OK {
		t.Fatalf("ok = false, reasons = %v", v.Reasons)
	}
}

func TestTaskCompletion_ScreenshotNeedsArtifact(t *testing.T) {
	task := &persistence.Task{
		Title:  "Take a screenshot of the dashboard",
		Result: "The dashboard looked fine when I checked it, nothing out of the ordinary there.",
	}
	v := TaskCompletion(task, extract.Evidence{})
	if v.OK {
		t.Fatal("ok = true for screenshot task without artifact")
	}

	task.Result = "Captured the dashboard: /api/uploads/dash-20260901.png shows all panels healthy."
	v = TaskCompletion(task, extract.Evidence{})
	if !v.OK {
		t.Fatalf("ok = false with artifact URL, reasons = %v", v.Reasons)
	}

	task.Result = "Captured the dashboard and attached the image to this task for your review."
	v = TaskCompletion(task, extract.Evidence{})
	if !v.OK {
		t.Fatalf("ok = false with delivery confirmation, reasons = %v", v.Reasons)
	}
}

func TestTaskCompletion_AccumulatesAllReasons(t *testing.T) {
	task := &persistence.Task{
		Title:  "Build a screenshot tool",
		Result: "I will do it.",
		Error:  "timed out",
	}
	v := TaskCompletion(task, extract.Evidence{})
	if v.OK {
		t.Fatal("ok = true")
	}
	if len(v.Reasons) < 3 {
		t.Fatalf("reasons = %v, want error + too-short + placeholder at minimum", v.Reasons)
	}
}

func TestTaskCompletion_Deterministic(t *testing.T) {
	task := &persistence.Task{Title: "Fix retry bug", Result: "Patched queue retry bug."}
	a := TaskCompletion(task, extract.Evidence{})
	b := TaskCompletion(task, extract.Evidence{})
	if a.OK != b.OK || len(a.Reasons) != len(b.Reasons) {
		t.Fatalf("non-deterministic: %v vs %v", a.Reasons, b.Reasons)
	}
	for i := range a.Reasons {
		if a.Reasons[i] != b.Reasons[i] {
			t.Fatalf("reason %d differs: %q vs %q", i, a.Reasons[i], b.Reasons[i])
		}
	}
}
