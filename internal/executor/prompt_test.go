package executor

import (
	"strings"
	"testing"
	"time"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
)

func TestBuildPromptIncludesTaskAndOperatorSections(t *testing.T) {
	prompt := BuildPrompt(PromptInput{
		Task:               contracts.Task{ID: "T-1", Title: "Write a haiku", Description: "About Go channels.", Version: 1},
		CustomInstructions: "Answer in English.",
	})

	for _, want := range []string{"# Task: Write a haiku", "## Description", "About Go channels.", "## Permissions", "## Additional instructions", "Answer in English."} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("expected %q in prompt:\n%s", want, prompt)
		}
	}
	for _, unwanted := range []string{"## Attachments", "## Review feedback", "## Schedule"} {
		if strings.Contains(prompt, unwanted) {
			t.Fatalf("did not expect %q in prompt:\n%s", unwanted, prompt)
		}
	}
}

func TestBuildPromptListsFeedbackOldestFirstAndSchedule(t *testing.T) {
	due := time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)
	hours := 2.5
	prompt := BuildPrompt(PromptInput{
		Task: contracts.Task{ID: "T-1", Title: "Landing page", Version: 3, DueDate: &due, EstimatedHours: &hours},
		Attachments: []StagedAttachment{
			{Name: "mock.png", MimeType: "image/png", RelPath: "attachments/mock.png"},
		},
		Feedback: []contracts.Feedback{
			{ID: "fb-1", Content: "use the brand colours", CreatedAt: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)},
			{ID: "fb-2", Content: "shorter headline", CreatedAt: time.Date(2026, 6, 2, 9, 0, 0, 0, time.UTC)},
		},
	})

	first := strings.Index(prompt, "use the brand colours")
	second := strings.Index(prompt, "shorter headline")
	if first < 0 || second < 0 || first > second {
		t.Fatalf("expected feedback in creation order:\n%s", prompt)
	}
	for _, want := range []string{"## Review feedback (version 3)", "./attachments/mock.png", "(image/png)", "- Due: 2026-06-30", "- Estimated effort: 2.5 hours"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("expected %q in prompt:\n%s", want, prompt)
		}
	}
}
