package executor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
)

const operatorInstructions = `You are working inside a dedicated directory for this task.
- You may create, edit and delete files in the current directory.
- You may run shell commands needed to complete the task.
- Leave every deliverable as a file in the current directory.
- Finish by printing a short summary of what you did.`

// PromptInput is everything the prompt is assembled from.
type PromptInput struct {
	Task               contracts.Task
	CustomInstructions string
	Attachments        []StagedAttachment
	Feedback           []contracts.Feedback
}

// BuildPrompt renders the worker prompt as markdown. Feedback is listed
// oldest first, in the order given.
func BuildPrompt(in PromptInput) string {
	var b strings.Builder
	task := in.Task

	fmt.Fprintf(&b, "# Task: %s\n\n", task.Title)
	if desc := strings.TrimSpace(task.Description); desc != "" {
		fmt.Fprintf(&b, "## Description\n\n%s\n\n", desc)
	}
	fmt.Fprintf(&b, "## Permissions\n\n%s\n\n", operatorInstructions)

	if custom := strings.TrimSpace(in.CustomInstructions); custom != "" {
		fmt.Fprintf(&b, "## Additional instructions\n\n%s\n\n", custom)
	}

	if len(in.Attachments) > 0 {
		b.WriteString("## Attachments\n\n")
		for _, att := range in.Attachments {
			fmt.Fprintf(&b, "- %s", att.Name)
			if att.MimeType != "" {
				fmt.Fprintf(&b, " (%s)", att.MimeType)
			}
			fmt.Fprintf(&b, "\n  Path: ./%s\n", att.RelPath)
		}
		fmt.Fprintf(&b, "\nAttached files are available under ./%s/.\n\n", attachmentsDir)
	}

	if len(in.Feedback) > 0 {
		fmt.Fprintf(&b, "## Review feedback (version %d)\n\n", task.Version)
		for i, fb := range in.Feedback {
			fmt.Fprintf(&b, "### Feedback %d (%s)\n\n%s\n\n", i+1, fb.CreatedAt.UTC().Format("2006-01-02 15:04 MST"), strings.TrimSpace(fb.Content))
		}
		b.WriteString("Previous deliverables were archived under ./.archive/. Address every point above.\n\n")
	}

	if task.DueDate != nil || task.EstimatedHours != nil {
		b.WriteString("## Schedule\n\n")
		if task.DueDate != nil {
			fmt.Fprintf(&b, "- Due: %s\n", task.DueDate.UTC().Format("2006-01-02"))
		}
		if task.EstimatedHours != nil {
			fmt.Fprintf(&b, "- Estimated effort: %s hours\n", strconv.FormatFloat(*task.EstimatedHours, 'f', -1, 64))
		}
		b.WriteString("\n")
	}
	return b.String()
}
