package workerrt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/swarmguard/taskforge/internal/model"
)

// buildChangePrompt renders the task and current file contents into a
// prompt for the Model adapter. The core does not prescribe prompt
// content beyond this shape; operators may externalize a template
// (spec §9) without changing this function's contract.
func buildChangePrompt(task *model.Task, contents map[string][]byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n%s\n\nAcceptance criteria:\n", task.Title, task.Description)
	for _, c := range task.AcceptanceCriteria {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	b.WriteString("\nCurrent file contents:\n")
	for path, data := range contents {
		fmt.Fprintf(&b, "--- %s ---\n%s\n", path, string(data))
	}
	b.WriteString("\nRespond with a JSON object mapping file path to new full file content.\n")
	return b.String()
}

// parseFileMutations decodes the Model adapter's response as a flat
// path -> content JSON object. A malformed response is a terminal
// adapter error, converted to a task failure by the caller (spec §7).
func parseFileMutations(text string) (map[string][]byte, error) {
	var raw map[string]string
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("parse model output: %w", err)
	}
	out := make(map[string][]byte, len(raw))
	for path, content := range raw {
		out[path] = []byte(content)
	}
	return out, nil
}

// verificationCommand returns the configured verification command for a
// task, or nil if none is configured. Tags carry the optional
// "verify:<cmd...>" marker set by the Planner.
func verificationCommand(task *model.Task) []string {
	for _, tag := range task.Tags {
		if strings.HasPrefix(tag, "verify:") {
			return strings.Fields(strings.TrimPrefix(tag, "verify:"))
		}
	}
	return nil
}
