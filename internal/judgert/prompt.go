package judgert

import (
	"fmt"
	"strings"

	"github.com/swarmguard/taskforge/internal/model"
)

func buildVerdictPrompt(completed, failed, abandoned []model.Task, metrics map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cycle summary: %d completed, %d failed, %d abandoned.\n", len(completed), len(failed), len(abandoned))
	b.WriteString("\nCompleted tasks:\n")
	for _, t := range completed {
		fmt.Fprintf(&b, "- %s: %s (commit %s)\n", t.ID, t.Title, t.CommitID)
	}
	b.WriteString("\nFailed/abandoned tasks:\n")
	for _, t := range append(failed, abandoned...) {
		fmt.Fprintf(&b, "- %s: %s\n", t.ID, t.Title)
	}
	b.WriteString("\nAggregate metrics:\n")
	for k, v := range metrics {
		fmt.Fprintf(&b, "- %s: %v\n", k, v)
	}
	b.WriteString("\nRespond with JSON: {\"decision\": \"continue|pause|halt\", \"approved\": N, \"rejected\": N, \"reasoning\": \"...\"}\n")
	return b.String()
}
