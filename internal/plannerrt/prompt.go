package plannerrt

import (
	"fmt"
	"strings"

	"github.com/swarmguard/taskforge/internal/adapters"
)

// buildPlanningPrompt renders a repo snapshot and the prior cycle's
// metric/failure context into a prompt requesting a task proposal
// batch. The core does not prescribe prompt content (spec §9); this is
// one reasonable rendering, externalizable via configuration later.
func buildPlanningPrompt(entries []adapters.DirEntry, cc CycleContext) string {
	var b strings.Builder
	b.WriteString("Repository root entries:\n")
	for _, e := range entries {
		kind := "file"
		if e.IsDir {
			kind = "dir"
		}
		fmt.Fprintf(&b, "- %s (%s)\n", e.Name, kind)
	}
	if len(cc.PriorMetrics) > 0 {
		b.WriteString("\nPrior cycle metrics:\n")
		for k, v := range cc.PriorMetrics {
			fmt.Fprintf(&b, "- %s: %v\n", k, v)
		}
	}
	if len(cc.PriorFailures) > 0 {
		b.WriteString("\nPrior cycle failures:\n")
		for _, f := range cc.PriorFailures {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	b.WriteString("\nPropose a JSON array of tasks, each with title, description, acceptance_criteria, priority (1-10), complexity (low|medium|high), affected_paths, tags.\n")
	return b.String()
}
