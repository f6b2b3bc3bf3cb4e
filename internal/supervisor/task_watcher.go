package supervisor

import (
	"context"

	"github.com/swarmguard/taskforge/internal/model"
)

// WatchTasks checks the given tasks, skipping any not assigned or
// running, and revokes any whose claim has outlived its complexity
// timeout, per §4.3's (worker_id, task_id, claim_instant, complexity)
// watcher. It is not part of RunSweepLoop: the CycleController calls it
// on its quiescence-poll cadence with the current cycle's tasks.
func (sv *Supervisor) WatchTasks(ctx context.Context, tasks []model.Task) {
	now := sv.clock.Now()
	for _, t := range tasks {
		if t.Status != model.TaskAssigned && t.Status != model.TaskRunning {
			continue
		}
		if t.ClaimedAt == nil {
			continue
		}
		timeout := sv.cfg.TimeoutFor(string(t.Complexity))
		if now.Sub(*t.ClaimedAt) <= timeout {
			continue
		}
		sv.revokeAndNotify(ctx, t.ID, t.WorkerID, "per-task timeout exceeded")
		sv.mu.Lock()
		if cancel, ok := sv.running[roleTag(model.RoleWorker, t.WorkerID)]; ok {
			cancel()
		}
		sv.mu.Unlock()
	}
}
