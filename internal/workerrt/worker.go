// Package workerrt implements the Worker claim loop: claim a task,
// isolate it on a feature branch, synthesize and apply a change through
// the Model and FSExec adapters, verify, and commit or discard.
// Grounded on a SQL job-queue worker's claim/heartbeat/panic-recovery
// loop, generalized from a single job type to the task lifecycle of
// §4.4, and from row claims to store.ClaimNextTask.
package workerrt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskforge/internal/adapters"
	"github.com/swarmguard/taskforge/internal/clock"
	"github.com/swarmguard/taskforge/internal/config"
	"github.com/swarmguard/taskforge/internal/eventbus"
	"github.com/swarmguard/taskforge/internal/model"
	"github.com/swarmguard/taskforge/internal/store"
)

// Worker drains the shared task queue, one task in flight at a time
// (W3), performing every write inside its own feature branch (W1, W2).
type Worker struct {
	store  *store.Store
	model  adapters.Model
	fs     adapters.FSExec
	vcs    adapters.VCS
	bus    *eventbus.Bus
	clock  clock.Clock
	cfg    config.Config
	tracer trace.Tracer
	log    *slog.Logger
}

// New builds a Worker wired against the given store and adapters. bus may
// be nil, in which case task lifecycle events are simply not published.
func New(st *store.Store, m adapters.Model, fs adapters.FSExec, vcs adapters.VCS, bus *eventbus.Bus, cl clock.Clock, cfg config.Config) *Worker {
	return &Worker{
		store: st, model: m, fs: fs, vcs: vcs, bus: bus, clock: cl, cfg: cfg,
		tracer: otel.Tracer("taskforge-worker"),
		log:    slog.Default().With("component", "worker"),
	}
}

// Run implements supervisor.AgentRuntime: loop claiming tasks until ctx
// is cancelled, emitting a heartbeat independent of task progress.
func (w *Worker) Run(ctx context.Context, agentID string) error {
	stopHB := w.startHeartbeat(ctx, agentID)
	defer stopHB()

	consecutiveErrs := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		task, err := w.store.ClaimNextTask(ctx, agentID, w.clock.Now())
		if err != nil {
			w.log.Warn("claim_next_task failed", "agent_id", agentID, "error", err)
			consecutiveErrs++
			w.backoffSleep(ctx, consecutiveErrs)
			continue
		}
		if task == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-w.clock.After(w.cfg.PollIdle):
			}
			continue
		}
		w.bus.Publish(ctx, eventbus.SubjectTaskClaimed, taskEvent{TaskID: task.ID, CycleID: task.CycleID, AgentID: agentID})

		if err := w.runTask(ctx, agentID, task); err != nil {
			w.log.Error("task execution failed unexpectedly", "agent_id", agentID, "task_id", task.ID, "error", err)
			consecutiveErrs++
			_ = w.store.RecordFailure(ctx, task.ID, agentID, fmt.Sprintf("unexpected error: %v", err))
			w.backoffSleep(ctx, consecutiveErrs)
			continue
		}
		consecutiveErrs = 0
	}
}

// runTask executes steps 2-5 of §4.4 for one claimed task, recovering
// from any panic in adapter code as a task failure rather than letting
// it crash the worker goroutine.
func (w *Worker) runTask(ctx context.Context, agentID string, task *model.Task) (execErr error) {
	defer func() {
		if r := recover(); r != nil {
			execErr = fmt.Errorf("panic: %v", r)
		}
	}()

	ctx, span := w.tracer.Start(ctx, "worker.run_task", trace.WithAttributes(
		attribute.String("task_id", task.ID),
		attribute.String("agent_id", agentID),
	))
	defer span.End()

	deadline := w.cfg.TimeoutFor(string(task.Complexity))
	taskCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	branch := fmt.Sprintf("feature/%s", task.ID)
	if err := w.vcs.CreateBranch(taskCtx, branch, w.cfg.RepoMainBranch); err != nil {
		return w.fail(ctx, task.ID, agentID, fmt.Sprintf("create_branch: %v", err))
	}
	if err := w.vcs.Checkout(taskCtx, branch); err != nil {
		return w.fail(ctx, task.ID, agentID, fmt.Sprintf("checkout: %v", err))
	}

	if _, err := w.store.UpdateTask(ctx, task.ID, task.Version, func(t *model.Task) error {
		t.Status = model.TaskRunning
		return nil
	}); err != nil {
		return w.fail(ctx, task.ID, agentID, fmt.Sprintf("transition to running: %v", err))
	}

	contents := make(map[string][]byte, len(task.AffectedPaths))
	for _, path := range task.AffectedPaths {
		data, err := w.fs.ReadFile(taskCtx, path)
		if err != nil {
			data = nil // new file; Model adapter may still propose content
		}
		contents[path] = data
	}

	prompt := buildChangePrompt(task, contents)
	text, err := w.model.Generate(taskCtx, "worker", w.cfg.ModelRefWorker, prompt, adapters.GenerateParams{
		Temperature: 0.2, MaxTokens: 4096,
	})
	if err != nil {
		w.discard(ctx, agentID)
		return w.fail(ctx, task.ID, agentID, fmt.Sprintf("model generate: %v", err))
	}

	mutations, err := parseFileMutations(text)
	if err != nil {
		w.discard(ctx, agentID)
		return w.fail(ctx, task.ID, agentID, fmt.Sprintf("model output malformed: %v", err))
	}
	for path, data := range mutations {
		if err := w.fs.WriteFile(taskCtx, path, data); err != nil {
			w.discard(ctx, agentID)
			return w.fail(ctx, task.ID, agentID, fmt.Sprintf("write_file %s: %v", path, err))
		}
	}

	if cmd := verificationCommand(task); len(cmd) > 0 {
		result, err := w.fs.Execute(taskCtx, cmd, ".", int(deadline.Seconds()))
		if err != nil || result.ExitCode != 0 {
			w.discard(ctx, agentID)
			return w.fail(ctx, task.ID, agentID, fmt.Sprintf("verification failed: exit=%d stderr=%s err=%v", result.ExitCode, result.Stderr, err))
		}
	}

	if err := w.vcs.StageAll(taskCtx); err != nil {
		w.discard(ctx, agentID)
		return w.fail(ctx, task.ID, agentID, fmt.Sprintf("stage_all: %v", err))
	}
	commitID, err := w.vcs.Commit(taskCtx, fmt.Sprintf("%s: %s", task.ID, task.Title))
	if err != nil {
		w.discard(ctx, agentID)
		return w.fail(ctx, task.ID, agentID, fmt.Sprintf("commit: %v", err))
	}

	if err := w.store.RecordCompletion(ctx, task.ID, agentID, branch, commitID); err != nil {
		return fmt.Errorf("record_completion: %w", err)
	}
	w.bus.Publish(ctx, eventbus.SubjectTaskCompleted, taskEvent{TaskID: task.ID, CycleID: task.CycleID, AgentID: agentID})
	return nil
}

func (w *Worker) fail(ctx context.Context, taskID, agentID, reason string) error {
	if err := w.store.RecordFailure(ctx, taskID, agentID, reason); err != nil {
		w.log.Warn("record_failure also failed", "task_id", taskID, "error", err)
		return nil
	}
	w.bus.Publish(ctx, eventbus.SubjectTaskFailed, taskEvent{TaskID: taskID, AgentID: agentID, Reason: reason})
	return nil
}

// taskEvent is the common payload shape for task lifecycle events.
type taskEvent struct {
	TaskID  string `json:"task_id"`
	CycleID string `json:"cycle_id,omitempty"`
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason,omitempty"`
}

// discard resets the feature branch's working tree on any failure path
// (spec §4.4 step 5, §5 cancellation policy).
func (w *Worker) discard(ctx context.Context, agentID string) {
	if err := w.vcs.ResetWorkingTree(ctx); err != nil {
		w.log.Warn("reset_working_tree failed", "agent_id", agentID, "error", err)
	}
}

func (w *Worker) backoffSleep(ctx context.Context, consecutiveErrs int) {
	wait := time.Duration(consecutiveErrs) * w.cfg.PollIdle
	if wait > w.cfg.BackoffMax {
		wait = w.cfg.BackoffMax
	}
	select {
	case <-ctx.Done():
	case <-w.clock.After(wait):
	}
}

// startHeartbeat emits a heartbeat at HEARTBEAT_INTERVAL cadence,
// independent of task progress, returning a stop function.
func (w *Worker) startHeartbeat(ctx context.Context, agentID string) func() {
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-w.clock.After(w.cfg.HeartbeatInterval):
				if err := w.store.RecordHeartbeat(context.Background(), agentID, w.clock.Now()); err != nil {
					w.log.Warn("heartbeat failed", "agent_id", agentID, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}
