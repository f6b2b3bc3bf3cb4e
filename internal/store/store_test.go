package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/taskforge/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "taskforge.db"), noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func draftTask(title string, priority int) *model.Task {
	return &model.Task{
		Title:              title,
		Description:        "do the thing",
		AcceptanceCriteria: []string{"it works"},
		Priority:           priority,
		Complexity:         model.ComplexityLow,
		AffectedPaths:      []string{"README.md"},
		CreatorID:          "planner-1",
	}
}

func TestCreateAndClaimHappyPath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateTask(ctx, draftTask("T1", 5), "/repo")
	if err != nil {
		t.Fatalf("create_task: %v", err)
	}

	claimed, err := s.ClaimNextTask(ctx, "worker-1", time.Now())
	if err != nil {
		t.Fatalf("claim_next_task: %v", err)
	}
	if claimed == nil || claimed.ID != id {
		t.Fatalf("expected to claim %s, got %+v", id, claimed)
	}
	if claimed.Status != model.TaskAssigned {
		t.Fatalf("expected assigned, got %s", claimed.Status)
	}
	if claimed.Version != 2 {
		t.Fatalf("expected version 2 after claim, got %d", claimed.Version)
	}

	empty, err := s.ClaimNextTask(ctx, "worker-2", time.Now())
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if empty != nil {
		t.Fatalf("expected no more pending tasks, got %+v", empty)
	}
}

func TestClaimPriorityOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	lowID, _ := s.CreateTask(ctx, draftTask("low", 1), "/repo")
	highID, _ := s.CreateTask(ctx, draftTask("high", 9), "/repo")

	claimed, err := s.ClaimNextTask(ctx, "worker-1", time.Now())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != highID {
		t.Fatalf("expected high priority task %s first, got %s", highID, claimed.ID)
	}

	claimed2, err := s.ClaimNextTask(ctx, "worker-2", time.Now())
	if err != nil {
		t.Fatalf("claim2: %v", err)
	}
	if claimed2.ID != lowID {
		t.Fatalf("expected low priority task %s second, got %s", lowID, claimed2.ID)
	}
}

// TestConcurrentClaimExactlyOneWinner exercises P1 and S2: many workers
// racing on a single pending task, exactly one of which may claim it.
func TestConcurrentClaimExactlyOneWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateTask(ctx, draftTask("T2", 5), "/repo")
	if err != nil {
		t.Fatalf("create_task: %v", err)
	}

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			claimed, err := s.ClaimNextTask(ctx, fmt.Sprintf("worker-%d", n), time.Now())
			if err != nil {
				t.Errorf("worker %d claim error: %v", n, err)
				return
			}
			if claimed != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", winners)
	}
}

func TestRevokeReturnsToPendingAndIncrementsAttempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	taskID, _ := s.CreateTask(ctx, draftTask("T3", 5), "/repo")
	claimed, _ := s.ClaimNextTask(ctx, "worker-1", time.Now())
	if claimed == nil {
		t.Fatal("expected claim to succeed")
	}

	if err := s.RevokeAssignment(ctx, taskID, "worker-1", "heartbeat timeout", 3); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	got, err := s.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get_task: %v", err)
	}
	if got.Status != model.TaskPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("expected attempt_count 1, got %d", got.AttemptCount)
	}
	if got.WorkerID != "" {
		t.Fatalf("expected worker cleared, got %s", got.WorkerID)
	}
}

func TestRetryCeilingTransitionsToAbandoned(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	const maxAttempts = 3

	taskID, _ := s.CreateTask(ctx, draftTask("T4", 5), "/repo")

	// The first maxAttempts revocations return the task to pending; the
	// next one exceeds the ceiling and abandons it (P5, S4).
	for i := 0; i <= maxAttempts; i++ {
		claimed, err := s.ClaimNextTask(ctx, "worker-1", time.Now())
		if err != nil || claimed == nil {
			t.Fatalf("iteration %d: expected claim, err=%v", i, err)
		}
		if err := s.RevokeAssignment(ctx, taskID, "worker-1", "fail", maxAttempts); err != nil {
			t.Fatalf("iteration %d: revoke: %v", i, err)
		}
	}

	got, err := s.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get_task: %v", err)
	}
	if got.Status != model.TaskAbandoned {
		t.Fatalf("expected abandoned after %d revocations, got %s", maxAttempts+1, got.Status)
	}

	none, err := s.ClaimNextTask(ctx, "worker-2", time.Now())
	if err != nil {
		t.Fatalf("claim after abandon: %v", err)
	}
	if none != nil {
		t.Fatalf("expected no claimable task, got %+v", none)
	}
}

func TestTerminalStatusRejectsFurtherTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	taskID, _ := s.CreateTask(ctx, draftTask("T5", 5), "/repo")
	claimed, _ := s.ClaimNextTask(ctx, "worker-1", time.Now())
	if err := s.RecordCompletion(ctx, taskID, "worker-1", "feature/"+taskID, "abc123"); err != nil {
		t.Fatalf("record_completion: %v", err)
	}

	// RecordCompletion bumped the version once past the claim's, so this
	// CAS is current and only terminal stickiness (P3) can reject it.
	_, err := s.UpdateTask(ctx, taskID, claimed.Version+1, func(t *model.Task) error {
		t.Title = "mutated"
		return nil
	})
	if err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition on completed task, got %v", err)
	}
}

func TestUpdateTaskStaleVersionIsRetriable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	taskID, _ := s.CreateTask(ctx, draftTask("T6", 5), "/repo")

	_, err := s.UpdateTask(ctx, taskID, 999, func(t *model.Task) error { return nil })
	if err != ErrStaleVersion {
		t.Fatalf("expected ErrStaleVersion, got %v", err)
	}
}

func TestHeartbeatIdempotentAndStaleDetection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	agent := &model.Agent{ID: model.NewAgentID(), Role: model.RoleWorker, Status: model.AgentWorking}
	if err := s.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("create_agent: %v", err)
	}

	instant := time.Now().Add(-time.Hour)
	if err := s.RecordHeartbeat(ctx, agent.ID, instant); err != nil {
		t.Fatalf("heartbeat 1: %v", err)
	}
	if err := s.RecordHeartbeat(ctx, agent.ID, instant); err != nil {
		t.Fatalf("heartbeat 2 (idempotent repeat): %v", err)
	}

	stale, err := s.ListStaleAgents(ctx, time.Now(), 10*time.Minute)
	if err != nil {
		t.Fatalf("list_stale_agents: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != agent.ID {
		t.Fatalf("expected agent %s to be stale, got %+v", agent.ID, stale)
	}
}

func TestCycleLifecycleAndVerdict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, err := s.OpenCycle(ctx)
	if err != nil {
		t.Fatalf("open_cycle: %v", err)
	}
	if err := s.AdvanceCyclePhase(ctx, c.ID, model.PhaseExecuting); err != nil {
		t.Fatalf("advance to executing: %v", err)
	}
	if err := s.AdvanceCyclePhase(ctx, c.ID, model.PhasePlanning); err == nil {
		t.Fatal("expected backward transition to be rejected (C1)")
	}
	if err := s.AdvanceCyclePhase(ctx, c.ID, model.PhaseJudging); err != nil {
		t.Fatalf("advance to judging: %v", err)
	}

	v := &model.Verdict{Decision: model.DecisionContinue, Reviewed: 1, Approved: 1}
	if err := s.CloseCycle(ctx, c.ID, v); err != nil {
		t.Fatalf("close_cycle: %v", err)
	}

	got, err := s.GetCycle(ctx, c.ID)
	if err != nil {
		t.Fatalf("get_cycle: %v", err)
	}
	if got.Phase != model.PhaseClosed {
		t.Fatalf("expected closed, got %s", got.Phase)
	}
	if got.VerdictID == "" {
		t.Fatal("expected verdict id to be recorded")
	}

	if err := s.CloseCycle(ctx, c.ID, &model.Verdict{Decision: model.DecisionHalt}); err == nil {
		t.Fatal("expected second close_cycle to be rejected (C2)")
	}
}

func TestListTasksByCycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, _ := s.OpenCycle(ctx)
	draft := draftTask("T7", 5)
	draft.CycleID = c.ID
	taskID, err := s.CreateTask(ctx, draft, "/repo")
	if err != nil {
		t.Fatalf("create_task: %v", err)
	}

	tasks, err := s.ListTasksByCycle(ctx, c.ID, nil)
	if err != nil {
		t.Fatalf("list_tasks_by_cycle: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != taskID {
		t.Fatalf("expected [%s], got %+v", taskID, tasks)
	}

	cycle, err := s.GetCycle(ctx, c.ID)
	if err != nil {
		t.Fatalf("get_cycle: %v", err)
	}
	if cycle.TasksCreated != 1 {
		t.Fatalf("expected tasks_created=1, got %d", cycle.TasksCreated)
	}
}
