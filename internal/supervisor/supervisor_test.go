package supervisor

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/taskforge/internal/clock"
	"github.com/swarmguard/taskforge/internal/config"
	"github.com/swarmguard/taskforge/internal/model"
	"github.com/swarmguard/taskforge/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "db"), noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// blockingRuntime blocks until ctx is cancelled, counting how many times
// it was spawned; used to observe supervisor spawn/replace behavior.
type blockingRuntime struct {
	spawns *int32
}

func (r blockingRuntime) Run(ctx context.Context, agentID string) error {
	atomic.AddInt32(r.spawns, 1)
	<-ctx.Done()
	return nil
}

func TestEnsurePoolsSpawnsDesiredCount(t *testing.T) {
	st := openTestStore(t)
	cfg := config.Load()
	sv := New(st, nil, clock.System{}, cfg)

	var spawns int32
	sv.Register(model.RoleWorker, 3, func() AgentRuntime {
		return blockingRuntime{spawns: &spawns}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sv.EnsurePools(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&spawns) < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&spawns); got != 3 {
		t.Fatalf("expected 3 spawns, got %d", got)
	}

	agents, err := st.ListAgentsByRole(ctx, model.RoleWorker)
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 3 {
		t.Fatalf("expected 3 persisted agents, got %d", len(agents))
	}
}

func TestSweepStaleRevokesBoundTask(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	cfg := config.Load()
	cfg.HeartbeatTimeout = 10 * time.Millisecond
	fc := clock.NewFake(time.Now())
	sv := New(st, nil, fc, cfg)

	cycle, _ := st.OpenCycle(ctx)
	draft := &model.Task{
		Title: "t", Description: "d", AcceptanceCriteria: []string{"x"},
		Priority: 5, Complexity: model.ComplexityLow, AffectedPaths: []string{"a.txt"},
		CreatorID: "planner-1", CycleID: cycle.ID,
	}
	_, _ = st.CreateTask(ctx, draft, "/repo")
	task, err := st.ClaimNextTask(ctx, "worker-1", fc.Now())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	agent := &model.Agent{ID: "worker-1", Role: model.RoleWorker, Status: model.AgentWorking, CurrentTaskID: task.ID}
	if err := st.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if err := st.RecordHeartbeat(ctx, "worker-1", fc.Now()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	fc.Advance(time.Second)
	sv.SweepStale(ctx)

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != model.TaskPending {
		t.Fatalf("expected task revoked to pending, got %s", got.Status)
	}

	gotAgent, err := st.GetAgent(ctx, "worker-1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if gotAgent.Status != model.AgentError {
		t.Fatalf("expected agent marked error, got %s", gotAgent.Status)
	}
}
