// Package supervisor maintains pools of Planner/Worker/Judge agents:
// spawning replacements, sweeping stale heartbeats, enforcing per-agent
// consecutive-error budgets with backoff, and the per-task claim
// timeout watch. Grounded on the claim/heartbeat/panic-recovery shape of
// a SQL job-queue worker loop, generalized here from one job-queue pool
// to three role-typed pools sharing one sweep and one backoff policy.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskforge/internal/clock"
	"github.com/swarmguard/taskforge/internal/config"
	"github.com/swarmguard/taskforge/internal/eventbus"
	"github.com/swarmguard/taskforge/internal/model"
	"github.com/swarmguard/taskforge/internal/store"
)

// AgentRuntime is anything the supervisor can spawn and supervise: a
// Planner, Worker, or Judge runtime. Run blocks until ctx is cancelled
// or the runtime exits (error or nil on a clean stop).
type AgentRuntime interface {
	Run(ctx context.Context, agentID string) error
}

// RuntimeFactory builds a fresh AgentRuntime for a newly spawned agent.
type RuntimeFactory func() AgentRuntime

// Supervisor owns the lifecycle of every non-durable agent process.
type Supervisor struct {
	store *store.Store
	bus   *eventbus.Bus
	clock clock.Clock
	cfg   config.Config
	log   *slog.Logger

	spawnCounter   metric.Int64Counter
	replaceCounter metric.Int64Counter
	sweepCounter   metric.Int64Counter

	mu        sync.Mutex
	factories map[model.AgentRole]RuntimeFactory
	desired   map[model.AgentRole]int
	running   map[string]context.CancelFunc
	errBudget map[string]int
}

// New builds a Supervisor backed by st, using cfg's role counts and
// timeouts, with cl as the injectable time source. bus may be nil, in
// which case agent lifecycle events are simply not published.
func New(st *store.Store, bus *eventbus.Bus, cl clock.Clock, cfg config.Config) *Supervisor {
	meter := otel.Meter("taskforge-supervisor")
	spawnCounter, _ := meter.Int64Counter("taskforge_supervisor_spawns_total")
	replaceCounter, _ := meter.Int64Counter("taskforge_supervisor_replacements_total")
	sweepCounter, _ := meter.Int64Counter("taskforge_supervisor_sweeps_total")

	return &Supervisor{
		store:          st,
		bus:            bus,
		clock:          cl,
		cfg:            cfg,
		log:            slog.Default().With("component", "supervisor"),
		spawnCounter:   spawnCounter,
		replaceCounter: replaceCounter,
		sweepCounter:   sweepCounter,
		factories:      make(map[model.AgentRole]RuntimeFactory),
		desired:        make(map[model.AgentRole]int),
		running:        make(map[string]context.CancelFunc),
		errBudget:      make(map[string]int),
	}
}

// Register tells the supervisor how to build agents of role and how
// many should be alive at a time.
func (sv *Supervisor) Register(role model.AgentRole, desired int, factory RuntimeFactory) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.factories[role] = factory
	sv.desired[role] = desired
}

// EnsurePools spawns any missing agents for every registered role.
func (sv *Supervisor) EnsurePools(ctx context.Context) {
	sv.mu.Lock()
	roles := make([]model.AgentRole, 0, len(sv.desired))
	for r := range sv.desired {
		roles = append(roles, r)
	}
	sv.mu.Unlock()

	for _, role := range roles {
		sv.ensureRole(ctx, role)
	}
}

func (sv *Supervisor) ensureRole(ctx context.Context, role model.AgentRole) {
	sv.mu.Lock()
	desired := sv.desired[role]
	alive := 0
	for id := range sv.running {
		if hasRole(id, role) {
			alive++
		}
	}
	factory := sv.factories[role]
	sv.mu.Unlock()

	for i := alive; i < desired; i++ {
		sv.spawn(ctx, role, factory)
	}
}

// roleTag namespaces agent ids by role so ensureRole's liveness count
// doesn't need a store round-trip for every tick.
func roleTag(role model.AgentRole, id string) string { return string(role) + ":" + id }
func hasRole(tagged string, role model.AgentRole) bool {
	prefix := string(role) + ":"
	return len(tagged) > len(prefix) && tagged[:len(prefix)] == prefix
}

func (sv *Supervisor) spawn(ctx context.Context, role model.AgentRole, factory RuntimeFactory) {
	agent := &model.Agent{
		ID:     model.NewAgentID(),
		Role:   role,
		Status: model.AgentIdle,
	}
	if err := sv.store.CreateAgent(ctx, agent); err != nil {
		sv.log.Warn("spawn: create_agent failed", "role", role, "error", err)
		return
	}

	runtime := factory()
	runCtx, cancel := context.WithCancel(ctx)

	sv.mu.Lock()
	sv.running[roleTag(role, agent.ID)] = cancel
	sv.mu.Unlock()

	sv.spawnCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("role", string(role))))
	sv.log.Info("spawned agent", "role", role, "agent_id", agent.ID)

	go sv.superviseOne(runCtx, role, agent.ID, runtime)
}

// superviseOne runs one agent's runtime, converting a panic into an
// error status rather than crashing the supervisor.
func (sv *Supervisor) superviseOne(ctx context.Context, role model.AgentRole, agentID string, runtime AgentRuntime) {
	defer func() {
		if r := recover(); r != nil {
			sv.log.Error("agent runtime panic", "agent_id", agentID, "panic", r)
			_ = sv.store.UpdateAgent(context.Background(), agentID, func(a *model.Agent) error {
				a.Status = model.AgentError
				a.ConsecutiveErrs++
				return nil
			})
		}
		sv.mu.Lock()
		delete(sv.running, roleTag(role, agentID))
		sv.mu.Unlock()
	}()

	if err := runtime.Run(ctx, agentID); err != nil && ctx.Err() == nil {
		sv.log.Warn("agent runtime exited with error", "agent_id", agentID, "error", err)
		_ = sv.store.UpdateAgent(context.Background(), agentID, func(a *model.Agent) error {
			a.Status = model.AgentError
			a.ConsecutiveErrs++
			return nil
		})
	}
}

// SweepStale scans for agents whose heartbeat has lapsed, revokes any
// bound task, and schedules a backoff-then-replace for each (A2, S3).
func (sv *Supervisor) SweepStale(ctx context.Context) {
	sv.sweepCounter.Add(ctx, 1)

	stale, err := sv.store.ListStaleAgents(ctx, sv.clock.Now(), sv.cfg.HeartbeatTimeout)
	if err != nil {
		sv.log.Warn("sweep: list_stale_agents failed", "error", err)
		return
	}
	for _, agent := range stale {
		sv.handleStale(ctx, agent)
	}
}

func (sv *Supervisor) handleStale(ctx context.Context, agent model.Agent) {
	if err := sv.store.UpdateAgent(ctx, agent.ID, func(a *model.Agent) error {
		a.Status = model.AgentError
		return nil
	}); err != nil {
		sv.log.Warn("sweep: mark error failed", "agent_id", agent.ID, "error", err)
	}

	if agent.Role == model.RoleWorker && agent.CurrentTaskID != "" {
		sv.revokeAndNotify(ctx, agent.CurrentTaskID, agent.ID, "heartbeat timeout")
	}

	sv.mu.Lock()
	if cancel, ok := sv.running[roleTag(agent.Role, agent.ID)]; ok {
		cancel()
	}
	budget := sv.errBudget[agent.ID] + 1
	sv.errBudget[agent.ID] = budget
	factory := sv.factories[agent.Role]
	errorBudget := sv.cfg.AgentErrorBudget
	sv.mu.Unlock()

	go sv.replaceWithBackoff(ctx, agent.Role, budget, errorBudget, factory)
}

// revokeAndNotify revokes a worker's claim on taskID and, if that revoke
// left the task abandoned rather than returned to the pending pool,
// publishes SubjectTaskAbandoned for it.
func (sv *Supervisor) revokeAndNotify(ctx context.Context, taskID, workerID, reason string) {
	if err := sv.store.RevokeAssignment(ctx, taskID, workerID, reason, sv.cfg.TaskMaxAttempts); err != nil {
		sv.log.Warn("revoke_assignment failed", "task_id", taskID, "error", err)
		return
	}
	t, err := sv.store.GetTask(ctx, taskID)
	if err != nil {
		sv.log.Warn("post-revoke get_task failed", "task_id", taskID, "error", err)
		return
	}
	if t.Status == model.TaskAbandoned {
		sv.bus.Publish(ctx, eventbus.SubjectTaskAbandoned, abandonedEvent{TaskID: taskID, CycleID: t.CycleID, Reason: reason})
	}
}

// abandonedEvent is the payload published to eventbus.SubjectTaskAbandoned.
type abandonedEvent struct {
	TaskID  string `json:"task_id"`
	CycleID string `json:"cycle_id"`
	Reason  string `json:"reason"`
}

// replaceWithBackoff applies exponential backoff before replacing an
// agent once its consecutive-error budget is exceeded, per §4.3.
func (sv *Supervisor) replaceWithBackoff(ctx context.Context, role model.AgentRole, consecutiveErrs, budget int, factory RuntimeFactory) {
	if factory == nil {
		return
	}
	if consecutiveErrs > budget {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = sv.cfg.BackoffInitial
		b.MaxInterval = sv.cfg.BackoffMax
		b.MaxElapsedTime = sv.cfg.BackoffMax * 4
		wait := b.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	sv.replaceCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("role", string(role))))
	sv.spawn(ctx, role, factory)
}

// Shutdown signals every running agent to stop and waits up to
// cfg.ShutdownGrace before returning.
func (sv *Supervisor) Shutdown(ctx context.Context) {
	sv.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(sv.running))
	for _, c := range sv.running {
		cancels = append(cancels, c)
	}
	sv.mu.Unlock()

	for _, c := range cancels {
		c()
	}

	select {
	case <-time.After(sv.cfg.ShutdownGrace):
	case <-ctx.Done():
	}
}

// RunSweepLoop polls SweepStale at the configured heartbeat cadence
// until ctx is cancelled.
func (sv *Supervisor) RunSweepLoop(ctx context.Context) {
	ticker := sv.clock.After(sv.cfg.HeartbeatInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker:
			sv.SweepStale(ctx)
			sv.EnsurePools(ctx)
			ticker = sv.clock.After(sv.cfg.HeartbeatInterval)
		}
	}
}
