// Package plannerrt implements the Planner loop: snapshot the repo and
// last cycle's metrics, request a task proposal batch from the Model
// adapter, validate each proposal at the boundary, and submit survivors.
// Malformed proposals are discarded with a diagnostic rather than
// aborting the whole batch, mirroring a DAG engine's per-task tolerance
// for partial failure generalized here to "discard, don't abort".
package plannerrt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskforge/internal/adapters"
	"github.com/swarmguard/taskforge/internal/clock"
	"github.com/swarmguard/taskforge/internal/config"
	"github.com/swarmguard/taskforge/internal/eventbus"
	"github.com/swarmguard/taskforge/internal/model"
	"github.com/swarmguard/taskforge/internal/store"
)

// CycleContext carries what a Planner invocation needs to know about
// the cycle it is planning for, supplied by CycleController.
type CycleContext struct {
	CycleID       string
	PriorMetrics  map[string]any
	PriorFailures []string
}

// Planner runs bounded by the current cycle's planning window.
type Planner struct {
	store  *store.Store
	model  adapters.Model
	fs     adapters.FSExec
	bus    *eventbus.Bus
	clock  clock.Clock
	cfg    config.Config
	tracer trace.Tracer
	log    *slog.Logger
}

// New builds a Planner wired against the given store and adapters. bus may
// be nil, in which case task-created events are simply not published.
func New(st *store.Store, m adapters.Model, fs adapters.FSExec, bus *eventbus.Bus, cl clock.Clock, cfg config.Config) *Planner {
	return &Planner{
		store: st, model: m, fs: fs, bus: bus, clock: cl, cfg: cfg,
		tracer: otel.Tracer("taskforge-planner"),
		log:    slog.Default().With("component", "planner"),
	}
}

// proposedTask is the Model adapter's raw, untrusted shape for one
// proposal; it is validated into a model.Task before being submitted.
type proposedTask struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Priority           int      `json:"priority"`
	Complexity         string   `json:"complexity"`
	AffectedPaths      []string `json:"affected_paths"`
	Tags               []string `json:"tags"`
}

// taskCreatedEvent is the payload published to eventbus.SubjectTaskCreated.
type taskCreatedEvent struct {
	TaskID     string `json:"task_id"`
	CycleID    string `json:"cycle_id"`
	Title      string `json:"title"`
	Complexity string `json:"complexity"`
}

// RunCycle executes one planning pass for cc, submitting every valid
// proposal via create_task. It does not loop internally: the
// CycleController calls it repeatedly (PLANNER_POLL_INTERVAL cadence)
// until the planning window elapses.
func (p *Planner) RunCycle(ctx context.Context, agentID string, cc CycleContext) (submitted, discarded int, err error) {
	ctx, span := p.tracer.Start(ctx, "planner.run_cycle")
	defer span.End()

	entries, err := p.fs.ListDir(ctx, ".")
	if err != nil {
		p.log.Warn("snapshot list_dir failed", "error", err)
	}

	prompt := buildPlanningPrompt(entries, cc)
	text, err := p.model.Generate(ctx, "planner", p.cfg.ModelRefPlanner, prompt, adapters.GenerateParams{
		Temperature: 0.4, MaxTokens: 4096,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("planner generate: %w", err)
	}

	var proposals []proposedTask
	if err := json.Unmarshal([]byte(text), &proposals); err != nil {
		p.log.Warn("planner output malformed, treating as empty batch", "error", err)
		return 0, 0, nil
	}

	for _, prop := range proposals {
		task := &model.Task{
			Title:              prop.Title,
			Description:        prop.Description,
			AcceptanceCriteria: prop.AcceptanceCriteria,
			Priority:           prop.Priority,
			Complexity:         model.Complexity(prop.Complexity),
			AffectedPaths:      prop.AffectedPaths,
			Tags:               prop.Tags,
			CreatorID:          agentID,
			CycleID:            cc.CycleID,
		}
		taskID, err := p.store.CreateTask(ctx, task, p.cfg.RepoRoot)
		if err != nil {
			p.log.Info("discarding malformed task proposal", "title", prop.Title, "error", err)
			discarded++
			continue
		}
		p.bus.Publish(ctx, eventbus.SubjectTaskCreated, taskCreatedEvent{
			TaskID: taskID, CycleID: cc.CycleID, Title: task.Title, Complexity: string(task.Complexity),
		})
		submitted++
	}

	// A Planner emitting zero valid tasks does not block the cycle.
	return submitted, discarded, nil
}

// Run implements supervisor.AgentRuntime for a Planner that is kept
// alive only for the duration the CycleController needs it; most
// deployments invoke RunCycle directly from the controller instead.
func (p *Planner) Run(ctx context.Context, agentID string) error {
	<-ctx.Done()
	return nil
}
