// Package model defines the closed record types shared by every
// taskforge component: Task, Agent, Cycle, and Verdict. Every enumerated
// field is a distinct string type with a validation method, so malformed
// values are rejected at the boundary rather than threaded through the
// rest of the system as bare strings.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the closed set of lifecycle states a Task may occupy.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskAbandoned TaskStatus = "abandoned"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskAssigned, TaskRunning, TaskCompleted, TaskFailed, TaskAbandoned:
		return true
	}
	return false
}

// Terminal reports whether no further transition is accepted (P3).
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskAbandoned
}

// Complexity tags the expected effort of a task, driving its timeout.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

func (c Complexity) Valid() bool {
	switch c {
	case ComplexityLow, ComplexityMedium, ComplexityHigh:
		return true
	}
	return false
}

// Diagnostic is one timestamped note appended to a task's per-attempt
// history, e.g. a failure reason or a revocation cause.
type Diagnostic struct {
	At      time.Time `json:"at"`
	Summary string    `json:"summary"`
}

// Task is a unit of work tracked through TaskStore.
type Task struct {
	ID      string `json:"id"`
	CycleID string `json:"cycle_id"`

	Title              string     `json:"title"`
	Description        string     `json:"description"`
	AffectedPaths       []string   `json:"affected_paths"`
	AcceptanceCriteria  []string   `json:"acceptance_criteria"`
	Priority            int        `json:"priority"`
	Complexity          Complexity `json:"complexity"`
	Tags                []string   `json:"tags,omitempty"`
	Deadline            *time.Time `json:"deadline,omitempty"`

	Status       TaskStatus `json:"status"`
	WorkerID     string     `json:"worker_id,omitempty"`
	CreatorID    string     `json:"creator_id"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Version      int64      `json:"version"`
	AttemptCount int        `json:"attempt_count"`
	Diagnostics  []Diagnostic `json:"diagnostics,omitempty"`

	// ClaimedAt is the instant the current assignment was made. It is set
	// by ClaimNextTask and cleared on revocation; heartbeats do not renew
	// it.
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	Branch       string `json:"branch,omitempty"`
	CommitID     string `json:"commit_id,omitempty"`
	VerdictRef   string `json:"verdict_ref,omitempty"`
}

// NewTaskID generates an opaque task identifier.
func NewTaskID() string { return uuid.NewString() }

// Validate checks the Planner-output schema from spec §4.5 step 3.
func (t *Task) Validate(repoRoot string) error {
	if t.Title == "" {
		return fmt.Errorf("task: empty title")
	}
	if t.Description == "" {
		return fmt.Errorf("task: empty description")
	}
	if len(t.AcceptanceCriteria) == 0 {
		return fmt.Errorf("task: no acceptance criteria")
	}
	if t.Priority < 1 || t.Priority > 10 {
		return fmt.Errorf("task: priority %d out of [1,10]", t.Priority)
	}
	if !t.Complexity.Valid() {
		return fmt.Errorf("task: invalid complexity %q", t.Complexity)
	}
	for _, p := range t.AffectedPaths {
		if !withinRoot(repoRoot, p) {
			return fmt.Errorf("task: affected path %q escapes repo root", p)
		}
	}
	return nil
}

// AgentRole is the closed set of agent kinds.
type AgentRole string

const (
	RolePlanner AgentRole = "planner"
	RoleWorker  AgentRole = "worker"
	RoleJudge   AgentRole = "judge"
)

// AgentStatus is the closed set of agent lifecycle states.
type AgentStatus string

const (
	AgentIdle     AgentStatus = "idle"
	AgentWorking  AgentStatus = "working"
	AgentError    AgentStatus = "error"
	AgentStopping AgentStatus = "stopping"
	AgentStopped  AgentStatus = "stopped"
)

// Agent is a running actor supervised by AgentSupervisor.
type Agent struct {
	ID        string      `json:"id"`
	Role      AgentRole   `json:"role"`
	ModelRef  string      `json:"model_ref"`
	Status    AgentStatus `json:"status"`
	CurrentTaskID string  `json:"current_task_id,omitempty"`

	LastHeartbeat   time.Time `json:"last_heartbeat"`
	TasksCompleted  int64     `json:"tasks_completed"`
	ConsecutiveErrs int       `json:"consecutive_errors"`

	// LeaseExpiry is persisted but not written by the store or the
	// supervisor; staleness is judged from LastHeartbeat alone.
	LeaseExpiry time.Time `json:"lease_expiry"`
}

func NewAgentID() string { return uuid.NewString() }

// CyclePhase is the closed state machine driving one planning/execution/
// judgment round (C1: transitions only move forward).
type CyclePhase string

const (
	PhasePlanning  CyclePhase = "planning"
	PhaseExecuting CyclePhase = "executing"
	PhaseJudging   CyclePhase = "judging"
	PhaseClosed    CyclePhase = "closed"
)

var phaseOrder = map[CyclePhase]int{
	PhasePlanning:  0,
	PhaseExecuting: 1,
	PhaseJudging:   2,
	PhaseClosed:    3,
}

// CanAdvanceTo reports whether next is a forward (or equal) transition
// from the receiver, per invariant C1.
func (p CyclePhase) CanAdvanceTo(next CyclePhase) bool {
	return phaseOrder[next] >= phaseOrder[p]
}

// Cycle is one planner->worker->judge round.
type Cycle struct {
	ID        string     `json:"id"`
	Phase     CyclePhase `json:"phase"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	TasksCreated   int    `json:"tasks_created"`
	TasksCompleted int    `json:"tasks_completed"`
	VerdictID      string `json:"verdict_id,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

func NewCycleID() string { return uuid.NewString() }

// Decision is the Judge's closed continuation verdict.
type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionPause    Decision = "pause"
	DecisionHalt     Decision = "halt"
)

func (d Decision) Valid() bool {
	switch d {
	case DecisionContinue, DecisionPause, DecisionHalt:
		return true
	}
	return false
}

// Verdict is the Judge's structured output for one cycle.
type Verdict struct {
	ID       string   `json:"id"`
	CycleID  string   `json:"cycle_id"`
	Decision Decision `json:"decision"`

	Reviewed int `json:"reviewed"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`

	Metrics   map[string]any `json:"metrics,omitempty"`
	Reasoning string         `json:"reasoning"`
	CreatedAt time.Time      `json:"created_at"`
}

func NewVerdictID() string { return uuid.NewString() }
