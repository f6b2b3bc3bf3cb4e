// Package judgert implements the end-of-cycle Judge: load the cycle's
// tasks partitioned by terminal status, request aggregate metrics and a
// verdict from the Model adapter, validate the result, and persist it.
// Aggregation is grounded on a DAG engine's execution-result rollup,
// generalized from "did the DAG complete" to "what did this cycle
// produce".
package judgert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskforge/internal/adapters"
	"github.com/swarmguard/taskforge/internal/config"
	"github.com/swarmguard/taskforge/internal/model"
	"github.com/swarmguard/taskforge/internal/store"
)

// Judge is invoked exactly once per cycle by CycleController.
type Judge struct {
	store  *store.Store
	model  adapters.Model
	fs     adapters.FSExec
	cfg    config.Config
	tracer trace.Tracer
	log    *slog.Logger
}

// New builds a Judge wired against the given store and adapters.
func New(st *store.Store, m adapters.Model, fs adapters.FSExec, cfg config.Config) *Judge {
	return &Judge{
		store: st, model: m, fs: fs, cfg: cfg,
		tracer: otel.Tracer("taskforge-judge"),
		log:    slog.Default().With("component", "judge"),
	}
}

type verdictResponse struct {
	Decision  string         `json:"decision"`
	Approved  int            `json:"approved"`
	Rejected  int            `json:"rejected"`
	Reasoning string         `json:"reasoning"`
	Metrics   map[string]any `json:"metrics"`
}

// Review runs the full §4.6 sequence for cycleID and persists the
// resulting Verdict, transitioning the cycle to closed. On any
// validation failure of the Model adapter's output the decision
// defaults to pause (spec §4.6 step 3, §7).
func (j *Judge) Review(ctx context.Context, agentID, cycleID string) (*model.Verdict, error) {
	ctx, span := j.tracer.Start(ctx, "judge.review")
	defer span.End()

	tasks, err := j.store.ListTasksByCycle(ctx, cycleID, nil)
	if err != nil {
		return nil, fmt.Errorf("list_tasks_by_cycle: %w", err)
	}

	completed, failed, abandoned := partition(tasks)
	metrics, err := j.aggregateMetrics(ctx, tasks)
	if err != nil {
		j.log.Warn("aggregate metrics failed, continuing with empty bag", "error", err)
		metrics = map[string]any{}
	}

	prompt := buildVerdictPrompt(completed, failed, abandoned, metrics)
	text, err := j.model.Generate(ctx, "judge", j.cfg.ModelRefJudge, prompt, adapters.GenerateParams{
		Temperature: 0.1, MaxTokens: 2048,
	})

	var verdict *model.Verdict
	if err != nil {
		verdict = j.defaultPauseVerdict(cycleID, len(tasks), fmt.Sprintf("judge adapter error: %v", err), metrics)
	} else {
		verdict = j.parseVerdict(cycleID, text, len(completed), len(failed)+len(abandoned), metrics)
	}

	if err := j.store.CloseCycle(ctx, cycleID, verdict); err != nil {
		return nil, fmt.Errorf("close_cycle: %w", err)
	}
	return verdict, nil
}

func partition(tasks []model.Task) (completed, failed, abandoned []model.Task) {
	for _, t := range tasks {
		switch t.Status {
		case model.TaskCompleted:
			completed = append(completed, t)
		case model.TaskFailed:
			failed = append(failed, t)
		case model.TaskAbandoned:
			abandoned = append(abandoned, t)
		}
	}
	return
}

// aggregateMetrics requests opaque numeric context (test pass ratio,
// coverage delta, quality index) by reading metrics.json through the
// FSExec adapter; the core does not define how these are computed.
// Reading the file directly (rather than shelling out to "cat") avoids
// depending on the sandbox's command whitelist for something that is
// not actually command execution.
func (j *Judge) aggregateMetrics(ctx context.Context, tasks []model.Task) (map[string]any, error) {
	data, err := j.fs.ReadFile(ctx, "metrics.json")
	if err != nil {
		return map[string]any{}, nil
	}
	var bag map[string]any
	if err := json.Unmarshal(data, &bag); err != nil {
		return map[string]any{}, nil
	}
	return bag, nil
}

// parseVerdict validates the Model adapter's verdict output: decision
// must be one of continue/pause/halt and approved+rejected must match
// the loaded task counts — reviewed (completed tasks judged for
// approval) plus rejectedExpected (failed/abandoned tasks, which are
// rejected by construction) — otherwise defaults to pause (spec §4.6
// step 3, spec.md:133).
func (j *Judge) parseVerdict(cycleID, text string, reviewed, rejectedExpected int, metrics map[string]any) *model.Verdict {
	var resp verdictResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return j.defaultPauseVerdict(cycleID, reviewed, fmt.Sprintf("unparseable judge output: %v", err), metrics)
	}
	decision := model.Decision(resp.Decision)
	if !decision.Valid() {
		return j.defaultPauseVerdict(cycleID, reviewed, fmt.Sprintf("invalid decision %q", resp.Decision), metrics)
	}
	if resp.Approved+resp.Rejected != reviewed+rejectedExpected {
		return j.defaultPauseVerdict(cycleID, reviewed, "approved+rejected count mismatch", metrics)
	}
	return &model.Verdict{
		CycleID:   cycleID,
		Decision:  decision,
		Reviewed:  reviewed,
		Approved:  resp.Approved,
		Rejected:  resp.Rejected,
		Metrics:   metrics,
		Reasoning: resp.Reasoning,
	}
}

func (j *Judge) defaultPauseVerdict(cycleID string, reviewed int, reason string, metrics map[string]any) *model.Verdict {
	j.log.Warn("judge validation failure, defaulting to pause", "cycle_id", cycleID, "reason", reason)
	return &model.Verdict{
		CycleID:   cycleID,
		Decision:  model.DecisionPause,
		Reviewed:  reviewed,
		Reasoning: reason,
		Metrics:   metrics,
	}
}

// TimeoutVerdict builds the synthetic verdict recorded when the judge
// fails to respond within cycle.judge_timeout (spec §7, S6).
func TimeoutVerdict(cycleID string, reviewed int) *model.Verdict {
	return &model.Verdict{
		CycleID:   cycleID,
		Decision:  model.DecisionPause,
		Reviewed:  reviewed,
		Reasoning: "judge_timeout",
	}
}
