package cyclectl

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/taskforge/internal/adapters"
	"github.com/swarmguard/taskforge/internal/clock"
	"github.com/swarmguard/taskforge/internal/config"
	"github.com/swarmguard/taskforge/internal/judgert"
	"github.com/swarmguard/taskforge/internal/plannerrt"
	"github.com/swarmguard/taskforge/internal/store"
	"github.com/swarmguard/taskforge/internal/supervisor"
)

type stubModel struct {
	planResponse   string
	judgeResponse  string
}

func (m *stubModel) Generate(ctx context.Context, role, modelRef, prompt string, params adapters.GenerateParams) (string, error) {
	if role == "judge" {
		return m.judgeResponse, nil
	}
	return m.planResponse, nil
}

type stubFS struct{}

func (stubFS) ReadFile(ctx context.Context, path string) ([]byte, error)  { return nil, nil }
func (stubFS) WriteFile(ctx context.Context, path string, data []byte) error { return nil }
func (stubFS) ListDir(ctx context.Context, path string) ([]adapters.DirEntry, error) {
	return []adapters.DirEntry{{Name: "main.go"}}, nil
}
func (stubFS) Execute(ctx context.Context, command []string, cwd string, timeoutSeconds int) (adapters.ExecResult, error) {
	return adapters.ExecResult{ExitCode: 1}, nil
}

func newTestController(t *testing.T, cfg config.Config, planResp, judgeResp string) (*Controller, *clock.Fake) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "db"), noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fakeClock := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sv := supervisor.New(st, nil, fakeClock, cfg)
	model := &stubModel{planResponse: planResp, judgeResponse: judgeResp}
	planner := plannerrt.New(st, model, stubFS{}, nil, fakeClock, cfg)
	judge := judgert.New(st, model, stubFS{}, cfg)

	ctrl := New(st, sv, planner, judge, nil, fakeClock, cfg, noop.NewMeterProvider().Meter("test"))
	return ctrl, fakeClock
}

// advanceInBackground drives the fake clock forward in small steps so
// that cyclectl's internal wait loops (blocked on clock.After) unblock
// deterministically without relying on wall-clock sleeps.
func advanceInBackground(t *testing.T, fc *clock.Fake, total time.Duration, done <-chan struct{}) {
	t.Helper()
	step := 500 * time.Millisecond
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	elapsed := time.Duration(0)
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			fc.Advance(step)
			elapsed += step
			if elapsed > total*4 {
				return
			}
		}
	}
}

func TestOpenCycleContinuesOnValidVerdict(t *testing.T) {
	cfg := config.Load()
	cfg.CyclePlanningWindow = 2 * time.Second
	cfg.CycleExecutionWindow = 2 * time.Second
	cfg.CycleJudgeTimeout = 2 * time.Second
	cfg.PollPlanner = 500 * time.Millisecond
	cfg.PollQuiescence = 500 * time.Millisecond

	ctrl, fc := newTestController(t, cfg, `[]`, `{"decision":"continue","approved":0,"rejected":0,"reasoning":"ok"}`)

	done := make(chan struct{})
	go advanceInBackground(t, fc, cfg.CyclePlanningWindow+cfg.CycleExecutionWindow+cfg.CycleJudgeTimeout, done)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ctrl.OpenCycle(ctx); err != nil {
		t.Fatalf("open cycle: %v", err)
	}
	close(done)

	status := ctrl.Status()
	if status.Parked {
		t.Fatalf("expected not parked on continue verdict, got parked")
	}
}

func TestOpenCycleParksOnMalformedJudgeOutput(t *testing.T) {
	cfg := config.Load()
	cfg.CyclePlanningWindow = 1 * time.Second
	cfg.CycleExecutionWindow = 1 * time.Second
	cfg.CycleJudgeTimeout = 1 * time.Second
	cfg.PollPlanner = 500 * time.Millisecond
	cfg.PollQuiescence = 500 * time.Millisecond

	// judgeResponse is intentionally malformed, so the Judge itself
	// defaults to a pause verdict (spec §4.6 step 3) without the
	// controller's judge_timeout path ever firing.
	ctrl, fc := newTestController(t, cfg, `[]`, `not json`)

	done := make(chan struct{})
	go advanceInBackground(t, fc, cfg.CyclePlanningWindow+cfg.CycleExecutionWindow+cfg.CycleJudgeTimeout, done)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ctrl.OpenCycle(ctx); err != nil {
		t.Fatalf("open cycle: %v", err)
	}
	close(done)

	status := ctrl.Status()
	if !status.Parked {
		t.Fatalf("expected parked on pause verdict from malformed judge output")
	}
}
